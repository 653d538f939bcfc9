package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reconcile-svc/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func InitRedis(cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established")
	return rdb, nil
}

// TokenCache shares gateway access tokens between replicas.
type TokenCache struct {
	rdb *redis.Client
}

func NewTokenCache(rdb *redis.Client) *TokenCache {
	return &TokenCache{rdb: rdb}
}

func tokenKey(name string) string {
	return fmt.Sprintf("gateway_token:%s", name)
}

func (c *TokenCache) Get(ctx context.Context, name string) (string, bool, error) {
	token, err := c.rdb.Get(ctx, tokenKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

func (c *TokenCache) Set(ctx context.Context, name, token string, ttl time.Duration) error {
	return c.rdb.Set(ctx, tokenKey(name), token, ttl).Err()
}

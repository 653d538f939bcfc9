package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"reconcile-svc/models"

	"github.com/redis/go-redis/v9"
)

// RedisBackend admits keys with SET NX EX; Redis expires them itself.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb, prefix: "dedup:"}
}

func (b *RedisBackend) InsertDedup(ctx context.Context, rec models.DedupRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode dedup record: %w", err)
	}
	ttl := rec.ExpiresAt.Sub(rec.FirstSeenAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return b.rdb.SetNX(ctx, b.prefix+rec.DedupKey, data, ttl).Result()
}

func (b *RedisBackend) DeleteDedup(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, b.prefix+key).Err()
}

func (b *RedisBackend) PurgeDedup(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

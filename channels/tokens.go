package channels

import (
	"context"
	"sync"
	"time"
)

// TokenStore caches gateway access tokens. cache.TokenCache implements it
// on Redis so replicas share tokens.
type TokenStore interface {
	Get(ctx context.Context, name string) (string, bool, error)
	Set(ctx context.Context, name, token string, ttl time.Duration) error
}

type memoryToken struct {
	value     string
	expiresAt time.Time
}

type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]memoryToken
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]memoryToken)}
}

func (s *MemoryTokenStore) Get(_ context.Context, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[name]
	if !ok || time.Now().After(t.expiresAt) {
		return "", false, nil
	}
	return t.value, true, nil
}

func (s *MemoryTokenStore) Set(_ context.Context, name, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[name] = memoryToken{value: token, expiresAt: time.Now().Add(ttl)}
	return nil
}

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore tracks auth nonces for replay protection.
type NonceStore interface {
	IsNonceUsed(ctx context.Context, did, nonce string) bool
	MarkNonceUsed(ctx context.Context, did, nonce string, ttl time.Duration)
}

// RedisStore backs rate limiting and nonce replay protection.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings a Redis instance.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// Client exposes the raw client for the rate-limit middleware.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func nonceKey(did, nonce string) string {
	return fmt.Sprintf("nonce:%s:%s", did, nonce)
}

// IsNonceUsed checks whether a nonce was seen inside its TTL window.
func (s *RedisStore) IsNonceUsed(ctx context.Context, did, nonce string) bool {
	exists, _ := s.client.Exists(ctx, nonceKey(did, nonce)).Result()
	return exists > 0
}

// MarkNonceUsed records a nonce with a TTL.
func (s *RedisStore) MarkNonceUsed(ctx context.Context, did, nonce string, ttl time.Duration) {
	s.client.Set(ctx, nonceKey(did, nonce), "1", ttl)
}

// MemoryNonceStore is the NonceStore used when Redis is not configured.
// Development only; nonces do not survive a restart and are not shared
// across instances.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time // key -> expiry
}

// NewMemoryNonceStore creates an empty in-process nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[string]time.Time)}
}

func (s *MemoryNonceStore) IsNonceUsed(ctx context.Context, did, nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	_, ok := s.nonces[nonceKey(did, nonce)]
	return ok
}

func (s *MemoryNonceStore) MarkNonceUsed(ctx context.Context, did, nonce string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[nonceKey(did, nonce)] = time.Now().Add(ttl)
}

// prune drops expired nonces. Caller holds the lock.
func (s *MemoryNonceStore) prune() {
	now := time.Now()
	for k, expiry := range s.nonces {
		if now.After(expiry) {
			delete(s.nonces, k)
		}
	}
}

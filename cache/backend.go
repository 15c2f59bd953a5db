package cache

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Backend is the key-value store behind RecordCache. A missing key is reported
// through found, not through err.
type Backend interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (value string, found bool, err error)
}

// RedisBackend stores entries with SET key value EX ttl
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps a go-redis client
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// MemoryBackend keeps entries in a process-local expirable LRU. Every entry
// lives for the TTL given at construction; the per-call ttl is ignored.
type MemoryBackend struct {
	lru *lru.LRU[string, string]
}

// NewMemoryBackend creates an in-process backend holding at most size entries
func NewMemoryBackend(size int, ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{lru: lru.NewLRU[string, string](size, nil, ttl)}
}

func (b *MemoryBackend) Set(_ context.Context, key, value string, _ time.Duration) error {
	b.lru.Add(key, value)
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	value, ok := b.lru.Get(key)
	return value, ok, nil
}

package tokenmanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// TokenCache stores short-lived access tokens. Implementations must be safe
// for concurrent use. A failed lookup is reported as a miss.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// MemoryCache is an in-process TokenCache.
type MemoryCache struct {
	mu      sync.Mutex
	clock   quartz.Clock
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// NewMemoryCache returns an empty MemoryCache. A nil clock means the real
// clock.
func NewMemoryCache(clock quartz.Clock) *MemoryCache {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &MemoryCache{
		clock:   clock,
		entries: make(map[string]memoryEntry),
	}
}

// Get implements TokenCache.
func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !e.expires.After(c.clock.Now()) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

// Set implements TokenCache. Non-positive TTLs are ignored.
func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expires: c.clock.Now().Add(ttl)}
}

// RedisCache shares tokens between processes through Redis.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	logger zerolog.Logger
}

// NewRedisCache returns a cache storing keys under prefix.
func NewRedisCache(client redis.UniversalClient, prefix string, logger zerolog.Logger) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, logger: logger}
}

// Get implements TokenCache.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	v, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("token cache lookup failed")
		}
		return "", false
	}
	return v, true
}

// Set implements TokenCache.
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("token cache store failed")
	}
}

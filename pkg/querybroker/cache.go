// Package querybroker serves the policy-gated live read path over the
// canonical store and materializes query results back into canonical
// facts. Results are cached for a short window keyed on the normalized
// query; the cache backend is pluggable (in-process or Redis).
package querybroker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResult is a cached live query result. Every entry is scoped to
// the tenant that issued the query.
type CachedResult struct {
	ResultID     string           `json:"resultId"`
	TenantID     string           `json:"tenantId"`
	ConnectionID string           `json:"connectionId"`
	Rows         []map[string]any `json:"rows"`
	Metadata     QueryMetadata    `json:"queryMetadata"`
	ExpiresAt    time.Time        `json:"expiresAt"`
}

// Cache stores live query results for the reuse window.
type Cache interface {
	Get(ctx context.Context, key string) (*CachedResult, bool)
	Put(ctx context.Context, key string, res *CachedResult, ttl time.Duration)
	ByResultID(ctx context.Context, resultID string) (*CachedResult, bool)
}

// MemoryCache is the in-process cache. Eviction is lazy on read.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*CachedResult
	byID    map[string]string // resultId -> cache key
	clock   func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*CachedResult),
		byID:    make(map[string]string),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (c *MemoryCache) WithClock(clock func() time.Time) *MemoryCache {
	c.clock = clock
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (*CachedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock().After(entry.ExpiresAt) {
		delete(c.entries, key)
		delete(c.byID, entry.ResultID)
		return nil, false
	}
	return entry, true
}

func (c *MemoryCache) Put(_ context.Context, key string, res *CachedResult, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res.ExpiresAt = c.clock().Add(ttl)
	c.entries[key] = res
	c.byID[res.ResultID] = key
}

func (c *MemoryCache) ByResultID(ctx context.Context, resultID string) (*CachedResult, bool) {
	c.mu.Lock()
	key, ok := c.byID[resultID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return c.Get(ctx, key)
}

// RedisCache stores results in Redis with native TTL expiry. Useful when
// several control plane replicas share a cache.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a cache backed by the given Redis address.
func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func redisKey(key string) string      { return "livequery:" + key }
func redisIDKey(id string) string     { return "livequery:result:" + id }

func (c *RedisCache) Get(ctx context.Context, key string) (*CachedResult, bool) {
	raw, err := c.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var res CachedResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false
	}
	return &res, true
}

func (c *RedisCache) Put(ctx context.Context, key string, res *CachedResult, ttl time.Duration) {
	res.ExpiresAt = time.Now().Add(ttl)
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, redisKey(key), raw, ttl)
	pipe.Set(ctx, redisIDKey(res.ResultID), key, ttl)
	_, _ = pipe.Exec(ctx)
}

func (c *RedisCache) ByResultID(ctx context.Context, resultID string) (*CachedResult, bool) {
	key, err := c.client.Get(ctx, redisIDKey(resultID)).Result()
	if err != nil {
		return nil, false
	}
	return c.Get(ctx, key)
}

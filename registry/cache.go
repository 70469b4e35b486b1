package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ResultCache stores successful step outputs keyed by the step's cache key.
// A miss is (nil, false, nil); errors are reserved for backend failures.
type ResultCache interface {
	Get(ctx context.Context, key string) (map[string]any, bool, error)
	Set(ctx context.Context, key string, output map[string]any, ttl time.Duration) error
	Close() error
}

// DefaultCacheTTL applies when neither the step nor the agent declares one.
const DefaultCacheTTL = 5 * time.Minute

// cacheItem is one in-memory cached output.
type cacheItem struct {
	output    map[string]any
	expiresAt time.Time
}

// MemoryCache is the default in-process result cache with lazy expiry and a
// periodic sweep.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a cache with a background sweep every interval.
// Zero disables the sweep; expiry is then checked only on read.
func NewMemoryCache(sweepInterval time.Duration) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]cacheItem),
		stop:  make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// Get returns the cached output when present and unexpired.
func (c *MemoryCache) Get(_ context.Context, key string) (map[string]any, bool, error) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(item.expiresAt) {
		return nil, false, nil
	}
	out := make(map[string]any, len(item.output))
	for k, v := range item.output {
		out[k] = v
	}
	return out, true, nil
}

// Set stores the output for ttl.
func (c *MemoryCache) Set(_ context.Context, key string, output map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cp := make(map[string]any, len(output))
	for k, v := range output {
		cp[k] = v
	}
	c.mu.Lock()
	c.items[key] = cacheItem{output: cp, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included until the
// next sweep.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the sweep loop.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, item := range c.items {
				if now.After(item.expiresAt) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// RedisCache stores results in Redis so cache hits survive restarts and are
// shared across engine instances.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisCache wraps a client. The prefix namespaces cache keys, default
// "loom:cache:".
func NewRedisCache(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "loom:cache:"
	}
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "result_cache")),
	}
}

// Get returns the cached output when present.
func (c *RedisCache) Get(ctx context.Context, key string) (map[string]any, bool, error) {
	data, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	var output map[string]any
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, false, fmt.Errorf("cache decode %q: %w", key, err)
	}
	return output, true, nil
}

// Set stores the output for ttl.
func (c *RedisCache) Set(ctx context.Context, key string, output map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", key, err)
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

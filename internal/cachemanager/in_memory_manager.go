package cachemanager

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/quill/internal/log"
)

const DefaultExpiration = 10 * time.Minute
const DefaultCleanupInterval = 30 * time.Minute

// NewInMemoryCacheManager creates a cache holding at most maxItems entries.
// A maxItems <= 0 leaves the cache unbounded.
func NewInMemoryCacheManager[K ~string, V any](useCase string, defaultExpiration, cleanupInterval time.Duration, maxItems int) *InMemoryCacheManager[K, V] {
	return &InMemoryCacheManager[K, V]{
		useCase:  useCase,
		maxItems: maxItems,
		cache:    gocache.New(defaultExpiration, cleanupInterval),
	}
}

// InMemoryCacheManager is the go-cache backed CacheManager.
type InMemoryCacheManager[K ~string, V any] struct {
	useCase  string
	maxItems int
	cache    *gocache.Cache
	// setMu serialises capacity checks with inserts.
	setMu sync.Mutex
}

// Get retrieves an item from the cache by its key
func (c *InMemoryCacheManager[K, V]) Get(_ context.Context, key K) (V, bool) {
	var zeroValue V

	value, found := c.cache.Get(string(key))
	if !found {
		return zeroValue, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "wrong type assertion when getting value", "cache", c.useCase, "key", key)
		return zeroValue, false
	}

	log.Debug(log.CatCache, "cache hit", "cache", c.useCase, "key", key)
	return v, true
}

// GetWithRefresh retrieves an item and, when found, extends its ttl by
// putting it back in the cache.
func (c *InMemoryCacheManager[K, V]) GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool) {
	value, found := c.Get(ctx, key)
	if !found {
		return value, found
	}

	c.Set(ctx, key, value, ttl)
	return value, found
}

// Set stores value under key. When the cache is full, expired entries are
// purged first and then the entry closest to expiry is evicted.
func (c *InMemoryCacheManager[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) {
	c.setMu.Lock()
	defer c.setMu.Unlock()

	if c.maxItems > 0 {
		if _, exists := c.cache.Get(string(key)); !exists && c.cache.ItemCount() >= c.maxItems {
			c.evict()
		}
	}
	c.cache.Set(string(key), value, ttl)
}

// evict makes room for one entry. Caller holds setMu.
func (c *InMemoryCacheManager[K, V]) evict() {
	c.cache.DeleteExpired()
	if c.cache.ItemCount() < c.maxItems {
		return
	}

	var (
		victim   string
		earliest int64
	)
	for k, item := range c.cache.Items() {
		// Expiration 0 means the entry never expires; evict those last.
		exp := item.Expiration
		if exp == 0 {
			exp = 1<<63 - 1
		}
		if victim == "" || exp < earliest {
			victim, earliest = k, exp
		}
	}
	if victim != "" {
		c.cache.Delete(victim)
		log.Debug(log.CatCache, "cache full, evicted entry", "cache", c.useCase, "key", victim)
	}
}

// Delete removes the given keys.
func (c *InMemoryCacheManager[K, V]) Delete(_ context.Context, keys ...K) error {
	for _, key := range keys {
		c.cache.Delete(string(key))
	}
	return nil
}

// Flush removes every entry.
func (c *InMemoryCacheManager[K, V]) Flush(_ context.Context) error {
	c.cache.Flush()
	return nil
}

// Values returns every unexpired entry in no particular order.
func (c *InMemoryCacheManager[K, V]) Values(_ context.Context) []V {
	items := c.cache.Items()
	out := make([]V, 0, len(items))
	for k, item := range items {
		v, ok := item.Object.(V)
		if !ok {
			log.Error(log.CatCache, "wrong type assertion when listing values", "cache", c.useCase, "key", k)
			continue
		}
		out = append(out, v)
	}
	return out
}

// Len returns the number of entries, including expired ones not yet cleaned up.
func (c *InMemoryCacheManager[K, V]) Len() int {
	return c.cache.ItemCount()
}

package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type memoryItem struct {
	score   float64
	expires time.Time
}

// MemoryCache is an in-process TTL map
type MemoryCache struct {
	mu     sync.RWMutex
	items  map[string]memoryItem
	ttl    time.Duration
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryCache creates an in-memory cache. A nil clock uses time.Now.
func NewMemoryCache(ttl time.Duration, clock func() time.Time) *MemoryCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryCache{
		items: make(map[string]memoryItem),
		ttl:   ttl,
		now:   clock,
	}
}

// Get returns a live cached score; expired items are evicted
func (c *MemoryCache) Get(_ context.Context, ip string) (float64, bool, error) {
	now := c.now()

	c.mu.RLock()
	item, ok := c.items[ip]
	c.mu.RUnlock()

	if ok && now.Before(item.expires) {
		c.hits.Add(1)
		return item.score, true, nil
	}

	if ok {
		c.mu.Lock()
		// re-check, a concurrent Set may have refreshed it
		if cur, still := c.items[ip]; still && !now.Before(cur.expires) {
			delete(c.items, ip)
		}
		c.mu.Unlock()
	}

	c.misses.Add(1)
	return 0, false, nil
}

// Set stores a score for the configured TTL
func (c *MemoryCache) Set(_ context.Context, ip string, score float64) error {
	c.mu.Lock()
	c.items[ip] = memoryItem{score: score, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes a cached score
func (c *MemoryCache) Delete(_ context.Context, ip string) error {
	c.mu.Lock()
	delete(c.items, ip)
	c.mu.Unlock()
	return nil
}

// Clear removes all cached scores
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	c.items = make(map[string]memoryItem)
	c.mu.Unlock()

	c.hits.Store(0)
	c.misses.Store(0)
	return nil
}

// Stats returns cache statistics
func (c *MemoryCache) Stats(_ context.Context) (*CacheStats, error) {
	c.mu.RLock()
	keys := int64(len(c.items))
	c.mu.RUnlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	return &CacheStats{
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
		Keys:    keys,
	}, nil
}

// Close is a no-op
func (c *MemoryCache) Close() error {
	return nil
}

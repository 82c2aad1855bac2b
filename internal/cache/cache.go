// Package cache holds short-lived aggregated reputation scores per IP.
package cache

import (
	"context"
	"time"
)

// Cache defines reputation score caching operations
type Cache interface {
	// Get returns the cached score for ip; ok is false on a miss
	Get(ctx context.Context, ip string) (score float64, ok bool, err error)
	Set(ctx context.Context, ip string, score float64) error
	Delete(ctx context.Context, ip string) error
	// Clear evicts every cached score
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (*CacheStats, error)
	Close() error
}

// CacheStats holds cache statistics
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Keys    int64   `json:"keys"`
}

// entry is the cached payload
type entry struct {
	Score    float64   `json:"score"`
	StoredAt time.Time `json:"stored_at"`
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
)

// Config holds Redis connection configuration
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info(fmt.Sprintf("Connected to Redis at %s:%d", cfg.Host, cfg.Port))
	return client, nil
}

// RedisCache implements Cache using Redis keys with expiry
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache creates a Redis-backed cache on an existing client
func NewRedisCache(client *redis.Client, ttl time.Duration, prefix string) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if prefix == "" {
		prefix = "ipshield:rep:"
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		prefix: prefix,
	}
}

// key generates the cache key for an IP
func (c *RedisCache) key(ip string) string {
	return c.prefix + ip
}

// Get retrieves a cached score for an IP
func (c *RedisCache) Get(ctx context.Context, ip string) (float64, bool, error) {
	data, err := c.client.Get(ctx, c.key(ip)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return 0, false, nil
		}
		return 0, false, err
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return 0, false, fmt.Errorf("failed to unmarshal cached score: %w", err)
	}

	c.hits.Add(1)
	return e.Score, true, nil
}

// Set stores a score in the cache
func (c *RedisCache) Set(ctx context.Context, ip string, score float64) error {
	data, err := json.Marshal(entry{Score: score, StoredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal score: %w", err)
	}

	return c.client.Set(ctx, c.key(ip), data, c.ttl).Err()
}

// Delete removes a cached score
func (c *RedisCache) Delete(ctx context.Context, ip string) error {
	return c.client.Del(ctx, c.key(ip)).Err()
}

// Clear removes all cached scores
func (c *RedisCache) Clear(ctx context.Context) error {
	// Use SCAN to find all keys with our prefix and delete them
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, c.prefix+"*", 1000).Result()
		if err != nil {
			return err
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	c.hits.Store(0)
	c.misses.Store(0)
	return nil
}

// Stats returns cache statistics
func (c *RedisCache) Stats(ctx context.Context) (*CacheStats, error) {
	// Count keys with our prefix
	var keyCount int64
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, c.prefix+"*", 1000).Result()
		if err != nil {
			return nil, err
		}
		keyCount += int64(len(keys))
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	hits, misses := c.hits.Load(), c.misses.Load()
	return &CacheStats{
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
		Keys:    keyCount,
	}, nil
}

// Close leaves the client open; it is owned by whoever created it
func (c *RedisCache) Close() error {
	return nil
}

// Copyright 2025 James Ross

// Package contentcache is the content-addressable cache in front of the
// LLM gateway. It is advisory-correct: a miss never implies the artifact
// is absent from persistence, only that this exact input hasn't been
// seen (or has expired) in the cache.
package contentcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with the pipeline's key discipline and
// default TTL.
type Cache struct {
	rdb        *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
}

// New builds a Cache. keyPrefix is prepended to every key (empty string
// is fine); defaultTTL is used when Put is called with ttl <= 0.
func New(rdb *redis.Client, keyPrefix string, defaultTTL time.Duration) *Cache {
	return &Cache{rdb: rdb, keyPrefix: keyPrefix, defaultTTL: defaultTTL}
}

// ExtractionKey builds the cache key for one entry's extraction:
// extract:{entry-date}:{content-hash[:16]}.
func (c *Cache) ExtractionKey(date, contentHash string) string {
	return fmt.Sprintf("%sextract:%s:%s", c.keyPrefix, date, shorten(contentHash))
}

// AggregationKey builds the cache key for one tier's aggregation output:
// agg:{tier}:{range-id}:{input-hash[:16]}.
func (c *Cache) AggregationKey(tier, rangeID, inputHash string) string {
	return fmt.Sprintf("%sagg:%s:%s:%s", c.keyPrefix, tier, rangeID, shorten(inputHash))
}

func shorten(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}

// Get returns the cached body for key and true, or ("", false) on a miss.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("contentcache get %s: %w", key, err)
	}
	return val, true, nil
}

// Put stores value under key with the given ttl. A ttl <= 0 uses the
// cache's configured default.
func (c *Cache) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("contentcache put %s: %w", key, err)
	}
	return nil
}

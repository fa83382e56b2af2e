package service

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// IdempotencyCache is a bounded, TTL-limited in-process cache of stored submission
// responses. It only ever holds copies of rows already persisted, so losing it (restart,
// another instance) changes latency, never results.
type IdempotencyCache struct {
	entries *expirable.LRU[string, json.RawMessage]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewIdempotencyCache creates a cache holding at most capacity entries for ttl each.
func NewIdempotencyCache(capacity int, ttl time.Duration) *IdempotencyCache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyCache{
		entries: expirable.NewLRU[string, json.RawMessage](capacity, nil, ttl),
	}
}

func idempotencyCacheKey(userID, key string) string {
	return userID + "\x00" + key
}

// Get returns the cached response for (userID, key).
func (c *IdempotencyCache) Get(userID, key string) (json.RawMessage, bool) {
	response, ok := c.entries.Get(idempotencyCacheKey(userID, key))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return response, true
}

// Put stores response for (userID, key), evicting the least recently used entry when full.
func (c *IdempotencyCache) Put(userID, key string, response json.RawMessage) {
	c.entries.Add(idempotencyCacheKey(userID, key), response)
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *IdempotencyCache) Len() int {
	return c.entries.Len()
}

// IdempotencyCacheStats reports cache effectiveness.
type IdempotencyCacheStats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns hit/miss counters.
func (c *IdempotencyCache) Stats() IdempotencyCacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return IdempotencyCacheStats{Entries: c.Len(), Hits: hits, Misses: misses, HitRate: rate}
}

// Package cache provides an in-process key/value cache with a count-based
// capacity, per-entry TTL expiry, and LRU-ish eviction (lowest hit count
// first, oldest insert as the tiebreak). Entries are non-authoritative and
// may be dropped at any time.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
)

// entry is one cached value with its bookkeeping.
type entry struct {
	value     interface{}
	createdAt time.Time
	expiresAt time.Time
	hitCount  int64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache is a mutex-guarded map cache. All operations are O(1) except
// eviction and the maintenance sweep, which scan; at the expected sizes
// (hundreds of entries) that is not a contention concern.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	capacity int
	ttl      time.Duration

	hits      int64
	misses    int64
	evictions int64
}

// New creates a cache with the given capacity and default TTL.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 500
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Cache{
		entries:  make(map[string]*entry, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Get returns the value for key if present and not expired. Hits bump the
// entry's hit count, which protects it from eviction.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	e.hitCount++
	c.hits++
	return e.value, true
}

// Set inserts or replaces the value for key with the default TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL inserts or replaces the value for key with an explicit TTL.
// When the cache is at capacity and the key is new, the entry with the
// lowest (hit_count, created_at) is evicted first.
func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictLocked()
	}
	c.entries[key] = &entry{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
}

// Delete removes a key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// evictLocked drops the least valuable entry. Caller holds the mutex.
func (c *Cache) evictLocked() {
	var victim string
	var victimHits int64 = -1
	var victimCreated time.Time

	for key, e := range c.entries {
		if victimHits == -1 ||
			e.hitCount < victimHits ||
			(e.hitCount == victimHits && e.createdAt.Before(victimCreated)) {
			victim = key
			victimHits = e.hitCount
			victimCreated = e.createdAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		c.evictions++
	}
}

// Purge drops every expired entry and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear empties the cache without touching the hit/miss counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry, c.capacity)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		Capacity:  c.capacity,
		HitRate:   rate,
	}
}

// RunJanitor sweeps expired entries every interval until ctx is cancelled.
// Run it in its own goroutine.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Purge(); removed > 0 {
				logging.Get(logging.CategoryCache).Debug("janitor purged %d expired entries", removed)
			}
		}
	}
}

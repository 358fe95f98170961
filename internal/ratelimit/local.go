package ratelimit

import (
	"slices"
	"sync"
	"time"

	"marketplace/internal/models"
)

// LocalCounter applies the rate limit decision table to counters held in
// this process only. Other replicas and restarts do not see its state, so it
// is a hint for degraded operation and never the sole enforcement.
type LocalCounter struct {
	mu      sync.Mutex
	entries map[models.RateLimitKey]*localEntry
	limit   int
}

type localEntry struct {
	record  *models.RateLimitRecord
	policy  models.RateLimitPolicy
	touched time.Time
}

// expired reports whether neither the window nor a block can still affect a
// decision for this entry.
func (e *localEntry) expired(now time.Time) bool {
	return !e.record.IsBlocked(now) && now.Sub(e.record.WindowStart) > e.policy.Window
}

// NewLocalCounter keeps at most maxKeys counters. When full, entries whose
// own window and block are over are dropped first, then the least recently
// used tenth of the table.
func NewLocalCounter(maxKeys int) *LocalCounter {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &LocalCounter{
		entries: make(map[models.RateLimitKey]*localEntry),
		limit:   maxKeys,
	}
}

// Hit records one attempt for key at now.
func (c *LocalCounter) Hit(key models.RateLimitKey, policy models.RateLimitPolicy, now time.Time) models.RateLimitResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	policy = policy.Effective()
	e, ok := c.entries[key]
	if !ok {
		if len(c.entries) >= c.limit {
			c.evict(now)
		}
		e = &localEntry{record: models.NewRateLimitRecord(key)}
		c.entries[key] = e
	}
	e.policy = policy
	e.touched = now
	return e.record.Apply(now, policy)
}

// Reset forgets key.
func (c *LocalCounter) Reset(key models.RateLimitKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len is the number of tracked keys.
func (c *LocalCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *LocalCounter) evict(now time.Time) {
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.limit {
		return
	}

	type aged struct {
		key     models.RateLimitKey
		touched time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, aged{key, e.touched})
	}
	slices.SortFunc(all, func(a, b aged) int { return a.touched.Compare(b.touched) })

	drop := max(1, len(all)-c.limit+1, c.limit/10)
	for _, a := range all[:min(drop, len(all))] {
		delete(c.entries, a.key)
	}
}

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultMaxKeys bounds the number of keys tracked in memory.
	DefaultMaxKeys = 10000
	// DefaultKeyTTL is how long an idle key is retained.
	DefaultKeyTTL = 15 * time.Minute
)

type windowEntry struct {
	mu   sync.Mutex
	hits []time.Time
}

// prune drops hits at or before cutoff. hits is ordered oldest first.
func (e *windowEntry) prune(cutoff time.Time) {
	i := 0
	for i < len(e.hits) && !e.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.hits = append(e.hits[:0], e.hits[i:]...)
	}
}

// MemoryCounter is a Counter backed by a bounded, expiring LRU of per-key
// timestamp lists. Each key is guarded by its own mutex.
type MemoryCounter struct {
	createMu sync.Mutex
	entries  *expirable.LRU[string, *windowEntry]
	now      func() time.Time
}

// NewMemoryCounter creates a counter holding at most maxKeys keys. ttl must
// be at least the largest window the counter is used with.
func NewMemoryCounter(maxKeys int, ttl time.Duration) *MemoryCounter {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return &MemoryCounter{
		entries: expirable.NewLRU[string, *windowEntry](maxKeys, nil, ttl),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *MemoryCounter) SetClock(now func() time.Time) {
	c.now = now
}

func (c *MemoryCounter) entry(key string) *windowEntry {
	if e, ok := c.entries.Get(key); ok {
		return e
	}
	c.createMu.Lock()
	defer c.createMu.Unlock()
	if e, ok := c.entries.Get(key); ok {
		return e
	}
	e := &windowEntry{}
	c.entries.Add(key, e)
	return e
}

// Check implements Counter.
func (c *MemoryCounter) Check(_ context.Context, key string, window time.Duration, limit int) (WindowResult, error) {
	now := c.now()
	e := c.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.prune(now.Add(-window))
	res := WindowResult{Limit: limit}
	if len(e.hits) >= limit {
		res.Remaining = 0
		if len(e.hits) > 0 {
			res.ResetAt = e.hits[0].Add(window)
			res.RetryAfter = res.ResetAt.Sub(now)
		} else {
			res.ResetAt = now.Add(window)
			res.RetryAfter = window
		}
		return res, nil
	}

	e.hits = append(e.hits, now)
	// Re-adding refreshes the key's TTL.
	c.entries.Add(key, e)

	res.Allowed = true
	res.Remaining = remaining(limit, len(e.hits))
	res.ResetAt = e.hits[0].Add(window)
	return res, nil
}

// Undo implements Counter.
func (c *MemoryCounter) Undo(_ context.Context, key string) error {
	e, ok := c.entries.Get(key)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.hits); n > 0 {
		e.hits = e.hits[:n-1]
	}
	return nil
}

// Reset forgets all hits recorded for key.
func (c *MemoryCounter) Reset(key string) {
	c.entries.Remove(key)
}

// Len returns the number of keys currently tracked.
func (c *MemoryCounter) Len() int {
	return c.entries.Len()
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounters is an in-process Counters implementation with per-key
// expiry. It mirrors the Redis semantics closely enough for tests and for
// single-process deployments without a Redis instance; it provides no
// cross-process coordination.
type MemoryCounters struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{entries: make(map[string]*memoryEntry)}
}

func (c *MemoryCounters) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok || now.After(ent.expiresAt) {
		ent = &memoryEntry{}
		c.entries[key] = ent
	}
	ent.count++
	ent.expiresAt = now.Add(ttl)
	return ent.count, nil
}

func (c *MemoryCounters) Count(_ context.Context, key string) (int64, error) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok || now.After(ent.expiresAt) {
		return 0, nil
	}
	return ent.count, nil
}

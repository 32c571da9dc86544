package geocoding

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache with a fixed TTL.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	place     Place
	expiresAt time.Time
}

// NewMemoryCache creates a cache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a copy of the cached place.
func (c *MemoryCache) Get(_ context.Context, key string) (*Place, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}

	place := e.place
	return &place, true, nil
}

// Put stores a copy of place.
func (c *MemoryCache) Put(_ context.Context, key string, place *Place) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{place: *place, expiresAt: c.now().Add(c.ttl)}
	return nil
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

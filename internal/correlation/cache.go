package correlation

import (
	"context"
	"sync"
)

// Cache is a keyed store with manual lifecycle: entries never expire on their
// own. Writes are last-write-wins.
type Cache interface {
	Save(ctx context.Context, entry Entry) error
	Get(ctx context.Context, key Key) (Entry, bool, error)
	Remove(ctx context.Context, key Key) error
}

// MemoryCache is the process-local Cache used when Redis is not configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[Key]Entry)}
}

func (c *MemoryCache) Save(_ context.Context, entry Entry) error {
	if !entry.Key.Valid() {
		return ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Key] = entry.Clone()
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key Key) (Entry, bool, error) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()
	if !exists {
		return Entry{}, false, nil
	}
	return entry.Clone(), true, nil
}

func (c *MemoryCache) Remove(_ context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

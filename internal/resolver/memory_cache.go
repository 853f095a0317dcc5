package resolver

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process TTL cache for owner resolutions. Expiry is
// lazy: an expired entry reads as absent and is dropped on access. When a
// size bound is set, inserts evict the oldest-expiring entries first.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	maxSize int
	now     func() time.Time
}

type memoryEntry struct {
	owner     Owner
	expiresAt time.Time
}

// NewMemoryCache constructs a memory cache. maxSize <= 0 means unbounded.
func NewMemoryCache(maxSize int) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, contentID string) (Owner, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[contentID]
	c.mu.RUnlock()
	if !ok {
		return Owner{}, false, nil
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		if current, still := c.entries[contentID]; still && c.now().After(current.expiresAt) {
			delete(c.entries, contentID)
		}
		c.mu.Unlock()
		return Owner{}, false, nil
	}
	return entry.owner, true, nil
}

func (c *MemoryCache) Set(_ context.Context, contentID string, owner Owner, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[contentID]; !exists {
			c.evictOldestLocked()
		}
	}
	c.entries[contentID] = memoryEntry{owner: owner, expiresAt: c.now().Add(ttl)}
	return nil
}

// Len reports the number of live entries, counting not-yet-collected
// expired ones.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) evictOldestLocked() {
	var oldestKey string
	var oldestExpiry time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldestExpiry) {
			oldestKey = key
			oldestExpiry = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

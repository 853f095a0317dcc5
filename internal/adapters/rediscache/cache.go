// Package rediscache backs the owner cache with Redis so resolution state
// is shared across replicas and survives process restarts.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatico/mapper/internal/resolver"
)

const defaultPrefix = "mapper:owner:"

// Cache stores owner mappings as JSON values under a key prefix, expiring
// via Redis TTLs.
type Cache struct {
	client redis.Cmdable
	prefix string
}

// New creates a Redis-backed owner cache. An empty prefix uses the default.
func New(client redis.Cmdable, prefix string) *Cache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Cache{client: client, prefix: prefix}
}

type cachedOwner struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Get returns the cached owner for a content id. A missing or expired key
// reads as absent, never as an error.
func (c *Cache) Get(ctx context.Context, contentID string) (resolver.Owner, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+contentID).Result()
	if errors.Is(err, redis.Nil) {
		return resolver.Owner{}, false, nil
	}
	if err != nil {
		return resolver.Owner{}, false, fmt.Errorf("failed to read owner cache: %w", err)
	}

	var cached cachedOwner
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		// Treat unreadable entries as a miss so resolution can repair them.
		return resolver.Owner{}, false, nil
	}
	return resolver.Owner{ID: cached.ID, Username: cached.Username}, true, nil
}

// Set caches the owner for a content id with the given TTL.
func (c *Cache) Set(ctx context.Context, contentID string, owner resolver.Owner, ttl time.Duration) error {
	raw, err := json.Marshal(cachedOwner{ID: owner.ID, Username: owner.Username})
	if err != nil {
		return fmt.Errorf("failed to encode owner: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+contentID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write owner cache: %w", err)
	}
	return nil
}

var _ resolver.Cache = (*Cache)(nil)

package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound indicates the content id is unknown upstream.
	ErrNotFound = errors.New("content owner not found")
	// ErrResolutionFailed indicates the origin lookup kept failing after retries.
	ErrResolutionFailed = errors.New("owner resolution failed")
)

// Source tags where a resolution came from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceStore  Source = "store"
	SourceOrigin Source = "origin"
)

// Owner is a resolved content owner.
type Owner struct {
	ID       string
	Username string
}

// Resolution is one content id to owner mapping.
type Resolution struct {
	ContentID  string
	Owner      Owner
	Source     Source
	ResolvedAt time.Time
}

// LookupService is the origin owner-lookup collaborator. Implementations
// return ErrNotFound for unknown ids and ErrResolutionFailed-compatible
// transient errors otherwise.
type LookupService interface {
	OwnerOf(ctx context.Context, contentID string) (Owner, error)
}

// Cache is the fast-path owner cache. An expired entry reads as absent.
type Cache interface {
	Get(ctx context.Context, contentID string) (Owner, bool, error)
	Set(ctx context.Context, contentID string, owner Owner, ttl time.Duration) error
}

// OwnerStore is the durable content-owner mapping, surviving restarts.
type OwnerStore interface {
	OwnerFor(ctx context.Context, contentID string) (Owner, bool, error)
	SaveOwner(ctx context.Context, contentID string, owner Owner) error
}

// Config tunes cache TTL and origin retry behavior.
type Config struct {
	TTL           time.Duration
	Retries       int
	RetryInitial  time.Duration
	LookupTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 200 * time.Millisecond
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 10 * time.Second
	}
	return c
}

// Resolver resolves content ids to owners through cache, store, and origin,
// de-duplicating concurrent lookups for the same content id.
type Resolver struct {
	cache  Cache
	store  OwnerStore
	origin LookupService
	cfg    Config
	log    *slog.Logger

	group singleflight.Group
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a resolver. Store may be nil when durable owner mappings
// are not wanted.
func New(cache Cache, store OwnerStore, origin LookupService, cfg Config, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		cache:  cache,
		store:  store,
		origin: origin,
		cfg:    cfg.withDefaults(),
		log:    log,
		sleep:  sleepContext,
	}
}

// Resolve returns the owner for a content id. Concurrent calls for the same
// id share a single in-flight lookup; failures are never cached.
func (r *Resolver) Resolve(ctx context.Context, contentID string) (Resolution, error) {
	if contentID == "" {
		return Resolution{}, fmt.Errorf("%w: empty content id", ErrNotFound)
	}

	if owner, ok := r.cached(ctx, contentID); ok {
		return Resolution{ContentID: contentID, Owner: owner, Source: SourceCache, ResolvedAt: time.Now()}, nil
	}

	value, err, _ := r.group.Do(contentID, func() (any, error) {
		// The flight outlives the first caller so waiters sharing the
		// result are not failed by that caller's cancellation.
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.LookupTimeout)
		defer cancel()
		return r.resolveMiss(flightCtx, contentID)
	})
	if err != nil {
		return Resolution{}, err
	}
	resolution := value.(Resolution)
	resolution.ResolvedAt = time.Now()
	return resolution, nil
}

func (r *Resolver) cached(ctx context.Context, contentID string) (Owner, bool) {
	if r.cache == nil {
		return Owner{}, false
	}
	owner, ok, err := r.cache.Get(ctx, contentID)
	if err != nil {
		r.log.Warn("owner cache read failed", "content_id", contentID, "error", err)
		return Owner{}, false
	}
	return owner, ok && owner.ID != ""
}

func (r *Resolver) resolveMiss(ctx context.Context, contentID string) (Resolution, error) {
	// Re-check under the flight: a concurrent winner may have filled it.
	if owner, ok := r.cached(ctx, contentID); ok {
		return Resolution{ContentID: contentID, Owner: owner, Source: SourceCache}, nil
	}

	if r.store != nil {
		owner, ok, err := r.store.OwnerFor(ctx, contentID)
		if err != nil {
			r.log.Warn("owner store read failed", "content_id", contentID, "error", err)
		} else if ok && owner.ID != "" {
			r.fillCache(ctx, contentID, owner)
			return Resolution{ContentID: contentID, Owner: owner, Source: SourceStore}, nil
		}
	}

	owner, err := r.lookupWithRetry(ctx, contentID)
	if err != nil {
		return Resolution{}, err
	}

	if r.store != nil {
		if err := r.store.SaveOwner(ctx, contentID, owner); err != nil {
			r.log.Warn("owner store write failed", "content_id", contentID, "error", err)
		}
	}
	r.fillCache(ctx, contentID, owner)

	return Resolution{ContentID: contentID, Owner: owner, Source: SourceOrigin}, nil
}

func (r *Resolver) lookupWithRetry(ctx context.Context, contentID string) (Owner, error) {
	delay := r.cfg.RetryInitial
	var lastErr error
	for attempt := 1; attempt <= r.cfg.Retries; attempt++ {
		owner, err := r.origin.OwnerOf(ctx, contentID)
		if err == nil {
			if owner.ID == "" {
				return Owner{}, fmt.Errorf("%w: origin returned empty owner for %s", ErrNotFound, contentID)
			}
			return owner, nil
		}
		if errors.Is(err, ErrNotFound) {
			return Owner{}, err
		}
		lastErr = err
		if attempt == r.cfg.Retries {
			break
		}
		r.log.Warn("origin owner lookup failed, retrying",
			"content_id", contentID, "attempt", attempt, "delay", delay, "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
		delay *= 2
	}
	return Owner{}, fmt.Errorf("%w after %d attempts: %v", ErrResolutionFailed, r.cfg.Retries, lastErr)
}

func (r *Resolver) fillCache(ctx context.Context, contentID string, owner Owner) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, contentID, owner, r.cfg.TTL); err != nil {
		r.log.Warn("owner cache write failed", "content_id", contentID, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

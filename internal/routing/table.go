package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotRouted indicates no active destination exists for an owner. It is a
// recorded terminal outcome, not a retryable error.
var ErrNotRouted = errors.New("no active destination")

// Mode selects how a destination receives forwarded events.
type Mode string

const (
	ModeHTTP  Mode = "http"
	ModeQueue Mode = "queue"
)

// Destination is one registered worker app, keyed by the owner it serves.
// Target is a URL in http mode and a queue name in queue mode.
type Destination struct {
	ID        int64
	OwnerID   string
	AppName   string
	Mode      Mode
	Target    string
	Active    bool
	UpdatedAt time.Time
}

// Registry is the destination store mutated by the admin CRUD surface.
// At most one active destination exists per owner id.
type Registry interface {
	ActiveByOwner(ctx context.Context, ownerID string) (Destination, bool, error)
	ListActive(ctx context.Context) ([]Destination, error)
}

// Table serves point-in-time destination lookups for the pipeline. Reads are
// a snapshot: a destination may be deactivated between lookup and delivery,
// which surfaces as a delivery-time failure.
type Table struct {
	registry Registry
	interval time.Duration
	log      *slog.Logger

	mu      sync.RWMutex
	byOwner map[string]Destination
}

// NewTable constructs a routing table refreshed from the registry every
// interval. Call Refresh once at startup to warm it.
func NewTable(registry Registry, interval time.Duration, log *slog.Logger) *Table {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		registry: registry,
		interval: interval,
		log:      log,
		byOwner:  make(map[string]Destination),
	}
}

// Lookup returns the active destination for an owner, or ErrNotRouted.
// Snapshot misses fall through to the registry so a freshly registered app
// routes before the next poll.
func (t *Table) Lookup(ctx context.Context, ownerID string) (Destination, error) {
	if ownerID == "" {
		return Destination{}, fmt.Errorf("%w: empty owner id", ErrNotRouted)
	}

	t.mu.RLock()
	dest, ok := t.byOwner[ownerID]
	t.mu.RUnlock()
	if ok && dest.Active {
		return dest, nil
	}

	dest, found, err := t.registry.ActiveByOwner(ctx, ownerID)
	if err != nil {
		return Destination{}, fmt.Errorf("registry lookup for owner %s: %w", ownerID, err)
	}
	if !found || !dest.Active {
		return Destination{}, fmt.Errorf("%w: owner %s", ErrNotRouted, ownerID)
	}

	t.mu.Lock()
	t.byOwner[ownerID] = dest
	t.mu.Unlock()
	return dest, nil
}

// Invalidate drops an owner's snapshot entry. The admin CRUD surface calls
// this on every write so changes are visible before the next poll.
func (t *Table) Invalidate(ownerID string) {
	if ownerID == "" {
		return
	}
	t.mu.Lock()
	delete(t.byOwner, ownerID)
	t.mu.Unlock()
}

// Refresh replaces the snapshot with the registry's current active set.
func (t *Table) Refresh(ctx context.Context) error {
	active, err := t.registry.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active destinations: %w", err)
	}
	next := make(map[string]Destination, len(active))
	for _, dest := range active {
		next[dest.OwnerID] = dest
	}
	t.mu.Lock()
	t.byOwner = next
	t.mu.Unlock()
	return nil
}

// Run polls the registry until the context is cancelled. Refresh failures
// are logged and the stale snapshot keeps serving.
func (t *Table) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				t.log.Warn("routing table refresh failed", "error", err)
			}
		}
	}
}

// Size reports the number of owners in the current snapshot.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byOwner)
}

package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRegistry struct {
	mu     sync.Mutex
	active map[string]Destination
	calls  int
	err    error
}

func (f *fakeRegistry) ActiveByOwner(_ context.Context, ownerID string) (Destination, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Destination{}, false, f.err
	}
	dest, ok := f.active[ownerID]
	return dest, ok, nil
}

func (f *fakeRegistry) ListActive(_ context.Context) ([]Destination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Destination, 0, len(f.active))
	for _, dest := range f.active {
		out = append(out, dest)
	}
	return out, nil
}

func TestLookupReadThrough(t *testing.T) {
	t.Parallel()

	registry := &fakeRegistry{active: map[string]Destination{
		"o1": {ID: 1, OwnerID: "o1", AppName: "worker", Mode: ModeHTTP, Target: "https://worker/ingest", Active: true},
	}}
	table := NewTable(registry, time.Minute, nil)

	dest, err := table.Lookup(context.Background(), "o1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if dest.Target != "https://worker/ingest" {
		t.Fatalf("unexpected destination: %+v", dest)
	}

	// Second lookup is served from the snapshot.
	if _, err := table.Lookup(context.Background(), "o1"); err != nil {
		t.Fatalf("snapshot lookup: %v", err)
	}
	registry.mu.Lock()
	calls := registry.calls
	registry.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected 1 registry call, got %d", calls)
	}
}

func TestLookupNotRouted(t *testing.T) {
	t.Parallel()

	table := NewTable(&fakeRegistry{active: map[string]Destination{}}, time.Minute, nil)
	if _, err := table.Lookup(context.Background(), "o2"); !errors.Is(err, ErrNotRouted) {
		t.Fatalf("expected ErrNotRouted, got %v", err)
	}
	if _, err := table.Lookup(context.Background(), ""); !errors.Is(err, ErrNotRouted) {
		t.Fatalf("expected ErrNotRouted for empty owner, got %v", err)
	}
}

func TestInvalidateDropsSnapshotEntry(t *testing.T) {
	t.Parallel()

	registry := &fakeRegistry{active: map[string]Destination{
		"o1": {ID: 1, OwnerID: "o1", Mode: ModeHTTP, Target: "https://a/ingest", Active: true},
	}}
	table := NewTable(registry, time.Minute, nil)

	if _, err := table.Lookup(context.Background(), "o1"); err != nil {
		t.Fatalf("lookup: %v", err)
	}

	// Deactivate via registry, then invalidate: next lookup must miss.
	registry.mu.Lock()
	delete(registry.active, "o1")
	registry.mu.Unlock()
	table.Invalidate("o1")

	if _, err := table.Lookup(context.Background(), "o1"); !errors.Is(err, ErrNotRouted) {
		t.Fatalf("expected ErrNotRouted after invalidation, got %v", err)
	}
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	t.Parallel()

	registry := &fakeRegistry{active: map[string]Destination{
		"o1": {ID: 1, OwnerID: "o1", Mode: ModeHTTP, Target: "https://a/ingest", Active: true},
		"o2": {ID: 2, OwnerID: "o2", Mode: ModeQueue, Target: "comments", Active: true},
	}}
	table := NewTable(registry, time.Minute, nil)

	if err := table.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if table.Size() != 2 {
		t.Fatalf("expected 2 snapshot entries, got %d", table.Size())
	}

	registry.mu.Lock()
	delete(registry.active, "o1")
	registry.mu.Unlock()

	if err := table.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if table.Size() != 1 {
		t.Fatalf("expected 1 snapshot entry after refresh, got %d", table.Size())
	}
}

func TestRefreshFailureKeepsServingStaleSnapshot(t *testing.T) {
	t.Parallel()

	registry := &fakeRegistry{active: map[string]Destination{
		"o1": {ID: 1, OwnerID: "o1", Mode: ModeHTTP, Target: "https://a/ingest", Active: true},
	}}
	table := NewTable(registry, time.Minute, nil)
	if err := table.Refresh(context.Background()); err != nil {
		t.Fatalf("warm refresh: %v", err)
	}

	registry.mu.Lock()
	registry.err = errors.New("db down")
	registry.mu.Unlock()

	if err := table.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if _, err := table.Lookup(context.Background(), "o1"); err != nil {
		t.Fatalf("stale snapshot should keep serving: %v", err)
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chatico/mapper/internal/audit"
	"github.com/chatico/mapper/internal/delivery"
	"github.com/chatico/mapper/internal/resolver"
	"github.com/chatico/mapper/internal/routing"
	"github.com/chatico/mapper/internal/signature"
)

const testSecret = "app-secret"

func commentBody(mediaID, commentID string) []byte {
	return fmt.Appendf(nil, `{
		"object": "instagram",
		"entry": [{
			"id": "%s",
			"time": 1756700000,
			"changes": [{
				"field": "comments",
				"value": {
					"id": "%s",
					"text": "nice post",
					"media": {"id": "%s"},
					"from": {"id": "u1", "username": "commenter"}
				}
			}]
		}]
	}`, mediaID, commentID, mediaID)
}

type fakeResolver struct {
	owners map[string]resolver.Owner
	err    error
}

func (f *fakeResolver) Resolve(_ context.Context, contentID string) (resolver.Resolution, error) {
	if f.err != nil {
		return resolver.Resolution{}, f.err
	}
	owner, ok := f.owners[contentID]
	if !ok {
		return resolver.Resolution{}, resolver.ErrNotFound
	}
	return resolver.Resolution{ContentID: contentID, Owner: owner, Source: resolver.SourceOrigin}, nil
}

type fakeTable struct {
	routes map[string]routing.Destination
}

func (f *fakeTable) Lookup(_ context.Context, ownerID string) (routing.Destination, error) {
	dest, ok := f.routes[ownerID]
	if !ok {
		return routing.Destination{}, routing.ErrNotRouted
	}
	return dest, nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	forwards []delivery.Forward
	dests    []routing.Destination
	result   delivery.Result
	err      error
}

func (f *fakeExecutor) Deliver(_ context.Context, fwd delivery.Forward, dest routing.Destination) (delivery.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, fwd)
	f.dests = append(f.dests, dest)
	return f.result, f.err
}

func (f *fakeExecutor) calls() []delivery.Forward {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery.Forward(nil), f.forwards...)
}

type recordingAudit struct {
	mu   sync.Mutex
	rows []audit.Attempt
}

func (r *recordingAudit) Record(_ context.Context, row audit.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, row)
	return nil
}

func (r *recordingAudit) PriorSuccess(context.Context, string, int64) (bool, error) {
	return false, nil
}

func (r *recordingAudit) Recent(context.Context, int) ([]audit.Attempt, error) { return nil, nil }

func (r *recordingAudit) CountsByOutcome(context.Context) (map[audit.Outcome]int64, error) {
	return nil, nil
}

func (r *recordingAudit) DestinationLatency(context.Context) ([]audit.DestinationLatency, error) {
	return nil, nil
}

func (r *recordingAudit) all() []audit.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Attempt(nil), r.rows...)
}

func newTestPipeline(res *fakeResolver, table *fakeTable, exec deliverer, auditLog *recordingAudit) *Pipeline {
	return New(Config{Secret: testSecret, Workers: 4}, res, table, exec, auditLog,
		slog.New(slog.DiscardHandler))
}

func drain(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSubmitDeliversRoutedEntry(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{owners: map[string]resolver.Owner{"m1": {ID: "o1", Username: "creator"}}}
	table := &fakeTable{routes: map[string]routing.Destination{
		"o1": {ID: 7, OwnerID: "o1", AppName: "worker", Mode: routing.ModeHTTP, Target: "https://worker/ingest", Active: true},
	}}
	exec := &fakeExecutor{result: delivery.Result{Outcome: audit.OutcomeSucceeded, Attempts: 1}}
	auditLog := &recordingAudit{}
	p := newTestPipeline(res, table, exec, auditLog)

	body := commentBody("m1", "e1")
	receipt, err := p.Submit(context.Background(), body, signature.Sign(body, testSecret))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.Accepted != 1 || receipt.Skipped != 0 {
		t.Fatalf("receipt = %+v, want 1 accepted", receipt)
	}
	if receipt.WebhookID == "" {
		t.Fatal("expected a webhook id")
	}
	drain(t, p)

	calls := exec.calls()
	if len(calls) != 1 {
		t.Fatalf("executor called %d times, want 1", len(calls))
	}
	fwd := calls[0]
	if fwd.IdempotencyKey != "e1" || fwd.ContentID != "m1" || fwd.OwnerID != "o1" {
		t.Fatalf("unexpected forward: %+v", fwd)
	}
	if string(fwd.Body) != string(body) {
		t.Fatal("forward body must be the raw inbound payload")
	}
	if len(auditLog.all()) != 0 {
		t.Fatalf("pipeline recorded %d rows; delivery auditing belongs to the executor", len(auditLog.all()))
	}
}

func TestSubmitRejectsBadSignature(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	p := newTestPipeline(&fakeResolver{}, &fakeTable{}, exec, &recordingAudit{})

	body := commentBody("m1", "e1")
	if _, err := p.Submit(context.Background(), body, signature.Sign(body, "wrong-secret")); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
	if _, err := p.Submit(context.Background(), body, ""); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("missing header: err = %v, want ErrAuthenticationFailed", err)
	}
	drain(t, p)
	if len(exec.calls()) != 0 {
		t.Fatal("rejected batches must not reach the executor")
	}
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&fakeResolver{}, &fakeTable{}, &fakeExecutor{}, &recordingAudit{})
	body := []byte(`{"object": "instagram", "entry":`)
	if _, err := p.Submit(context.Background(), body, signature.Sign(body, testSecret)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
	drain(t, p)
}

func TestUnknownContentRecordsNotFound(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	auditLog := &recordingAudit{}
	p := newTestPipeline(&fakeResolver{owners: map[string]resolver.Owner{}}, &fakeTable{}, exec, auditLog)

	body := commentBody("m-gone", "e9")
	if _, err := p.Submit(context.Background(), body, signature.Sign(body, testSecret)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drain(t, p)

	if len(exec.calls()) != 0 {
		t.Fatal("unresolvable entries must not be delivered")
	}
	rows := auditLog.all()
	if len(rows) != 1 {
		t.Fatalf("got %d audit rows, want 1", len(rows))
	}
	if rows[0].Outcome != audit.OutcomeNotFound || rows[0].IdempotencyKey != "e9" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestResolutionOutageRecordsResolutionFailed(t *testing.T) {
	t.Parallel()

	auditLog := &recordingAudit{}
	res := &fakeResolver{err: fmt.Errorf("%w: origin unreachable", resolver.ErrResolutionFailed)}
	p := newTestPipeline(res, &fakeTable{}, &fakeExecutor{}, auditLog)

	body := commentBody("m1", "e2")
	if _, err := p.Submit(context.Background(), body, signature.Sign(body, testSecret)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drain(t, p)

	rows := auditLog.all()
	if len(rows) != 1 || rows[0].Outcome != audit.OutcomeResolutionFailed {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestUnroutedOwnerRecordsUnrouted(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	auditLog := &recordingAudit{}
	res := &fakeResolver{owners: map[string]resolver.Owner{"m2": {ID: "o2"}}}
	p := newTestPipeline(res, &fakeTable{routes: map[string]routing.Destination{}}, exec, auditLog)

	body := commentBody("m2", "e3")
	if _, err := p.Submit(context.Background(), body, signature.Sign(body, testSecret)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drain(t, p)

	if len(exec.calls()) != 0 {
		t.Fatal("unrouted entries must not be delivered")
	}
	rows := auditLog.all()
	if len(rows) != 1 {
		t.Fatalf("got %d audit rows, want 1", len(rows))
	}
	if rows[0].Outcome != audit.OutcomeUnrouted || rows[0].OwnerID != "o2" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestBatchEntriesAreIsolated(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{owners: map[string]resolver.Owner{"m1": {ID: "o1"}}}
	table := &fakeTable{routes: map[string]routing.Destination{
		"o1": {ID: 1, OwnerID: "o1", AppName: "worker", Mode: routing.ModeHTTP, Target: "https://worker/ingest", Active: true},
	}}
	exec := &fakeExecutor{result: delivery.Result{Outcome: audit.OutcomeSucceeded, Attempts: 1}}
	auditLog := &recordingAudit{}
	p := newTestPipeline(res, table, exec, auditLog)

	body := []byte(`{
		"object": "instagram",
		"entry": [
			{"id": "m1", "time": 1, "changes": [
				{"field": "comments", "value": {"id": "c-ok", "media": {"id": "m1"}, "from": {"id": "u1"}}},
				{"field": "mentions", "value": {"id": "ignored"}}
			]},
			{"id": "m-gone", "time": 2, "changes": [
				{"field": "comments", "value": {"id": "c-lost", "media": {"id": "m-gone"}, "from": {"id": "u2"}}}
			]}
		]
	}`)
	receipt, err := p.Submit(context.Background(), body, signature.Sign(body, testSecret))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.Accepted != 2 || receipt.Skipped != 1 {
		t.Fatalf("receipt = %+v, want 2 accepted / 1 skipped", receipt)
	}
	drain(t, p)

	calls := exec.calls()
	if len(calls) != 1 || calls[0].IdempotencyKey != "c-ok" {
		t.Fatalf("unexpected executor calls: %+v", calls)
	}
	rows := auditLog.all()
	if len(rows) != 1 || rows[0].Outcome != audit.OutcomeNotFound || rows[0].IdempotencyKey != "c-lost" {
		t.Fatalf("unexpected audit rows: %+v", rows)
	}
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&fakeResolver{}, &fakeTable{}, &fakeExecutor{}, &recordingAudit{})
	drain(t, p)

	body := commentBody("m1", "e1")
	if _, err := p.Submit(context.Background(), body, signature.Sign(body, testSecret)); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("err = %v, want ErrShuttingDown", err)
	}
}

func TestShutdownWaitsForInflightEntries(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	res := &fakeResolver{owners: map[string]resolver.Owner{"m1": {ID: "o1"}}}
	table := &fakeTable{routes: map[string]routing.Destination{
		"o1": {ID: 1, OwnerID: "o1", Mode: routing.ModeHTTP, Target: "https://worker/ingest", Active: true},
	}}
	exec := &blockingExecutor{release: release}
	p := newTestPipeline(res, table, exec, &recordingAudit{})

	body := commentBody("m1", "e1")
	if _, err := p.Submit(context.Background(), body, signature.Sign(body, testSecret)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); err == nil {
		t.Fatal("Shutdown should time out while an entry is in flight")
	}

	close(release)
}

type blockingExecutor struct {
	release chan struct{}
}

func (b *blockingExecutor) Deliver(context.Context, delivery.Forward, routing.Destination) (delivery.Result, error) {
	<-b.release
	return delivery.Result{Outcome: audit.OutcomeSucceeded, Attempts: 1}, nil
}

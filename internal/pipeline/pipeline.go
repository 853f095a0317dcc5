package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatico/mapper/internal/audit"
	"github.com/chatico/mapper/internal/delivery"
	"github.com/chatico/mapper/internal/observability"
	"github.com/chatico/mapper/internal/resolver"
	"github.com/chatico/mapper/internal/routing"
	"github.com/chatico/mapper/internal/signature"
)

var (
	// ErrAuthenticationFailed indicates a missing or invalid signature.
	// Terminal: the batch is rejected before any entry processing.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrShuttingDown indicates the pipeline no longer accepts batches.
	ErrShuttingDown = errors.New("pipeline shutting down")
)

type ownerResolver interface {
	Resolve(ctx context.Context, contentID string) (resolver.Resolution, error)
}

type destinationLookup interface {
	Lookup(ctx context.Context, ownerID string) (routing.Destination, error)
}

type deliverer interface {
	Deliver(ctx context.Context, fwd delivery.Forward, dest routing.Destination) (delivery.Result, error)
}

// Config tunes pipeline concurrency and authentication.
type Config struct {
	// Secret is the platform app secret used for signature verification.
	Secret string
	// Workers bounds concurrent entry processing. Defaults to 32.
	Workers int
}

// Receipt acknowledges an accepted batch. Per-entry outcomes are
// asynchronous and visible only through the audit trail and metrics.
type Receipt struct {
	WebhookID string
	Accepted  int
	Skipped   int
}

// Pipeline orchestrates signature verification, owner resolution, routing,
// and delivery for inbound webhook batches. Entries are processed
// independently: one entry's failure never aborts its siblings.
type Pipeline struct {
	secret   string
	resolver ownerResolver
	table    destinationLookup
	executor deliverer
	auditLog audit.Store
	log      *slog.Logger
	metrics  pipelineMetrics

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// New constructs a pipeline with a bounded worker pool.
func New(
	cfg Config,
	ownerRes ownerResolver,
	table destinationLookup,
	executor deliverer,
	auditLog audit.Store,
	log *slog.Logger,
) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		secret:   cfg.Secret,
		resolver: ownerRes,
		table:    table,
		executor: executor,
		auditLog: auditLog,
		log:      log,
		metrics:  newPipelineMetrics(),
		sem:      make(chan struct{}, cfg.Workers),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit verifies and accepts one inbound batch. It returns as soon as the
// batch is scheduled; entry processing continues on the worker pool,
// detached from the caller's request context.
func (p *Pipeline) Submit(ctx context.Context, body []byte, signatureHeader string) (Receipt, error) {
	p.metrics.recordRequest(ctx)

	if !signature.Verify(body, signatureHeader, p.secret) {
		p.metrics.recordRejected(ctx, "invalid_signature")
		return Receipt{}, ErrAuthenticationFailed
	}

	events, skipped, err := ParseComments(body)
	if err != nil {
		p.metrics.recordRejected(ctx, "invalid_payload")
		return Receipt{}, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Receipt{}, ErrShuttingDown
	}
	p.wg.Add(len(events))
	p.mu.Unlock()

	webhookID := uuid.NewString()
	p.metrics.recordEntries(ctx, len(events), skipped)
	p.log.Info("webhook batch accepted",
		"webhook_id", webhookID, "entries", len(events), "skipped", skipped)

	for _, event := range events {
		go p.runEntry(webhookID, body, signatureHeader, event)
	}

	return Receipt{WebhookID: webhookID, Accepted: len(events), Skipped: skipped}, nil
}

// Shutdown stops accepting batches and waits for in-flight entries. On
// context expiry remaining work is abandoned; restarts rely on the
// idempotency check to suppress double-delivery.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("abandoning in-flight entries: %w", ctx.Err())
	}
}

func (p *Pipeline) runEntry(webhookID string, body []byte, signatureHeader string, event CommentEvent) {
	defer p.wg.Done()

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-p.ctx.Done():
		return
	}

	start := time.Now()
	outcome := p.processEntry(p.ctx, webhookID, body, signatureHeader, event)
	p.metrics.recordOutcome(p.ctx, string(outcome), float64(time.Since(start).Milliseconds()))
}

func (p *Pipeline) processEntry(ctx context.Context, webhookID string, body []byte, signatureHeader string, event CommentEvent) audit.Outcome {
	ctx = observability.WithEventIdentity(ctx, webhookID, "")

	resolution, err := p.resolver.Resolve(ctx, event.ContentID)
	if err != nil {
		outcome := audit.OutcomeResolutionFailed
		if errors.Is(err, resolver.ErrNotFound) {
			outcome = audit.OutcomeNotFound
		}
		p.log.Warn("owner resolution failed",
			"webhook_id", webhookID, "content_id", event.ContentID,
			"comment_id", event.CommentID, "outcome", outcome, "error", err)
		p.recordTerminal(ctx, webhookID, event, "", outcome, err)
		return outcome
	}

	ctx = observability.WithEventIdentity(ctx, webhookID, resolution.Owner.ID)
	dest, err := p.table.Lookup(ctx, resolution.Owner.ID)
	if err != nil {
		if !errors.Is(err, routing.ErrNotRouted) {
			p.log.Error("routing lookup failed",
				"webhook_id", webhookID, "owner_id", resolution.Owner.ID, "error", err)
		}
		p.recordTerminal(ctx, webhookID, event, resolution.Owner.ID, audit.OutcomeUnrouted, err)
		return audit.OutcomeUnrouted
	}

	fwd := delivery.Forward{
		WebhookID:      webhookID,
		IdempotencyKey: event.CommentID,
		OwnerID:        resolution.Owner.ID,
		ContentID:      event.ContentID,
		Body:           body,
		Signature:      signatureHeader,
	}
	result, err := p.executor.Deliver(ctx, fwd, dest)
	if err != nil {
		p.log.Error("delivery terminally failed",
			"webhook_id", webhookID, "comment_id", event.CommentID,
			"destination", dest.AppName, "attempts", result.Attempts, "error", err)
	} else {
		p.log.Info("entry delivered",
			"webhook_id", webhookID, "comment_id", event.CommentID,
			"destination", dest.AppName, "attempts", result.Attempts,
			"duplicate", result.Duplicate, "owner_source", resolution.Source)
	}
	return result.Outcome
}

// recordTerminal appends pre-delivery terminal outcomes (not-found,
// resolution-failed, unrouted). Audit failures are reported, never fatal.
func (p *Pipeline) recordTerminal(ctx context.Context, webhookID string, event CommentEvent, ownerID string, outcome audit.Outcome, cause error) {
	row := audit.Attempt{
		WebhookID:      webhookID,
		IdempotencyKey: event.CommentID,
		OwnerID:        ownerID,
		Attempt:        1,
		Outcome:        outcome,
	}
	if cause != nil {
		row.ErrorDetail = cause.Error()
	}
	if err := p.auditLog.Record(ctx, row); err != nil {
		p.log.Error("audit record failed",
			"webhook_id", webhookID, "comment_id", event.CommentID,
			"outcome", outcome, "error", err)
	}
}

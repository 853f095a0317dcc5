package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatico/mapper/internal/audit"
	"github.com/chatico/mapper/internal/routing"
)

// ErrRetriesExhausted marks a delivery that failed every bounded attempt
// and was moved to the dead-letter sink.
var ErrRetriesExhausted = errors.New("delivery retries exhausted")

// Result is the terminal outcome of one Deliver call.
type Result struct {
	Outcome  audit.Outcome
	Attempts int
	// Duplicate reports that a prior success short-circuited delivery.
	Duplicate bool
}

// Executor performs at-least-once forwarding with retry, backoff,
// idempotency suppression, and dead-lettering.
type Executor struct {
	transports  map[routing.Mode]Transport
	auditLog    audit.Store
	deadLetters DeadLetterStore
	policy      BackoffPolicy
	maxAttempts int
	log         *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewExecutor wires transports per delivery mode. maxAttempts <= 0 defaults
// to 5.
func NewExecutor(
	httpTransport Transport,
	queueTransport Transport,
	auditLog audit.Store,
	deadLetters DeadLetterStore,
	policy BackoffPolicy,
	maxAttempts int,
	log *slog.Logger,
) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if log == nil {
		log = slog.Default()
	}
	transports := make(map[routing.Mode]Transport, 2)
	if httpTransport != nil {
		transports[routing.ModeHTTP] = httpTransport
	}
	if queueTransport != nil {
		transports[routing.ModeQueue] = queueTransport
	}
	return &Executor{
		transports:  transports,
		auditLog:    auditLog,
		deadLetters: deadLetters,
		policy:      policy,
		maxAttempts: maxAttempts,
		log:         log,
		sleep:       sleepContext,
		now:         time.Now,
	}
}

// Deliver forwards one event to its destination. A prior success for the
// same (idempotency key, destination) suppresses the outbound call. Within
// one call, attempt N+1 never starts before attempt N's outcome is known.
func (e *Executor) Deliver(ctx context.Context, fwd Forward, dest routing.Destination) (Result, error) {
	prior, err := e.auditLog.PriorSuccess(ctx, fwd.IdempotencyKey, dest.ID)
	if err != nil {
		// At-least-once tolerates a redundant send; a broken audit read
		// must not block delivery.
		e.log.Warn("prior-success check failed, delivering anyway",
			"idempotency_key", fwd.IdempotencyKey, "destination", dest.AppName, "error", err)
	}
	if prior {
		e.log.Debug("duplicate delivery suppressed",
			"idempotency_key", fwd.IdempotencyKey, "destination", dest.AppName)
		return Result{Outcome: audit.OutcomeSucceeded, Duplicate: true}, nil
	}

	transport, ok := e.transports[dest.Mode]
	if !ok {
		err := fmt.Errorf("%w: no transport for mode %q", ErrBadDestination, dest.Mode)
		attempt := e.record(ctx, fwd, dest, 1, audit.OutcomeFatalFailed, err, 0)
		e.deadLetter(ctx, fwd, dest, err.Error(), []audit.Attempt{attempt})
		return Result{Outcome: audit.OutcomeFatalFailed, Attempts: 1}, err
	}

	history := make([]audit.Attempt, 0, e.maxAttempts)
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		start := e.now()
		sendErr := transport.Send(ctx, dest, fwd)
		latency := e.now().Sub(start).Milliseconds()

		if sendErr == nil {
			row := audit.Attempt{
				WebhookID:       fwd.WebhookID,
				IdempotencyKey:  fwd.IdempotencyKey,
				OwnerID:         fwd.OwnerID,
				DestinationID:   dest.ID,
				DestinationName: dest.AppName,
				Attempt:         attempt,
				Outcome:         audit.OutcomeSucceeded,
				LatencyMS:       latency,
			}
			if recordErr := e.auditLog.Record(ctx, row); recordErr != nil {
				if errors.Is(recordErr, audit.ErrDuplicateSuccess) {
					// A concurrent delivery won the success race.
					return Result{Outcome: audit.OutcomeSucceeded, Attempts: attempt, Duplicate: true}, nil
				}
				e.log.Error("audit record failed for successful delivery",
					"idempotency_key", fwd.IdempotencyKey, "error", recordErr)
			}
			return Result{Outcome: audit.OutcomeSucceeded, Attempts: attempt}, nil
		}

		if errors.Is(sendErr, ErrBadDestination) {
			row := e.record(ctx, fwd, dest, attempt, audit.OutcomeFatalFailed, sendErr, latency)
			history = append(history, row)
			e.deadLetter(ctx, fwd, dest, sendErr.Error(), history)
			return Result{Outcome: audit.OutcomeFatalFailed, Attempts: attempt}, sendErr
		}

		row := e.record(ctx, fwd, dest, attempt, audit.OutcomeRetryableFailed, sendErr, latency)
		history = append(history, row)

		if attempt == e.maxAttempts {
			reason := fmt.Sprintf("%v after %d attempts: %v", ErrRetriesExhausted, e.maxAttempts, sendErr)
			e.deadLetter(ctx, fwd, dest, reason, history)
			return Result{Outcome: audit.OutcomeFatalFailed, Attempts: attempt},
				fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, e.maxAttempts, sendErr)
		}

		delay := e.policy.NextDelay(attempt)
		e.log.Warn("delivery attempt failed, retrying",
			"idempotency_key", fwd.IdempotencyKey, "destination", dest.AppName,
			"attempt", attempt, "delay", delay, "error", sendErr)
		if err := e.sleep(ctx, delay); err != nil {
			// Shutdown: abandon without a success record; the idempotency
			// check suppresses a double-send on restart.
			return Result{Outcome: audit.OutcomeRetryableFailed, Attempts: attempt}, err
		}
	}

	// Unreachable: the loop always returns on the final attempt.
	return Result{Outcome: audit.OutcomeFatalFailed, Attempts: e.maxAttempts}, ErrRetriesExhausted
}

func (e *Executor) record(
	ctx context.Context,
	fwd Forward,
	dest routing.Destination,
	attempt int,
	outcome audit.Outcome,
	cause error,
	latencyMS int64,
) audit.Attempt {
	row := audit.Attempt{
		WebhookID:       fwd.WebhookID,
		IdempotencyKey:  fwd.IdempotencyKey,
		OwnerID:         fwd.OwnerID,
		DestinationID:   dest.ID,
		DestinationName: dest.AppName,
		Attempt:         attempt,
		Outcome:         outcome,
		LatencyMS:       latencyMS,
		CreatedAt:       e.now(),
	}
	if cause != nil {
		row.ErrorDetail = cause.Error()
	}
	if err := e.auditLog.Record(ctx, row); err != nil {
		e.log.Error("audit record failed",
			"idempotency_key", fwd.IdempotencyKey, "outcome", outcome, "error", err)
	}
	return row
}

func (e *Executor) deadLetter(ctx context.Context, fwd Forward, dest routing.Destination, reason string, history []audit.Attempt) {
	if e.deadLetters == nil {
		e.log.Error("dead-letter sink not configured, dropping record",
			"idempotency_key", fwd.IdempotencyKey, "reason", reason)
		return
	}
	letter := DeadLetter{
		WebhookID:       fwd.WebhookID,
		IdempotencyKey:  fwd.IdempotencyKey,
		OwnerID:         fwd.OwnerID,
		ContentID:       fwd.ContentID,
		DestinationID:   dest.ID,
		DestinationName: dest.AppName,
		Payload:         fwd.Body,
		Reason:          reason,
		Attempts:        history,
		CreatedAt:       e.now(),
	}
	if err := e.deadLetters.Add(ctx, letter); err != nil {
		e.log.Error("dead-letter write failed",
			"idempotency_key", fwd.IdempotencyKey, "reason", reason, "error", err)
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

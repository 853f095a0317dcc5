// Package audit defines the append-only delivery attempt trail. Rows are
// never mutated after creation; retries append new rows with incrementing
// attempt numbers.
package audit

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateSuccess indicates a success row already exists for the
// (idempotency key, destination) pair. Stores enforce at most one.
var ErrDuplicateSuccess = errors.New("success already recorded")

// Outcome is the terminal result of one processing attempt.
type Outcome string

const (
	OutcomeSucceeded        Outcome = "success"
	OutcomeRetryableFailed  Outcome = "retryable-failure"
	OutcomeFatalFailed      Outcome = "fatal-failure"
	OutcomeNotFound         Outcome = "not-found"
	OutcomeResolutionFailed Outcome = "resolution-failed"
	OutcomeUnrouted         Outcome = "unrouted"
)

// Attempt is one processing attempt record. DestinationID is zero for
// outcomes reached before routing (not-found, resolution-failed, unrouted).
type Attempt struct {
	ID              int64
	WebhookID       string
	IdempotencyKey  string
	OwnerID         string
	DestinationID   int64
	DestinationName string
	Attempt         int
	Outcome         Outcome
	ErrorDetail     string
	LatencyMS       int64
	CreatedAt       time.Time
}

// DestinationLatency aggregates delivery latency per destination for the
// operational dashboard surface.
type DestinationLatency struct {
	DestinationID   int64
	DestinationName string
	Attempts        int64
	AvgLatencyMS    float64
	MaxLatencyMS    int64
}

// Store is the durable audit trail. Record must not fail the pipeline: the
// caller reports errors and proceeds. Recording a second success for the
// same (idempotency key, destination) returns ErrDuplicateSuccess.
type Store interface {
	Record(ctx context.Context, attempt Attempt) error
	PriorSuccess(ctx context.Context, idempotencyKey string, destinationID int64) (bool, error)
	Recent(ctx context.Context, limit int) ([]Attempt, error)
	CountsByOutcome(ctx context.Context) (map[Outcome]int64, error)
	DestinationLatency(ctx context.Context) ([]DestinationLatency, error)
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/chatico/mapper/internal/audit"
	"github.com/chatico/mapper/internal/db"
)

// AuditStore persists delivery attempts in the append-only audit trail.
type AuditStore struct {
	db db.DBTX
}

// NewAuditStore creates a sqlite-backed audit store.
func NewAuditStore(querier db.DBTX) *AuditStore {
	return &AuditStore{db: querier}
}

const recordAttemptQuery = `-- name: RecordAttempt :exec
INSERT INTO delivery_attempts (
	webhook_id, idempotency_key, owner_id, destination_id, destination_name,
	attempt, outcome, error_detail, latency_ms, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Record appends one attempt row. A second success for the same
// (idempotency key, destination) pair violates the partial unique index
// and is reported as audit.ErrDuplicateSuccess.
func (s *AuditStore) Record(ctx context.Context, row audit.Attempt) error {
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, recordAttemptQuery,
		row.WebhookID, row.IdempotencyKey, row.OwnerID, row.DestinationID,
		row.DestinationName, row.Attempt, string(row.Outcome), row.ErrorDetail,
		row.LatencyMS, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: key %q destination %d",
				audit.ErrDuplicateSuccess, row.IdempotencyKey, row.DestinationID)
		}
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

const priorSuccessQuery = `-- name: PriorSuccess :one
SELECT COUNT(*) FROM delivery_attempts
WHERE idempotency_key = ? AND destination_id = ? AND outcome = 'success'`

// PriorSuccess reports whether the key has already been delivered to the
// destination.
func (s *AuditStore) PriorSuccess(ctx context.Context, idempotencyKey string, destinationID int64) (bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, priorSuccessQuery, idempotencyKey, destinationID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check prior success: %w", err)
	}
	return count > 0, nil
}

const recentAttemptsQuery = `-- name: RecentAttempts :many
SELECT id, webhook_id, idempotency_key, owner_id, destination_id,
	destination_name, attempt, outcome, error_detail, latency_ms, created_at
FROM delivery_attempts
ORDER BY id DESC
LIMIT ?`

// Recent returns the newest attempt rows, newest first.
func (s *AuditStore) Recent(ctx context.Context, limit int) ([]audit.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, recentAttemptsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var out []audit.Attempt
	for rows.Next() {
		row, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

const countsByOutcomeQuery = `-- name: CountsByOutcome :many
SELECT outcome, COUNT(*) FROM delivery_attempts GROUP BY outcome`

// CountsByOutcome aggregates the audit trail by terminal and intermediate
// outcome.
func (s *AuditStore) CountsByOutcome(ctx context.Context) (map[audit.Outcome]int64, error) {
	rows, err := s.db.QueryContext(ctx, countsByOutcomeQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[audit.Outcome]int64)
	for rows.Next() {
		var outcome string
		var count int64
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		counts[audit.Outcome(outcome)] = count
	}
	return counts, rows.Err()
}

const destinationLatencyQuery = `-- name: DestinationLatency :many
SELECT destination_id, destination_name, COUNT(*),
	AVG(latency_ms), MAX(latency_ms)
FROM delivery_attempts
WHERE destination_id != 0
GROUP BY destination_id, destination_name
ORDER BY AVG(latency_ms) DESC`

// DestinationLatency summarizes observed per-destination delivery latency.
func (s *AuditStore) DestinationLatency(ctx context.Context) ([]audit.DestinationLatency, error) {
	rows, err := s.db.QueryContext(ctx, destinationLatencyQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate destination latency: %w", err)
	}
	defer rows.Close()

	var out []audit.DestinationLatency
	for rows.Next() {
		var stat audit.DestinationLatency
		if err := rows.Scan(&stat.DestinationID, &stat.DestinationName,
			&stat.Attempts, &stat.AvgLatencyMS, &stat.MaxLatencyMS); err != nil {
			return nil, fmt.Errorf("failed to scan destination latency: %w", err)
		}
		out = append(out, stat)
	}
	return out, rows.Err()
}

func scanAttempt(rows *sql.Rows) (audit.Attempt, error) {
	var row audit.Attempt
	var outcome, createdAt string
	if err := rows.Scan(&row.ID, &row.WebhookID, &row.IdempotencyKey, &row.OwnerID,
		&row.DestinationID, &row.DestinationName, &row.Attempt, &outcome,
		&row.ErrorDetail, &row.LatencyMS, &createdAt); err != nil {
		return audit.Attempt{}, fmt.Errorf("failed to scan attempt: %w", err)
	}
	row.Outcome = audit.Outcome(outcome)
	row.CreatedAt = parseStoredTime(createdAt)
	return row, nil
}

func parseStoredTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

func isUniqueViolation(err error) bool {
	var serr *sqlitedriver.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		serr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func containsConstraint(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), column)
}

var _ audit.Store = (*AuditStore)(nil)

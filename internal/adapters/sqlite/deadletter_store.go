package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatico/mapper/internal/audit"
	"github.com/chatico/mapper/internal/db"
	"github.com/chatico/mapper/internal/delivery"
)

// ErrDeadLetterNotFound indicates the dead letter id does not exist.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetterStore persists exhausted and fatally failed deliveries together
// with their full attempt history for operator inspection.
type DeadLetterStore struct {
	db db.DBTX
}

// NewDeadLetterStore creates a sqlite-backed dead letter store.
func NewDeadLetterStore(querier db.DBTX) *DeadLetterStore {
	return &DeadLetterStore{db: querier}
}

const addDeadLetterQuery = `-- name: AddDeadLetter :exec
INSERT INTO dead_letters (
	webhook_id, idempotency_key, owner_id, content_id, destination_id,
	destination_name, payload, reason, attempts_json, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Add appends one dead letter.
func (s *DeadLetterStore) Add(ctx context.Context, letter delivery.DeadLetter) error {
	attempts, err := json.Marshal(letter.Attempts)
	if err != nil {
		return fmt.Errorf("failed to encode attempt history: %w", err)
	}
	createdAt := letter.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, addDeadLetterQuery,
		letter.WebhookID, letter.IdempotencyKey, letter.OwnerID, letter.ContentID,
		letter.DestinationID, letter.DestinationName, letter.Payload, letter.Reason,
		string(attempts), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

const listDeadLettersQuery = `-- name: ListDeadLetters :many
SELECT id, webhook_id, idempotency_key, owner_id, content_id, destination_id,
	destination_name, payload, reason, attempts_json, created_at
FROM dead_letters
ORDER BY id DESC
LIMIT ?`

// List returns the newest dead letters, newest first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]delivery.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, listDeadLettersQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []delivery.DeadLetter
	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, letter)
	}
	return out, rows.Err()
}

const getDeadLetterQuery = `-- name: GetDeadLetter :one
SELECT id, webhook_id, idempotency_key, owner_id, content_id, destination_id,
	destination_name, payload, reason, attempts_json, created_at
FROM dead_letters
WHERE id = ?`

// Get returns one dead letter by id.
func (s *DeadLetterStore) Get(ctx context.Context, id int64) (delivery.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, getDeadLetterQuery, id)
	letter, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.DeadLetter{}, fmt.Errorf("%w: id %d", ErrDeadLetterNotFound, id)
	}
	return letter, err
}

func scanDeadLetter(row rowScanner) (delivery.DeadLetter, error) {
	var letter delivery.DeadLetter
	var attemptsJSON, createdAt string
	if err := row.Scan(&letter.ID, &letter.WebhookID, &letter.IdempotencyKey,
		&letter.OwnerID, &letter.ContentID, &letter.DestinationID,
		&letter.DestinationName, &letter.Payload, &letter.Reason,
		&attemptsJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return delivery.DeadLetter{}, err
		}
		return delivery.DeadLetter{}, fmt.Errorf("failed to scan dead letter: %w", err)
	}
	if attemptsJSON != "" {
		var attempts []audit.Attempt
		if err := json.Unmarshal([]byte(attemptsJSON), &attempts); err != nil {
			return delivery.DeadLetter{}, fmt.Errorf("failed to decode attempt history: %w", err)
		}
		letter.Attempts = attempts
	}
	letter.CreatedAt = parseStoredTime(createdAt)
	return letter, nil
}

var _ delivery.DeadLetterStore = (*DeadLetterStore)(nil)

package delivery

import (
	"context"
	"time"

	"github.com/chatico/mapper/internal/audit"
)

// DeadLetter is an event whose delivery permanently failed, retained with
// its full attempt history for inspection and reprocessing.
type DeadLetter struct {
	ID              int64
	WebhookID       string
	IdempotencyKey  string
	OwnerID         string
	ContentID       string
	DestinationID   int64
	DestinationName string
	Payload         []byte
	Reason          string
	Attempts        []audit.Attempt
	CreatedAt       time.Time
}

// DeadLetterStore is the durable dead-letter sink.
type DeadLetterStore interface {
	Add(ctx context.Context, letter DeadLetter) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	Get(ctx context.Context, id int64) (DeadLetter, error)
}

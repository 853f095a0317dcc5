package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chatico/mapper/internal/adapters/sqlite"
	"github.com/chatico/mapper/internal/delivery"
)

// DeadLetterRoutes exposes permanently failed deliveries for inspection.
type DeadLetterRoutes struct {
	store delivery.DeadLetterStore
}

// NewDeadLetterRoutes constructs dead letter routes.
func NewDeadLetterRoutes(store delivery.DeadLetterStore) *DeadLetterRoutes {
	return &DeadLetterRoutes{store: store}
}

// RegisterRoutes registers dead letter endpoints.
func (d *DeadLetterRoutes) RegisterRoutes(s *echo.Echo) {
	api := s.Group("/api/v1/dead-letters")

	api.GET("", d.handleList)
	api.GET("/:id", d.handleGet)
}

type deadLetterResponse struct {
	ID              int64           `json:"id"`
	WebhookID       string          `json:"webhook_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	OwnerID         string          `json:"owner_id,omitempty"`
	ContentID       string          `json:"content_id,omitempty"`
	DestinationID   int64           `json:"destination_id,omitempty"`
	DestinationName string          `json:"destination_name,omitempty"`
	Reason          string          `json:"reason"`
	AttemptCount    int             `json:"attempt_count"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CreatedAt       string          `json:"created_at"`
}

func (d *DeadLetterRoutes) handleList(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	letters, err := d.store.List(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	out := make([]deadLetterResponse, 0, len(letters))
	for _, letter := range letters {
		out = append(out, toDeadLetterResponse(letter, false))
	}
	return c.JSON(http.StatusOK, out)
}

func (d *DeadLetterRoutes) handleGet(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid dead letter id"})
	}
	letter, err := d.store.Get(c.Request().Context(), id)
	if errors.Is(err, sqlite.ErrDeadLetterNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "dead letter not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	resp := toDeadLetterResponse(letter, true)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"dead_letter": resp,
		"attempts":    letter.Attempts,
	})
}

func toDeadLetterResponse(letter delivery.DeadLetter, includePayload bool) deadLetterResponse {
	resp := deadLetterResponse{
		ID:              letter.ID,
		WebhookID:       letter.WebhookID,
		IdempotencyKey:  letter.IdempotencyKey,
		OwnerID:         letter.OwnerID,
		ContentID:       letter.ContentID,
		DestinationID:   letter.DestinationID,
		DestinationName: letter.DestinationName,
		Reason:          letter.Reason,
		AttemptCount:    len(letter.Attempts),
		CreatedAt:       letter.CreatedAt.UTC().Format(time.RFC3339),
	}
	if includePayload && json.Valid(letter.Payload) {
		resp.Payload = json.RawMessage(letter.Payload)
	}
	return resp
}

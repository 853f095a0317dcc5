package routes

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chatico/mapper/internal/audit"
)

// AuditRoutes exposes the read-only delivery audit trail.
type AuditRoutes struct {
	store audit.Store
}

// NewAuditRoutes constructs audit trail routes.
func NewAuditRoutes(store audit.Store) *AuditRoutes {
	return &AuditRoutes{store: store}
}

// RegisterRoutes registers audit endpoints.
func (a *AuditRoutes) RegisterRoutes(s *echo.Echo) {
	api := s.Group("/api/v1/audit")

	api.GET("", a.handleRecent)
	api.GET("/stats", a.handleStats)
}

type auditAttemptResponse struct {
	ID              int64  `json:"id"`
	WebhookID       string `json:"webhook_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	OwnerID         string `json:"owner_id,omitempty"`
	DestinationID   int64  `json:"destination_id,omitempty"`
	DestinationName string `json:"destination_name,omitempty"`
	Attempt         int    `json:"attempt"`
	Outcome         string `json:"outcome"`
	ErrorDetail     string `json:"error_detail,omitempty"`
	LatencyMS       int64  `json:"latency_ms"`
	CreatedAt       string `json:"created_at"`
}

func (a *AuditRoutes) handleRecent(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	rows, err := a.store.Recent(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	out := make([]auditAttemptResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, auditAttemptResponse{
			ID:              row.ID,
			WebhookID:       row.WebhookID,
			IdempotencyKey:  row.IdempotencyKey,
			OwnerID:         row.OwnerID,
			DestinationID:   row.DestinationID,
			DestinationName: row.DestinationName,
			Attempt:         row.Attempt,
			Outcome:         string(row.Outcome),
			ErrorDetail:     row.ErrorDetail,
			LatencyMS:       row.LatencyMS,
			CreatedAt:       row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (a *AuditRoutes) handleStats(c echo.Context) error {
	ctx := c.Request().Context()
	counts, err := a.store.CountsByOutcome(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	latency, err := a.store.DestinationLatency(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	outcomes := make(map[string]int64, len(counts))
	for outcome, count := range counts {
		outcomes[string(outcome)] = count
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"outcomes":     outcomes,
		"destinations": latency,
	})
}

package routes

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chatico/mapper/internal/pipeline"
	"github.com/chatico/mapper/internal/signature"
)

// Inbound platform payloads are small; anything larger is hostile.
const maxWebhookBody = 1 << 20

// WebhookPipeline accepts verified webhook batches for processing.
type WebhookPipeline interface {
	Submit(ctx context.Context, body []byte, signatureHeader string) (pipeline.Receipt, error)
}

// WebhookRoutes registers the platform-facing webhook endpoints.
type WebhookRoutes struct {
	pipeline    WebhookPipeline
	verifyToken string
}

// NewWebhookRoutes constructs webhook routes.
func NewWebhookRoutes(p WebhookPipeline, verifyToken string) *WebhookRoutes {
	return &WebhookRoutes{pipeline: p, verifyToken: verifyToken}
}

// RegisterRoutes registers webhook endpoints.
func (w *WebhookRoutes) RegisterRoutes(s *echo.Echo) {
	s.GET("/webhook", w.handleVerification)
	s.POST("/webhook", w.handleDelivery)
}

// handleVerification answers the platform's subscription handshake by
// echoing hub.challenge when the verify token matches.
func (w *WebhookRoutes) handleVerification(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")

	if mode != "subscribe" || !signature.TokenMatches(token, w.verifyToken) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "verification failed"})
	}
	return c.String(http.StatusOK, challenge)
}

func (w *WebhookRoutes) handleDelivery(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}
	if len(body) > maxWebhookBody {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
	}

	header := c.Request().Header.Get(signature.HeaderSHA256)
	if header == "" {
		header = c.Request().Header.Get(signature.HeaderSHA1)
	}

	receipt, err := w.pipeline.Submit(c.Request().Context(), body, header)
	switch {
	case errors.Is(err, pipeline.ErrAuthenticationFailed):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
	case errors.Is(err, pipeline.ErrInvalidPayload):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
	case errors.Is(err, pipeline.ErrShuttingDown):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"webhook_id": receipt.WebhookID,
		"accepted":   receipt.Accepted,
		"skipped":    receipt.Skipped,
	})
}

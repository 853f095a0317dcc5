package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/chatico/mapper/internal/pipeline"
	"github.com/chatico/mapper/internal/signature"
)

type fakePipeline struct {
	receipt   pipeline.Receipt
	err       error
	lastBody  []byte
	lastSig   string
	submitted int
}

func (f *fakePipeline) Submit(_ context.Context, body []byte, sig string) (pipeline.Receipt, error) {
	f.submitted++
	f.lastBody = body
	f.lastSig = sig
	if f.err != nil {
		return pipeline.Receipt{}, f.err
	}
	return f.receipt, nil
}

func newWebhookEcho(p WebhookPipeline, verifyToken string) *echo.Echo {
	e := echo.New()
	NewWebhookRoutes(p, verifyToken).RegisterRoutes(e)
	return e
}

func TestVerificationEchoesChallenge(t *testing.T) {
	t.Parallel()

	e := newWebhookEcho(&fakePipeline{}, "verify-me")

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "12345" {
		t.Fatalf("body = %q, want challenge echoed", rec.Body.String())
	}
}

func TestVerificationRejectsBadToken(t *testing.T) {
	t.Parallel()

	e := newWebhookEcho(&fakePipeline{}, "verify-me")

	for _, target := range []string{
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1",
		"/webhook?hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=1",
		"/webhook",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: status = %d, want 403", target, rec.Code)
		}
	}
}

func TestDeliveryAcceptsSignedBatch(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{receipt: pipeline.Receipt{WebhookID: "w1", Accepted: 2, Skipped: 1}}
	e := newWebhookEcho(p, "verify-me")

	body := `{"object":"instagram","entry":[]}`
	sig := signature.Sign([]byte(body), "secret")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(signature.HeaderSHA256, sig)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if p.submitted != 1 || string(p.lastBody) != body || p.lastSig != sig {
		t.Fatalf("pipeline received body=%q sig=%q", p.lastBody, p.lastSig)
	}
	if !strings.Contains(rec.Body.String(), `"webhook_id":"w1"`) {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
}

func TestDeliveryFallsBackToLegacySignatureHeader(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{}
	e := newWebhookEcho(p, "verify-me")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
	req.Header.Set(signature.HeaderSHA1, "sha1=abc")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if p.lastSig != "sha1=abc" {
		t.Fatalf("legacy header not forwarded: %q", p.lastSig)
	}
}

func TestDeliveryErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"bad signature", pipeline.ErrAuthenticationFailed, http.StatusUnauthorized},
		{"bad payload", pipeline.ErrInvalidPayload, http.StatusBadRequest},
		{"shutting down", pipeline.ErrShuttingDown, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := newWebhookEcho(&fakePipeline{err: tc.err}, "verify-me")
			req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestDeliveryRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{}
	e := newWebhookEcho(p, "verify-me")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(strings.Repeat("x", maxWebhookBody+2)))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if p.submitted != 0 {
		t.Fatal("oversized body must not reach the pipeline")
	}
}

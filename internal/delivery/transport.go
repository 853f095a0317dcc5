package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatico/mapper/internal/routing"
	"github.com/chatico/mapper/internal/signature"
)

// ErrBadDestination marks a destination whose configuration can never
// succeed. It is fatal: the executor dead-letters without retrying.
var ErrBadDestination = errors.New("bad destination")

// ForwardedFromHeader identifies this service on replayed webhooks.
const ForwardedFromHeader = "chatico-mapper"

// Forward is one event handed to a transport: the original raw payload and
// signature, replayed verbatim to the destination.
type Forward struct {
	WebhookID      string
	IdempotencyKey string
	OwnerID        string
	ContentID      string
	Body           []byte
	Signature      string
}

// Transport sends a forwarded event to a destination. Errors wrapping
// ErrBadDestination are fatal; everything else is retryable.
type Transport interface {
	Send(ctx context.Context, dest routing.Destination, fwd Forward) error
}

// HTTPTransport forwards events by POSTing the original payload to the
// destination URL.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport constructs an HTTP forwarder. Every outbound call is
// bounded: a nil client gets a default one, and a client without its own
// timeout inherits the configured one.
func NewHTTPTransport(client *http.Client, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if client.Timeout == 0 {
		client.Timeout = timeout
	}
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Send(ctx context.Context, dest routing.Destination, fwd Forward) error {
	target, err := url.Parse(strings.TrimSpace(dest.Target))
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return fmt.Errorf("%w: invalid url %q", ErrBadDestination, dest.Target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(fwd.Body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrBadDestination, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", fwd.WebhookID)
	req.Header.Set("X-Idempotency-Key", fwd.IdempotencyKey)
	req.Header.Set("X-Forwarded-From", ForwardedFromHeader)
	if fwd.Signature != "" {
		header := signature.HeaderSHA256
		if strings.HasPrefix(fwd.Signature, "sha1=") {
			header = signature.HeaderSHA1
		}
		req.Header.Set(header, fwd.Signature)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward to %s: %w", dest.AppName, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("destination %s returned status %d", dest.AppName, resp.StatusCode)
	}
	return nil
}

// QueueTransport forwards events by appending them to the destination's
// named Redis stream. The returned message id is the publish confirmation;
// consumers acknowledge via consumer groups on their side.
type QueueTransport struct {
	client redis.Cmdable
	maxLen int64
}

// NewQueueTransport constructs a stream publisher. maxLen <= 0 leaves
// streams untrimmed.
func NewQueueTransport(client redis.Cmdable, maxLen int64) *QueueTransport {
	return &QueueTransport{client: client, maxLen: maxLen}
}

func (t *QueueTransport) Send(ctx context.Context, dest routing.Destination, fwd Forward) error {
	stream := strings.TrimSpace(dest.Target)
	if stream == "" {
		return fmt.Errorf("%w: empty queue name", ErrBadDestination)
	}
	if t.client == nil {
		return fmt.Errorf("%w: queue transport not configured", ErrBadDestination)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"payload":         string(fwd.Body),
			"signature":       fwd.Signature,
			"webhook_id":      fwd.WebhookID,
			"idempotency_key": fwd.IdempotencyKey,
			"owner_id":        fwd.OwnerID,
			"content_id":      fwd.ContentID,
		},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}

	if _, err := t.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish to stream %s: %w", stream, err)
	}
	return nil
}

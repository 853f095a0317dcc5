package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrMediaNotFound indicates the platform does not know the media id.
	ErrMediaNotFound = errors.New("media not found")
	// ErrUnavailable indicates a transient platform failure worth retrying.
	ErrUnavailable = errors.New("platform unavailable")
)

// Owner is the account that owns a media item.
type Owner struct {
	ID       string
	Username string
}

// Client calls the platform Graph API for media ownership lookups.
type Client struct {
	baseURL     string
	accessToken string
	http        *http.Client
}

// NewClient constructs a Graph API client. The base URL is version-pinned,
// e.g. "https://graph.instagram.com/v23.0".
func NewClient(baseURL, accessToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		accessToken: strings.TrimSpace(accessToken),
		http:        &http.Client{Timeout: timeout},
	}
}

type mediaResponse struct {
	ID       string          `json:"id"`
	Username string          `json:"username"`
	Owner    json.RawMessage `json:"owner"`
	Error    *apiError       `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// OwnerOf fetches the owning account for a media id. Only the owner and
// username fields are requested to keep the routing path fast.
func (c *Client) OwnerOf(ctx context.Context, mediaID string) (Owner, error) {
	mediaID = strings.TrimSpace(mediaID)
	if mediaID == "" {
		return Owner{}, fmt.Errorf("media id is required")
	}

	query := url.Values{}
	query.Set("access_token", c.accessToken)
	query.Set("fields", "owner,username")
	requestURL := fmt.Sprintf("%s/%s?%s", c.baseURL, url.PathEscape(mediaID), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return Owner{}, fmt.Errorf("build media request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Owner{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Owner{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	var payload mediaResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return Owner{}, fmt.Errorf("%w: status=%d", ErrUnavailable, resp.StatusCode)
		}
		return Owner{}, fmt.Errorf("parse media response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		owner, err := decodeOwner(payload.Owner)
		if err != nil || owner == "" {
			return Owner{}, fmt.Errorf("%w: no owner in response for media %s", ErrMediaNotFound, mediaID)
		}
		return Owner{ID: owner, Username: payload.Username}, nil
	case resp.StatusCode == http.StatusNotFound:
		return Owner{}, fmt.Errorf("%w: media %s", ErrMediaNotFound, mediaID)
	case resp.StatusCode == http.StatusBadRequest && payload.Error != nil && payload.Error.Code == 100:
		// Graph API reports unknown object ids as code 100 on a 400.
		return Owner{}, fmt.Errorf("%w: media %s: %s", ErrMediaNotFound, mediaID, payload.Error.Message)
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return Owner{}, fmt.Errorf("%w: status=%d", ErrUnavailable, resp.StatusCode)
	default:
		message := "unknown error"
		if payload.Error != nil {
			message = payload.Error.Message
		}
		return Owner{}, fmt.Errorf("media lookup rejected: status=%d error=%s", resp.StatusCode, message)
	}
}

// decodeOwner tolerates both {"owner":{"id":"..."}} and {"owner":"..."} shapes.
func decodeOwner(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &object); err == nil && object.ID != "" {
		return object.ID, nil
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err != nil {
		return "", err
	}
	return plain, nil
}

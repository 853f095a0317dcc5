package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload indicates a body that is not a parsable comment webhook.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// CommentEvent is one content-change entry extracted from the inbound
// envelope. The platform's comment id doubles as the idempotency key.
type CommentEvent struct {
	ContentID     string
	CommentID     string
	CommenterID   string
	CommenterName string
	Text          string
	ParentID      string
	Timestamp     int64
}

type webhookEnvelope struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Time    int64           `json:"time"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	ParentID string `json:"parent_id"`
	Media    struct {
		ID string `json:"id"`
	} `json:"media"`
	From struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
}

// ParseComments extracts comment entries from a raw webhook body. Changes
// for other fields and entries missing required ids are skipped, not
// treated as errors; the skipped count is reported for the audit trail.
func ParseComments(body []byte) (events []CommentEvent, skipped int, err error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(envelope.Entry) == 0 {
		return nil, 0, nil
	}

	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			if !strings.EqualFold(strings.TrimSpace(change.Field), "comments") {
				skipped++
				continue
			}
			value := change.Value
			if value.ID == "" || value.Media.ID == "" || value.From.ID == "" {
				skipped++
				continue
			}
			events = append(events, CommentEvent{
				ContentID:     value.Media.ID,
				CommentID:     value.ID,
				CommenterID:   value.From.ID,
				CommenterName: value.From.Username,
				Text:          value.Text,
				ParentID:      value.ParentID,
				Timestamp:     entry.Time,
			})
		}
	}
	return events, skipped, nil
}

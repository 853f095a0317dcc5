package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chatico/mapper/internal/db"
	"github.com/chatico/mapper/internal/resolver"
)

// OwnerStore is the durable content-to-owner mapping. It survives restarts
// and serves resolution misses before the origin is consulted.
type OwnerStore struct {
	db db.DBTX
}

// NewOwnerStore creates a sqlite-backed owner store.
func NewOwnerStore(querier db.DBTX) *OwnerStore {
	return &OwnerStore{db: querier}
}

const ownerForQuery = `-- name: OwnerForContent :one
SELECT owner_id, username FROM content_owners WHERE content_id = ?`

// OwnerFor returns the persisted owner of a content id, if known.
func (s *OwnerStore) OwnerFor(ctx context.Context, contentID string) (resolver.Owner, bool, error) {
	var owner resolver.Owner
	err := s.db.QueryRowContext(ctx, ownerForQuery, contentID).Scan(&owner.ID, &owner.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return resolver.Owner{}, false, nil
	}
	if err != nil {
		return resolver.Owner{}, false, fmt.Errorf("failed to read content owner: %w", err)
	}
	return owner, true, nil
}

const saveOwnerQuery = `-- name: SaveContentOwner :exec
INSERT INTO content_owners (content_id, owner_id, username, resolved_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (content_id) DO UPDATE SET
	owner_id = excluded.owner_id,
	username = excluded.username,
	resolved_at = excluded.resolved_at`

// SaveOwner upserts the owner mapping for a content id.
func (s *OwnerStore) SaveOwner(ctx context.Context, contentID string, owner resolver.Owner) error {
	_, err := s.db.ExecContext(ctx, saveOwnerQuery,
		contentID, owner.ID, owner.Username, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save content owner: %w", err)
	}
	return nil
}

var _ resolver.OwnerStore = (*OwnerStore)(nil)

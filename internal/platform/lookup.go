package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatico/mapper/internal/resolver"
)

// OwnerLookup adapts the Graph client to the resolver's origin contract.
type OwnerLookup struct {
	client *Client
}

// NewOwnerLookup wraps a Graph client for use as a resolution origin.
func NewOwnerLookup(client *Client) *OwnerLookup {
	return &OwnerLookup{client: client}
}

// OwnerOf looks up the content owner at the origin, translating unknown
// ids into resolver.ErrNotFound.
func (l *OwnerLookup) OwnerOf(ctx context.Context, contentID string) (resolver.Owner, error) {
	owner, err := l.client.OwnerOf(ctx, contentID)
	if errors.Is(err, ErrMediaNotFound) {
		return resolver.Owner{}, fmt.Errorf("%w: content %q", resolver.ErrNotFound, contentID)
	}
	if err != nil {
		return resolver.Owner{}, err
	}
	return resolver.Owner{ID: owner.ID, Username: owner.Username}, nil
}

var _ resolver.LookupService = (*OwnerLookup)(nil)

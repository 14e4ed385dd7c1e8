package identity

import "context"

// Store resolves external user IDs to identities.
type Store interface {
	// Get returns the identity for an external user ID.
	// Returns ErrNotFound if no identity is registered.
	Get(ctx context.Context, externalUserID string) (*Identity, error)

	// Put creates or replaces an identity record.
	Put(ctx context.Context, id *Identity) error
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/datagate-labs/datagate/internal/domain/identity"
)

// IdentityStore resolves external user IDs against the users table.
type IdentityStore struct {
	db *DB
}

func NewIdentityStore(db *DB) *IdentityStore {
	return &IdentityStore{db: db}
}

// Get returns the identity for an external user ID.
func (s *IdentityStore) Get(ctx context.Context, externalUserID string) (*identity.Identity, error) {
	row := s.db.QueryRowContext(ctx, s.db.rebind(
		`SELECT external_user_id, display_name, role, region FROM users WHERE external_user_id = ?`),
		externalUserID)

	var id identity.Identity
	var role, region string
	if err := row.Scan(&id.ExternalUserID, &id.DisplayName, &role, &region); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	id.Role = identity.Role(role)
	id.Region = identity.Region(region)
	return &id, nil
}

// Put creates or replaces an identity record.
func (s *IdentityStore) Put(ctx context.Context, id *identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	var query string
	if s.db.driver == "pgx" {
		query = `INSERT INTO users (external_user_id, display_name, role, region)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (external_user_id)
			DO UPDATE SET display_name = EXCLUDED.display_name, role = EXCLUDED.role, region = EXCLUDED.region`
	} else {
		query = `INSERT OR REPLACE INTO users (external_user_id, display_name, role, region)
			VALUES (?, ?, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, s.db.rebind(query),
		id.ExternalUserID, id.DisplayName, string(id.Role), string(id.Region)); err != nil {
		return fmt.Errorf("put identity: %w", err)
	}
	return nil
}

// Compile-time interface verification.
var _ identity.Store = (*IdentityStore)(nil)

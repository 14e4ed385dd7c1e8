package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"

	"github.com/datagate-labs/datagate/internal/domain/identity"
	"github.com/datagate-labs/datagate/internal/domain/tool"
)

// ErrAPIKeyNotFound is returned when no active key matches.
var ErrAPIKeyNotFound = errors.New("api key not found")

// APIKeyEntry binds a hashed gateway key to a caller identity. Only
// the Argon2id hash is ever stored; the cleartext is shown once at
// generation.
type APIKeyEntry struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	KeyHash        string `json:"key_hash"`
	ExternalUserID string `json:"external_user_id"`
	Revoked        bool   `json:"revoked"`
}

// IdentityService resolves external user IDs to server-side identities
// and verifies optional gateway API keys. Role and region always come
// from the store, never from the request envelope.
type IdentityService struct {
	store  identity.Store
	logger *slog.Logger

	mu      sync.RWMutex
	apiKeys []APIKeyEntry
}

func NewIdentityService(store identity.Store, logger *slog.Logger) *IdentityService {
	return &IdentityService{store: store, logger: logger}
}

// Resolve returns the identity for an external user ID. An unknown ID
// is an identity.unknown error: unaudited, since there is no principal
// to attribute the entry to.
func (s *IdentityService) Resolve(ctx context.Context, externalUserID string) (*identity.Identity, error) {
	id, err := s.store.Get(ctx, externalUserID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, tool.NewError(tool.CodeIdentityUnknown, "no identity registered for "+externalUserID)
		}
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	return id, nil
}

// Register creates or replaces an identity record.
func (s *IdentityService) Register(ctx context.Context, id *identity.Identity) error {
	if err := s.store.Put(ctx, id); err != nil {
		return err
	}
	s.logger.Info("identity registered",
		"external_user_id", id.ExternalUserID,
		"role", id.Role,
		"region", id.Region,
	)
	return nil
}

// LoadAPIKeys replaces the in-memory key set, typically from config at
// startup.
func (s *IdentityService) LoadAPIKeys(keys []APIKeyEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys = make([]APIKeyEntry, len(keys))
	copy(s.apiKeys, keys)
}

// GenerateKey mints a gateway key for an existing identity and returns
// the cleartext exactly once.
func (s *IdentityService) GenerateKey(ctx context.Context, externalUserID, name string) (*APIKeyEntry, string, error) {
	if _, err := s.store.Get(ctx, externalUserID); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	cleartext := "dg_" + hex.EncodeToString(raw)

	hash, err := argon2id.CreateHash(cleartext, argon2id.DefaultParams)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	entry := APIKeyEntry{
		ID:             uuid.NewString(),
		Name:           name,
		KeyHash:        hash,
		ExternalUserID: externalUserID,
	}

	s.mu.Lock()
	s.apiKeys = append(s.apiKeys, entry)
	s.mu.Unlock()

	s.logger.Info("api key generated", "key_id", entry.ID, "external_user_id", externalUserID)
	return &entry, cleartext, nil
}

// RevokeKey marks a key revoked. It stays in the list so the ID
// remains unique.
func (s *IdentityService) RevokeKey(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.apiKeys {
		if s.apiKeys[i].ID == keyID {
			s.apiKeys[i].Revoked = true
			s.logger.Info("api key revoked", "key_id", keyID)
			return nil
		}
	}
	return ErrAPIKeyNotFound
}

// VerifyKey matches a cleartext key against the active set and returns
// the bound external user ID.
func (s *IdentityService) VerifyKey(cleartext string) (string, error) {
	s.mu.RLock()
	keys := make([]APIKeyEntry, len(s.apiKeys))
	copy(keys, s.apiKeys)
	s.mu.RUnlock()

	for i := range keys {
		if keys[i].Revoked {
			continue
		}
		match, err := argon2id.ComparePasswordAndHash(cleartext, keys[i].KeyHash)
		if err != nil {
			s.logger.Warn("api key comparison failed", "key_id", keys[i].ID, "error", err)
			continue
		}
		if match {
			return keys[i].ExternalUserID, nil
		}
	}
	return "", ErrAPIKeyNotFound
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/optexec/internal/domain/credstore"
	"github.com/coachpo/optexec/internal/domain/schema"
)

// CredentialStore persists brokerage credentials per user.
type CredentialStore struct {
	pool *pgxpool.Pool
}

var _ credstore.Store = (*CredentialStore)(nil)

// NewCredentialStore constructs a CredentialStore backed by the provided pgx pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

const (
	credentialSelectSQL = `SELECT client_id, access_token FROM user_credentials WHERE user_id = $1;`
	credentialUpsertSQL = `
INSERT INTO user_credentials (user_id, client_id, access_token, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (user_id) DO UPDATE SET
    client_id = EXCLUDED.client_id,
    access_token = EXCLUDED.access_token,
    updated_at = NOW();
`
)

// Get returns the user's stored credentials.
func (s *CredentialStore) Get(ctx context.Context, userID string) (schema.Credentials, bool, error) {
	if s.pool == nil {
		return schema.Credentials{}, false, fmt.Errorf("credential store: nil pool")
	}
	var creds schema.Credentials
	err := s.pool.QueryRow(ctx, credentialSelectSQL, strings.TrimSpace(userID)).Scan(&creds.ClientID, &creds.AccessToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.Credentials{}, false, nil
	}
	if err != nil {
		return schema.Credentials{}, false, fmt.Errorf("select credentials: %w", err)
	}
	return creds, true, nil
}

// Put replaces the user's stored credentials.
func (s *CredentialStore) Put(ctx context.Context, userID string, creds schema.Credentials) error {
	if s.pool == nil {
		return fmt.Errorf("credential store: nil pool")
	}
	user := strings.TrimSpace(userID)
	if user == "" {
		return fmt.Errorf("credential store: user id required")
	}
	if !creds.Complete() {
		return fmt.Errorf("credential store: client id and access token required")
	}
	if _, err := s.pool.Exec(ctx, credentialUpsertSQL, user, strings.TrimSpace(creds.ClientID), strings.TrimSpace(creds.AccessToken)); err != nil {
		return fmt.Errorf("upsert credentials: %w", err)
	}
	return nil
}

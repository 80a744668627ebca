// Package credstore defines persistence contracts for per-user brokerage credentials.
package credstore

import (
	"context"

	"github.com/coachpo/optexec/internal/domain/schema"
)

// Store resolves and records brokerage credentials keyed by user id.
type Store interface {
	// Get returns the credentials and whether the user has any on file.
	Get(ctx context.Context, userID string) (schema.Credentials, bool, error)
	Put(ctx context.Context, userID string, creds schema.Credentials) error
}

package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/optexec/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories sharing one pool.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// Ledger returns the paper ledger and summary repository.
func (s *Store) Ledger() *LedgerStore {
	return NewLedgerStore(s.Pool())
}

// Credentials returns the brokerage credential repository.
func (s *Store) Credentials() *CredentialStore {
	return NewCredentialStore(s.Pool())
}

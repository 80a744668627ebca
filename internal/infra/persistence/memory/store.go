// Package memory provides process-local persistence used when no database is configured.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/optexec/internal/domain/credstore"
	"github.com/coachpo/optexec/internal/domain/ledgerstore"
	"github.com/coachpo/optexec/internal/domain/schema"
)

// Store keeps ledger records, summaries and credentials in memory.
type Store struct {
	mu          sync.RWMutex
	ledgers     map[string]ledgerstore.Record
	summaries   map[string][]ledgerstore.DailySummary
	credentials map[string]schema.Credentials
}

var (
	_ ledgerstore.Store = (*Store)(nil)
	_ credstore.Store   = (*Store)(nil)
)

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		ledgers:     make(map[string]ledgerstore.Record),
		summaries:   make(map[string][]ledgerstore.DailySummary),
		credentials: make(map[string]schema.Credentials),
	}
}

// Load returns a copy of the stored ledger record.
func (s *Store) Load(_ context.Context, userID string) (ledgerstore.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.ledgers[userID]
	if !ok {
		return ledgerstore.Record{}, false, nil
	}
	return cloneRecord(record), true, nil
}

// Save replaces the user's ledger record.
func (s *Store) Save(_ context.Context, userID string, record ledgerstore.Record) error {
	s.mu.Lock()
	s.ledgers[userID] = cloneRecord(record)
	s.mu.Unlock()
	return nil
}

// Delete removes the user's ledger record.
func (s *Store) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.ledgers, userID)
	s.mu.Unlock()
	return nil
}

// SaveSummary upserts the summary for the user and day.
func (s *Store) SaveSummary(_ context.Context, summary ledgerstore.DailySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary.Positions = append([]ledgerstore.Position(nil), summary.Positions...)
	existing := s.summaries[summary.UserID]
	for i := range existing {
		if existing[i].DayKey == summary.DayKey {
			existing[i] = summary
			return nil
		}
	}
	s.summaries[summary.UserID] = append(existing, summary)
	return nil
}

// ListSummaries returns the newest summaries first.
func (s *Store) ListSummaries(_ context.Context, userID string, limit int) ([]ledgerstore.DailySummary, error) {
	s.mu.RLock()
	out := append([]ledgerstore.DailySummary(nil), s.summaries[userID]...)
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DayKey > out[j].DayKey })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns the user's credentials.
func (s *Store) Get(_ context.Context, userID string) (schema.Credentials, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.credentials[strings.TrimSpace(userID)]
	return creds, ok, nil
}

// Put records the user's credentials.
func (s *Store) Put(_ context.Context, userID string, creds schema.Credentials) error {
	s.mu.Lock()
	s.credentials[strings.TrimSpace(userID)] = creds
	s.mu.Unlock()
	return nil
}

func cloneRecord(in ledgerstore.Record) ledgerstore.Record {
	return ledgerstore.Record{
		DayKey:    in.DayKey,
		Positions: append([]ledgerstore.Position(nil), in.Positions...),
		Orders:    append([]ledgerstore.Order(nil), in.Orders...),
	}
}

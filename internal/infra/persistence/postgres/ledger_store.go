package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/optexec/internal/domain/ledgerstore"
)

// LedgerStore persists paper ledger documents and daily summaries in PostgreSQL.
type LedgerStore struct {
	pool *pgxpool.Pool
}

var _ ledgerstore.Store = (*LedgerStore)(nil)

// NewLedgerStore constructs a LedgerStore backed by the provided pgx pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const (
	ledgerSelectSQL = `
SELECT day_key::text, positions, orders
FROM paper_ledgers
WHERE user_id = $1;
`
	ledgerUpsertSQL = `
INSERT INTO paper_ledgers (
    user_id,
    day_key,
    positions,
    orders,
    updated_at
)
VALUES ($1, $2::date, $3::jsonb, $4::jsonb, NOW())
ON CONFLICT (user_id) DO UPDATE SET
    day_key = EXCLUDED.day_key,
    positions = EXCLUDED.positions,
    orders = EXCLUDED.orders,
    updated_at = NOW();
`
	ledgerDeleteSQL  = `DELETE FROM paper_ledgers WHERE user_id = $1;`
	summaryUpsertSQL = `
INSERT INTO daily_summaries (
    user_id,
    day_key,
    positions,
    total_pnl,
    order_count,
    created_at
)
VALUES ($1, $2::date, $3::jsonb, $4::numeric, $5, $6)
ON CONFLICT (user_id, day_key) DO UPDATE SET
    positions = EXCLUDED.positions,
    total_pnl = EXCLUDED.total_pnl,
    order_count = EXCLUDED.order_count,
    created_at = EXCLUDED.created_at;
`
	summaryListSQL = `
SELECT user_id, day_key::text, positions, total_pnl::text, order_count, created_at
FROM daily_summaries
WHERE user_id = $1
ORDER BY day_key DESC
LIMIT $2;
`
)

// Load returns the user's ledger document and whether one existed.
func (s *LedgerStore) Load(ctx context.Context, userID string) (ledgerstore.Record, bool, error) {
	if s.pool == nil {
		return ledgerstore.Record{}, false, fmt.Errorf("ledger store: nil pool")
	}
	var (
		record                  ledgerstore.Record
		positionsRaw, ordersRaw []byte
	)
	err := s.pool.QueryRow(ctx, ledgerSelectSQL, userID).Scan(&record.DayKey, &positionsRaw, &ordersRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledgerstore.Record{}, false, nil
	}
	if err != nil {
		return ledgerstore.Record{}, false, fmt.Errorf("select ledger: %w", err)
	}
	if err := decodeList(positionsRaw, &record.Positions); err != nil {
		return ledgerstore.Record{}, false, fmt.Errorf("decode ledger positions: %w", err)
	}
	if err := decodeList(ordersRaw, &record.Orders); err != nil {
		return ledgerstore.Record{}, false, fmt.Errorf("decode ledger orders: %w", err)
	}
	return record, true, nil
}

// Save upserts the user's ledger document.
func (s *LedgerStore) Save(ctx context.Context, userID string, record ledgerstore.Record) error {
	if s.pool == nil {
		return fmt.Errorf("ledger store: nil pool")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("ledger store: user id required")
	}
	positions, err := encodeList(record.Positions)
	if err != nil {
		return fmt.Errorf("marshal ledger positions: %w", err)
	}
	orders, err := encodeList(record.Orders)
	if err != nil {
		return fmt.Errorf("marshal ledger orders: %w", err)
	}
	if _, err := s.pool.Exec(ctx, ledgerUpsertSQL, userID, record.DayKey, positions, orders); err != nil {
		return fmt.Errorf("upsert ledger: %w", err)
	}
	return nil
}

// Delete removes the user's ledger document.
func (s *LedgerStore) Delete(ctx context.Context, userID string) error {
	if s.pool == nil {
		return fmt.Errorf("ledger store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, ledgerDeleteSQL, userID); err != nil {
		return fmt.Errorf("delete ledger: %w", err)
	}
	return nil
}

// SaveSummary upserts the summary of one user and day.
func (s *LedgerStore) SaveSummary(ctx context.Context, summary ledgerstore.DailySummary) error {
	if s.pool == nil {
		return fmt.Errorf("ledger store: nil pool")
	}
	if strings.TrimSpace(summary.UserID) == "" {
		return fmt.Errorf("ledger store: summary user id required")
	}
	positions, err := encodeList(summary.Positions)
	if err != nil {
		return fmt.Errorf("marshal summary positions: %w", err)
	}
	createdAt := time.UnixMilli(summary.CreatedAt).UTC()
	if summary.CreatedAt == 0 {
		createdAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, summaryUpsertSQL,
		summary.UserID, summary.DayKey, positions, summary.TotalPnL.String(), summary.Orders, createdAt); err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

// ListSummaries returns up to limit summaries, newest day first.
func (s *LedgerStore) ListSummaries(ctx context.Context, userID string, limit int) ([]ledgerstore.DailySummary, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("ledger store: nil pool")
	}
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.pool.Query(ctx, summaryListSQL, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	out := []ledgerstore.DailySummary{}
	for rows.Next() {
		var (
			summary      ledgerstore.DailySummary
			positionsRaw []byte
			total        string
			createdAt    time.Time
		)
		if err := rows.Scan(&summary.UserID, &summary.DayKey, &positionsRaw, &total, &summary.Orders, &createdAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if err := decodeList(positionsRaw, &summary.Positions); err != nil {
			return nil, fmt.Errorf("decode summary positions: %w", err)
		}
		pnl, err := decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("parse summary total %q: %w", total, err)
		}
		summary.TotalPnL = pnl
		summary.CreatedAt = createdAt.UnixMilli()
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}

func encodeList[T any](items []T) ([]byte, error) {
	if len(items) == 0 {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

func decodeList[T any](raw []byte, out *[]T) error {
	if len(raw) == 0 {
		*out = []T{}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("json unmarshal: %w", err)
	}
	if *out == nil {
		*out = []T{}
	}
	return nil
}

// Package ledger maintains the per-user, day-scoped simulated trading ledger.
package ledger

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/domain/ledgerstore"
	"github.com/coachpo/optexec/lib/clock"
)

// DayLayout formats trading-day keys.
const DayLayout = "2006-01-02"

// ProductIntraday is the product type recorded on simulated positions.
const ProductIntraday = "INTRADAY"

// PriceSource quotes last traded prices for instruments of one exchange segment.
type PriceSource interface {
	BatchLastPrice(ctx context.Context, segment string, securityIDs []string) (map[string]decimal.Decimal, error)
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for day keys and timestamps.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLocation sets the trading time zone used to derive day keys.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithLogger sets the ledger logger.
func WithLogger(logger *log.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Ledger serialises every read-modify-persist sequence per user.
type Ledger struct {
	store  ledgerstore.Store
	clock  clock.Clock
	loc    *time.Location
	logger *log.Logger

	mu    sync.Mutex
	users map[string]*account
}

type account struct {
	mu     sync.Mutex
	loaded bool
	record ledgerstore.Record
}

// New constructs a ledger persisting through store.
func New(store ledgerstore.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		clock:  clock.Real(),
		loc:    time.UTC,
		logger: log.New(io.Discard, "", 0),
		users:  make(map[string]*account),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Today returns the current trading-day key.
func (l *Ledger) Today() string {
	return l.clock.Now().In(l.loc).Format(DayLayout)
}

func (l *Ledger) account(userID string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.users[userID]
	if !ok {
		acct = &account{}
		l.users[userID] = acct
	}
	return acct
}

// with runs fn under the user's lock against a loaded, current-day record.
// When fn reports a mutation the record is persisted.
func (l *Ledger) with(ctx context.Context, userID string, fn func(rec *ledgerstore.Record) (bool, error)) error {
	if userID == "" {
		return errs.New("ledger", errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	acct := l.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	today := l.Today()
	if !acct.loaded {
		if err := l.load(ctx, userID, acct, today); err != nil {
			return err
		}
	}
	if acct.record.DayKey != today {
		l.logger.Printf("ledger: day rollover user=%s from=%s to=%s", userID, acct.record.DayKey, today)
		acct.record = ledgerstore.Record{DayKey: today}
		l.persist(ctx, userID, acct.record)
	}

	mutated, err := fn(&acct.record)
	if err != nil {
		return err
	}
	if mutated {
		l.persist(ctx, userID, acct.record)
	}
	return nil
}

func (l *Ledger) load(ctx context.Context, userID string, acct *account, today string) error {
	if l.store == nil {
		acct.record = ledgerstore.Record{DayKey: today}
		acct.loaded = true
		return nil
	}
	record, ok, err := l.store.Load(ctx, userID)
	if err != nil {
		return errs.Upstream("ledger", "load ledger", err)
	}
	switch {
	case !ok:
		acct.record = ledgerstore.Record{DayKey: today}
	case record.DayKey != today:
		l.logger.Printf("ledger: discarding stale record user=%s day=%s", userID, record.DayKey)
		acct.record = ledgerstore.Record{DayKey: today}
		l.persist(ctx, userID, acct.record)
	default:
		acct.record = record
	}
	acct.loaded = true
	return nil
}

func (l *Ledger) persist(ctx context.Context, userID string, record ledgerstore.Record) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(ctx, userID, cloneRecord(record)); err != nil {
		l.logger.Printf("ledger: persist failed user=%s err=%v", userID, err)
	}
}

// RecordSell appends a filled sell order and opens or extends the short position.
func (l *Ledger) RecordSell(ctx context.Context, userID string, order ledgerstore.Order) error {
	return l.with(ctx, userID, func(rec *ledgerstore.Record) (bool, error) {
		now := l.clock.Now().UnixMilli()
		if order.PlacedAt == 0 {
			order.PlacedAt = now
		}
		rec.Orders = append(rec.Orders, order)

		idx := indexOf(rec.Positions, order.SecurityID)
		if idx < 0 {
			rec.Positions = append(rec.Positions, ledgerstore.Position{
				SecurityID:  order.SecurityID,
				Symbol:      order.Symbol,
				Segment:     order.Segment,
				ProductType: ProductIntraday,
			})
			idx = len(rec.Positions) - 1
		}
		pos := &rec.Positions[idx]
		// an unpriced fill adds quantity but leaves the average and ltp alone
		if order.Price.IsPositive() {
			prevQty := decimal.Zero
			if pos.SellAverage.IsPositive() {
				prevQty = decimal.NewFromInt(pos.SellQuantity)
			}
			addQty := decimal.NewFromInt(order.Quantity)
			total := prevQty.Add(addQty)
			if total.IsPositive() {
				pos.SellAverage = pos.SellAverage.Mul(prevQty).Add(order.Price.Mul(addQty)).Div(total).Round(2)
			}
			pos.LastPrice = order.Price
		}
		pos.SellQuantity += order.Quantity
		pos.Quantity -= order.Quantity
		pos.CostPrice = pos.SellAverage
		pos.UpdatedAt = now
		return true, nil
	})
}

// RecordOrder appends an order without touching positions.
func (l *Ledger) RecordOrder(ctx context.Context, userID string, order ledgerstore.Order) error {
	return l.with(ctx, userID, func(rec *ledgerstore.Record) (bool, error) {
		if order.PlacedAt == 0 {
			order.PlacedAt = l.clock.Now().UnixMilli()
		}
		rec.Orders = append(rec.Orders, order)
		return true, nil
	})
}

// Positions returns a copy of today's simulated positions.
func (l *Ledger) Positions(ctx context.Context, userID string) ([]ledgerstore.Position, error) {
	var out []ledgerstore.Position
	err := l.with(ctx, userID, func(rec *ledgerstore.Record) (bool, error) {
		out = append([]ledgerstore.Position(nil), rec.Positions...)
		return false, nil
	})
	return out, err
}

// Orders returns a copy of today's simulated orders, oldest first.
func (l *Ledger) Orders(ctx context.Context, userID string) ([]ledgerstore.Order, error) {
	var out []ledgerstore.Order
	err := l.with(ctx, userID, func(rec *ledgerstore.Record) (bool, error) {
		out = append([]ledgerstore.Order(nil), rec.Orders...)
		return false, nil
	})
	return out, err
}

// Snapshot returns a copy of today's full record.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (ledgerstore.Record, error) {
	var out ledgerstore.Record
	err := l.with(ctx, userID, func(rec *ledgerstore.Record) (bool, error) {
		out = cloneRecord(*rec)
		return false, nil
	})
	return out, err
}

// RefreshPrices re-quotes every open position, one batch per segment, and
// recomputes unrealized P&L. Refreshed quotes are held in memory only.
func (l *Ledger) RefreshPrices(ctx context.Context, userID string, source PriceSource) ([]ledgerstore.Position, error) {
	if source == nil {
		return l.Positions(ctx, userID)
	}
	var out []ledgerstore.Position
	err := l.with(ctx, userID, func(rec *ledgerstore.Record) (bool, error) {
		bySegment := make(map[string][]string)
		for _, pos := range rec.Positions {
			if pos.Quantity == 0 {
				continue
			}
			bySegment[pos.Segment] = append(bySegment[pos.Segment], pos.SecurityID)
		}
		segments := make([]string, 0, len(bySegment))
		for seg := range bySegment {
			segments = append(segments, seg)
		}
		sort.Strings(segments)

		quotes := make(map[string]decimal.Decimal)
		for _, seg := range segments {
			prices, err := source.BatchLastPrice(ctx, seg, bySegment[seg])
			if err != nil {
				l.logger.Printf("ledger: refresh quotes failed user=%s segment=%s err=%v", userID, seg, err)
				continue
			}
			for id, px := range prices {
				quotes[id] = px
			}
		}
		for i := range rec.Positions {
			pos := &rec.Positions[i]
			if px, ok := quotes[pos.SecurityID]; ok && px.IsPositive() {
				pos.LastPrice = px
			}
			pos.UnrealizedPnL = Unrealized(*pos)
		}
		out = append([]ledgerstore.Position(nil), rec.Positions...)
		return false, nil
	})
	return out, err
}

// SquareOff closes every simulated position and returns how many were open.
func (l *Ledger) SquareOff(ctx context.Context, userID string) (int, error) {
	closed := 0
	err := l.with(ctx, userID, func(rec *ledgerstore.Record) (bool, error) {
		for _, pos := range rec.Positions {
			if pos.Quantity != 0 {
				closed++
			}
		}
		if len(rec.Positions) == 0 {
			return false, nil
		}
		rec.Positions = nil
		return true, nil
	})
	return closed, err
}

// Reset clears every position and order for today.
func (l *Ledger) Reset(ctx context.Context, userID string) error {
	return l.with(ctx, userID, func(rec *ledgerstore.Record) (bool, error) {
		rec.Positions = nil
		rec.Orders = nil
		return true, nil
	})
}

// Summarise builds the end-of-day summary from refreshed positions.
func (l *Ledger) Summarise(userID string, positions []ledgerstore.Position, orders int) ledgerstore.DailySummary {
	total := decimal.Zero
	for _, pos := range positions {
		total = total.Add(pos.RealizedPnL).Add(pos.UnrealizedPnL)
	}
	return ledgerstore.DailySummary{
		UserID:    userID,
		DayKey:    l.Today(),
		Positions: append([]ledgerstore.Position(nil), positions...),
		TotalPnL:  total.Round(2),
		Orders:    orders,
		CreatedAt: l.clock.Now().UnixMilli(),
	}
}

// SaveSummary persists an end-of-day summary.
func (l *Ledger) SaveSummary(ctx context.Context, summary ledgerstore.DailySummary) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.SaveSummary(ctx, summary); err != nil {
		return errs.Upstream("ledger", fmt.Sprintf("save summary day=%s", summary.DayKey), err)
	}
	return nil
}

// Summaries lists stored end-of-day summaries, newest first.
func (l *Ledger) Summaries(ctx context.Context, userID string, limit int) ([]ledgerstore.DailySummary, error) {
	if l.store == nil {
		return nil, nil
	}
	out, err := l.store.ListSummaries(ctx, userID, limit)
	if err != nil {
		return nil, errs.Upstream("ledger", "list summaries", err)
	}
	return out, nil
}

// Unrealized computes (cost - ltp) * |qty| rounded to 2 places for a short position.
// It is zero unless cost, ltp and quantity are all non-zero.
func Unrealized(pos ledgerstore.Position) decimal.Decimal {
	if !pos.LastPrice.IsPositive() || !pos.CostPrice.IsPositive() || pos.Quantity == 0 {
		return decimal.Zero
	}
	qty := pos.Quantity
	if qty < 0 {
		qty = -qty
	}
	return pos.CostPrice.Sub(pos.LastPrice).Mul(decimal.NewFromInt(qty)).Round(2)
}

func indexOf(positions []ledgerstore.Position, securityID string) int {
	for i := range positions {
		if positions[i].SecurityID == securityID {
			return i
		}
	}
	return -1
}

func cloneRecord(in ledgerstore.Record) ledgerstore.Record {
	return ledgerstore.Record{
		DayKey:    in.DayKey,
		Positions: append([]ledgerstore.Position(nil), in.Positions...),
		Orders:    append([]ledgerstore.Order(nil), in.Orders...),
	}
}

package desk

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/coachpo/optexec/internal/app/ledger"
	"github.com/coachpo/optexec/internal/app/scheduler"
	"github.com/coachpo/optexec/internal/app/strategy"
	"github.com/coachpo/optexec/internal/domain/ledgerstore"
)

// Closer runs the end-of-day routine: summarise the paper book, then flatten live and paper positions.
type Closer struct {
	ledger *ledger.Ledger
	router *Router
	quotes strategy.QuoteFactory
	creds  scheduler.CredentialResolver
	logger *log.Logger
}

var _ scheduler.DayCloser = (*Closer)(nil)

// NewCloser constructs a Closer.
func NewCloser(l *ledger.Ledger, router *Router, quotes strategy.QuoteFactory, creds scheduler.CredentialResolver, logger *log.Logger) *Closer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Closer{ledger: l, router: router, quotes: quotes, creds: creds, logger: logger}
}

// CloseDay snapshots and refreshes paper positions, persists the daily summary and squares off.
func (c *Closer) CloseDay(ctx context.Context, userID string) error {
	creds, haveCreds, err := c.creds.Resolve(ctx, userID)
	if err != nil {
		c.logger.Printf("desk: credential lookup failed user=%s err=%v", userID, err)
	}

	var source ledger.PriceSource
	if haveCreds {
		if md, err := c.quotes.Quotes(creds); err == nil {
			source = md
		}
	}

	var failures []error
	orders, ordersErr := c.ledger.Orders(ctx, userID)
	if ordersErr != nil {
		c.logger.Printf("desk: daily summary failed user=%s err=%v", userID, ordersErr)
		failures = append(failures, ordersErr)
	}
	positions, err := c.ledger.RefreshPrices(ctx, userID, source)
	if err != nil {
		failures = append(failures, err)
	} else if ordersErr == nil {
		summary := c.ledger.Summarise(userID, openPositions(positions), len(orders))
		if err := c.ledger.SaveSummary(ctx, summary); err != nil {
			c.logger.Printf("desk: daily summary failed user=%s err=%v", userID, err)
			failures = append(failures, err)
		} else {
			c.logger.Printf("desk: daily summary saved user=%s day=%s pnl=%s", userID, summary.DayKey, summary.TotalPnL)
		}
	}

	if haveCreds {
		live, err := c.router.Live(creds)
		if err == nil {
			out, sqErr := live.SquareOffAll(ctx)
			if sqErr != nil {
				failures = append(failures, sqErr)
			} else {
				c.logger.Printf("desk: live square-off user=%s cancelled=%d closed=%d", userID, out.Cancelled, out.SquaredOff)
			}
		} else {
			failures = append(failures, err)
		}
	}

	closed, err := c.ledger.SquareOff(ctx, userID)
	if err != nil {
		failures = append(failures, err)
	} else {
		c.logger.Printf("desk: paper square-off user=%s closed=%d", userID, closed)
	}
	return errors.Join(failures...)
}

func openPositions(rows []ledgerstore.Position) []ledgerstore.Position {
	out := make([]ledgerstore.Position, 0, len(rows))
	for _, row := range rows {
		if row.Quantity != 0 {
			out = append(out, row)
		}
	}
	return out
}

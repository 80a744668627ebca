// Package desk exposes the operations a user drives: immediate and deferred executions,
// auto square-off, position views and square-off.
package desk

import (
	"context"
	"io"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/app/gateway"
	"github.com/coachpo/optexec/internal/app/ledger"
	"github.com/coachpo/optexec/internal/app/scheduler"
	"github.com/coachpo/optexec/internal/app/strategy"
	"github.com/coachpo/optexec/internal/domain/ledgerstore"
	"github.com/coachpo/optexec/internal/domain/schema"
)

// Catalog lists tradable expiries from the instrument master.
type Catalog interface {
	Expiries(spec schema.IndexSpec, from time.Time) []string
}

// Deps wires a Desk.
type Deps struct {
	Engine      *strategy.Engine
	Scheduler   *scheduler.Scheduler
	Ledger      *ledger.Ledger
	Router      *Router
	Quotes      strategy.QuoteFactory
	Credentials scheduler.CredentialResolver
	Catalog     Catalog
	Logger      *log.Logger
	// ExecutionTimeout bounds an immediate execution once it is detached from the caller.
	ExecutionTimeout time.Duration
}

// Desk composes the engine, scheduler and ledger behind user-scoped operations.
type Desk struct {
	engine  *strategy.Engine
	sched   *scheduler.Scheduler
	ledger  *ledger.Ledger
	router  *Router
	quotes  strategy.QuoteFactory
	creds   scheduler.CredentialResolver
	catalog Catalog
	logger  *log.Logger
	timeout time.Duration
}

// New constructs a Desk.
func New(deps Deps) *Desk {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Desk{
		engine:  deps.Engine,
		sched:   deps.Scheduler,
		ledger:  deps.Ledger,
		router:  deps.Router,
		quotes:  deps.Quotes,
		creds:   deps.Credentials,
		catalog: deps.Catalog,
		logger:  logger,
		timeout: deps.ExecutionTimeout,
	}
}

// PositionsView merges live and paper positions.
type PositionsView struct {
	Positions []schema.Position `json:"positions"`
	TotalPnL  decimal.Decimal   `json:"totalPnl"`
	LiveError string            `json:"liveError,omitempty"`
}

// SquareOffReport summarises a manual square-off across both books.
type SquareOffReport struct {
	Live      *schema.SquareOffResult `json:"live,omitempty"`
	Paper     schema.SquareOffResult  `json:"paper"`
	LiveError string                  `json:"liveError,omitempty"`
}

func (d *Desk) credentials(ctx context.Context, userID string) (schema.Credentials, bool) {
	if d.creds == nil {
		return schema.Credentials{}, false
	}
	creds, ok, err := d.creds.Resolve(ctx, userID)
	if err != nil {
		d.logger.Printf("desk: credential lookup failed user=%s err=%v", userID, err)
		return schema.Credentials{}, false
	}
	return creds, ok
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errs.New("desk", errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	return nil
}

// ExecuteNow runs req immediately on behalf of userID.
func (d *Desk) ExecuteNow(ctx context.Context, userID string, req schema.ExecutionRequest) schema.ExecutionResult {
	req.UserID = userID
	if err := requireUser(userID); err != nil {
		return schema.ExecutionResult{Strategy: req.Strategy, Index: req.Index, Expiry: req.Expiry, Lots: req.Lots, Mode: req.Mode, Error: errs.Message(err)}
	}
	// a dropped client must not abandon legs between entry and stop-loss
	runCtx := context.WithoutCancel(ctx)
	if d.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, d.timeout)
		defer cancel()
	}
	creds, _ := d.credentials(runCtx, userID)
	return d.engine.Execute(runCtx, creds, req)
}

// Schedule validates req and defers it to the next occurrence of timeOfDay.
func (d *Desk) Schedule(userID string, req schema.ExecutionRequest, timeOfDay string) (scheduler.JobInfo, error) {
	if err := requireUser(userID); err != nil {
		return scheduler.JobInfo{}, err
	}
	req.UserID = userID
	if err := d.engine.Validate(req); err != nil {
		return scheduler.JobInfo{}, err
	}
	return d.sched.Schedule(req, timeOfDay)
}

// ListJobs lists the user's pending deferred executions.
func (d *Desk) ListJobs(userID string) []scheduler.JobInfo {
	return d.sched.Jobs(userID)
}

// CancelJob cancels one of the user's deferred executions.
func (d *Desk) CancelJob(userID, jobID string) bool {
	if userID == "" {
		return false
	}
	return d.sched.Cancel(userID, jobID)
}

// SetAutoSquareOff arms the user's daily auto square-off.
func (d *Desk) SetAutoSquareOff(userID, timeOfDay string) (scheduler.SquareOffInfo, error) {
	if err := requireUser(userID); err != nil {
		return scheduler.SquareOffInfo{}, err
	}
	return d.sched.SetAutoSquareOff(userID, timeOfDay)
}

// GetAutoSquareOff reports the user's auto square-off.
func (d *Desk) GetAutoSquareOff(userID string) (scheduler.SquareOffInfo, bool) {
	return d.sched.AutoSquareOff(userID)
}

// CancelAutoSquareOff disarms the user's auto square-off.
func (d *Desk) CancelAutoSquareOff(userID string) bool {
	return d.sched.CancelAutoSquareOff(userID)
}

// Positions merges live and refreshed paper positions, dropping flat ones.
func (d *Desk) Positions(ctx context.Context, userID string) (PositionsView, error) {
	if err := requireUser(userID); err != nil {
		return PositionsView{}, err
	}
	view := PositionsView{Positions: []schema.Position{}, TotalPnL: decimal.Zero}
	creds, haveCreds := d.credentials(ctx, userID)

	var source ledger.PriceSource
	if haveCreds {
		live, err := d.router.Live(creds)
		if err == nil {
			var rows []schema.Position
			rows, err = live.Positions(ctx)
			view.Positions = append(view.Positions, rows...)
		}
		if err != nil {
			d.logger.Printf("desk: live positions failed user=%s err=%v", userID, err)
			view.LiveError = errs.Message(err)
		}
		if md, err := d.quotes.Quotes(creds); err == nil {
			source = md
		}
	}

	paper, err := d.ledger.RefreshPrices(ctx, userID, source)
	if err != nil {
		return PositionsView{}, err
	}
	view.Positions = append(view.Positions, gateway.PaperPositions(paper)...)

	open := view.Positions[:0]
	for _, pos := range view.Positions {
		if pos.Quantity == 0 {
			continue
		}
		open = append(open, pos)
		view.TotalPnL = view.TotalPnL.Add(pos.PnL())
	}
	view.Positions = open
	view.TotalPnL = view.TotalPnL.Round(2)
	return view, nil
}

// SquareOffAll flattens the user's live book, when credentials exist, and the paper book.
func (d *Desk) SquareOffAll(ctx context.Context, userID string) (SquareOffReport, error) {
	if err := requireUser(userID); err != nil {
		return SquareOffReport{}, err
	}
	var report SquareOffReport
	if creds, ok := d.credentials(ctx, userID); ok {
		live, err := d.router.Live(creds)
		if err == nil {
			var out schema.SquareOffResult
			out, err = live.SquareOffAll(ctx)
			if err == nil {
				report.Live = &out
			}
		}
		if err != nil {
			d.logger.Printf("desk: live square-off failed user=%s err=%v", userID, err)
			report.LiveError = errs.Message(err)
		}
	}
	closed, err := d.ledger.SquareOff(ctx, userID)
	if err != nil {
		return report, err
	}
	report.Paper = schema.SquareOffResult{SquaredOff: closed}
	d.logger.Printf("desk: square-off user=%s paper_closed=%d live=%t", userID, closed, report.Live != nil)
	return report, nil
}

// PaperOrders lists today's simulated orders.
func (d *Desk) PaperOrders(ctx context.Context, userID string) ([]ledgerstore.Order, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return d.ledger.Orders(ctx, userID)
}

// ResetPaper clears today's simulated book.
func (d *Desk) ResetPaper(ctx context.Context, userID string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	return d.ledger.Reset(ctx, userID)
}

// Summaries lists the user's end-of-day summaries, newest first.
func (d *Desk) Summaries(ctx context.Context, userID string, limit int) ([]ledgerstore.DailySummary, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return d.ledger.Summaries(ctx, userID, limit)
}

// Expiries lists upcoming expiries for an index.
func (d *Desk) Expiries(index schema.Index) ([]string, error) {
	spec, ok := d.engine.Index(index)
	if !ok {
		return nil, errs.New("desk", errs.CodeInvalid, errs.WithMessage("unknown index"), errs.WithField("index", string(index)))
	}
	if d.catalog == nil {
		return []string{}, nil
	}
	loc := time.UTC
	if d.sched != nil {
		loc = d.sched.Location()
	}
	return d.catalog.Expiries(spec, time.Now().In(loc)), nil
}

// OptionChain quotes the chain of an index expiry with the user's credentials.
func (d *Desk) OptionChain(ctx context.Context, userID string, index schema.Index, expiry string) ([]schema.ChainRow, error) {
	spec, ok := d.engine.Index(index)
	if !ok {
		return nil, errs.New("desk", errs.CodeInvalid, errs.WithMessage("unknown index"), errs.WithField("index", string(index)))
	}
	creds, ok := d.credentials(ctx, userID)
	if !ok {
		return nil, errs.Validation("desk", "brokerage credentials required for quotes")
	}
	md, err := d.quotes.Quotes(creds)
	if err != nil {
		return nil, errs.Upstream("desk", "market data", err)
	}
	return md.OptionChain(ctx, spec, expiry)
}

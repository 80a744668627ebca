// Package strategy selects strikes for option-pair strategies and opens both legs.
package strategy

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/app/gateway"
	"github.com/coachpo/optexec/internal/app/stoploss"
	"github.com/coachpo/optexec/internal/domain/schema"
)

// MarketData supplies the quotes a strategy needs.
type MarketData interface {
	SpotPrice(ctx context.Context, spec schema.IndexSpec) (decimal.Decimal, error)
	OptionChain(ctx context.Context, spec schema.IndexSpec, expiry string) ([]schema.ChainRow, error)
	// BatchLastPrice is best effort: unknown ids map to zero.
	BatchLastPrice(ctx context.Context, segment string, securityIDs []string) (map[string]decimal.Decimal, error)
}

// QuoteFactory binds market data to a user's credentials.
type QuoteFactory interface {
	Quotes(creds schema.Credentials) (MarketData, error)
}

// InstrumentLookup resolves the tradable contract for an index option.
type InstrumentLookup interface {
	Resolve(ctx context.Context, spec schema.IndexSpec, expiry string, strike int64, side schema.OptionSide) (schema.Instrument, error)
}

// Route is the order path chosen for one execution.
type Route struct {
	Orders  gateway.OrderGateway
	Protect stoploss.Protector
}

// Router chooses the live or simulated route.
type Router interface {
	Route(creds schema.Credentials, mode schema.Mode, userID string) (Route, error)
}

// Recorder observes execution outcomes.
type Recorder interface {
	Execution(ctx context.Context, strategy schema.Strategy, mode schema.Mode, success bool, elapsed time.Duration)
}

// Deps wires an Engine.
type Deps struct {
	Indices     map[schema.Index]schema.IndexSpec
	Router      Router
	Quotes      QuoteFactory
	Instruments InstrumentLookup
	Logger      *log.Logger
	Recorder    Recorder
}

// Engine executes option-pair strategies.
type Engine struct {
	indices     map[schema.Index]schema.IndexSpec
	router      Router
	quotes      QuoteFactory
	instruments InstrumentLookup
	logger      *log.Logger
	recorder    Recorder
}

// NewEngine constructs an engine.
func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		indices:     deps.Indices,
		router:      deps.Router,
		quotes:      deps.Quotes,
		instruments: deps.Instruments,
		logger:      logger,
		recorder:    deps.Recorder,
	}
}

// Index returns the exchange constants of an index.
func (e *Engine) Index(index schema.Index) (schema.IndexSpec, bool) {
	spec, ok := e.indices[index]
	return spec, ok
}

// Validate checks the strategy-specific parameters of a request.
func (e *Engine) Validate(req schema.ExecutionRequest) error {
	if !req.Strategy.Valid() {
		return errs.New("strategy", errs.CodeValidation, errs.WithMessage("unknown strategy"), errs.WithField("strategy", string(req.Strategy)))
	}
	if _, ok := e.indices[req.Index]; !ok {
		return errs.New("strategy", errs.CodeValidation, errs.WithMessage("unknown index"), errs.WithField("index", string(req.Index)))
	}
	if _, err := time.Parse("2006-01-02", req.Expiry); err != nil {
		return errs.New("strategy", errs.CodeValidation, errs.WithMessage("expiry must be YYYY-MM-DD"), errs.WithField("expiry", req.Expiry))
	}
	if req.Lots <= 0 {
		return errs.Validation("strategy", "lots must be positive")
	}
	if req.StopLossPercent.IsNegative() {
		return errs.Validation("strategy", "stop-loss percent must not be negative")
	}
	switch req.Strategy {
	case schema.StrategyPremiumBased:
		if !req.TargetPremium.Valid || !req.TargetPremium.Decimal.IsPositive() {
			return errs.Validation("strategy", "target premium is required for premium_based")
		}
	case schema.StrategySpotStrangle:
		if !req.OTMPercent.Valid || !req.OTMPercent.Decimal.IsPositive() {
			return errs.Validation("strategy", "spot percent is required for spot_strangle")
		}
	}
	return nil
}

// Execute opens both legs of req and, when requested, protects them.
// Every failure is reported in the result; Execute never panics.
func (e *Engine) Execute(ctx context.Context, creds schema.Credentials, req schema.ExecutionRequest) (result schema.ExecutionResult) {
	result = schema.ExecutionResult{
		Strategy: req.Strategy,
		Index:    req.Index,
		Expiry:   req.Expiry,
		Lots:     req.Lots,
		Mode:     req.Mode,
		Legs:     []schema.Leg{},
	}
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("strategy: panic recovered strategy=%s index=%s err=%v", req.Strategy, req.Index, r)
			result.Success = false
			result.Error = fmt.Sprintf("internal error: %v", r)
		}
		if e.recorder != nil {
			e.recorder.Execution(ctx, req.Strategy, req.Mode, result.Success, time.Since(started))
		}
	}()

	if err := e.Validate(req); err != nil {
		result.Error = errs.Message(err)
		return result
	}
	spec := e.indices[req.Index]
	result.Quantity = spec.Quantity(req.Lots)

	route, err := e.router.Route(creds, req.Mode, req.UserID)
	if err != nil {
		result.Error = errs.Message(err)
		return result
	}
	quotes, err := e.quotes.Quotes(creds)
	if err != nil {
		result.Error = errs.Message(err)
		return result
	}

	legs, spot, err := e.selectLegs(ctx, quotes, spec, req)
	if spot.Valid {
		result.Spot = spot
	}
	if err != nil {
		result.Error = errs.Message(err)
		e.logger.Printf("strategy: selection failed strategy=%s index=%s err=%v", req.Strategy, req.Index, err)
		return result
	}

	prefix := req.Strategy.TagPrefix()
	var failures []string
	for i := range legs {
		leg := &legs[i]
		res := route.Orders.PlaceSell(ctx, schema.OrderIntent{
			SecurityID:     leg.SecurityID,
			Segment:        spec.Segment,
			Symbol:         leg.Symbol,
			Quantity:       result.Quantity,
			Tag:            prefix + "_" + strings.ToLower(string(leg.Side)),
			ReferencePrice: leg.Premium,
		})
		leg.OrderID = res.OrderID
		leg.Status = res.Status
		leg.Message = res.Message
		if !res.Placed() {
			failures = append(failures, fmt.Sprintf("%s: %s", leg.Side, res.Message))
		}
	}
	result.Legs = legs
	result.Success = len(failures) == 0
	if !result.Success {
		result.Error = "leg placement failed: " + strings.Join(failures, "; ")
	}
	e.logger.Printf("strategy: executed strategy=%s index=%s mode=%s qty=%d success=%t",
		req.Strategy, req.Index, req.Mode, result.Quantity, result.Success)

	if result.Success && req.StopLossPercent.IsPositive() && route.Protect != nil {
		result.StopLossLegs = route.Protect.Protect(ctx, route.Orders, legs, stoploss.Plan{
			Quantity:        result.Quantity,
			Segment:         spec.Segment,
			StopLossPercent: req.StopLossPercent,
		})
	}
	return result
}

func (e *Engine) selectLegs(ctx context.Context, quotes MarketData, spec schema.IndexSpec, req schema.ExecutionRequest) ([]schema.Leg, decimal.NullDecimal, error) {
	var none decimal.NullDecimal
	if req.Strategy == schema.StrategyPremiumBased {
		legs, err := e.selectByPremium(ctx, quotes, spec, req)
		return legs, none, err
	}

	spot, err := quotes.SpotPrice(ctx, spec)
	if err != nil {
		return nil, none, errs.Upstream("strategy", "spot price", err)
	}
	if !spot.IsPositive() {
		return nil, none, errs.Data("strategy", "spot price unavailable")
	}
	spotValue := decimal.NewNullDecimal(spot)

	var ceStrike, peStrike int64
	if req.Strategy == schema.StrategyShortStraddle {
		ceStrike = ATMStrike(spot, spec.StrikeGap)
		peStrike = ceStrike
	} else {
		ceStrike, peStrike = StrangleStrikes(spot, req.OTMPercent.Decimal, spec.StrikeGap)
	}

	legs := make([]schema.Leg, 0, 2)
	for _, pick := range []struct {
		side   schema.OptionSide
		strike int64
	}{{schema.SideCE, ceStrike}, {schema.SidePE, peStrike}} {
		leg, err := e.resolveLeg(ctx, spec, req.Expiry, pick.strike, pick.side)
		if err != nil {
			return nil, spotValue, err
		}
		legs = append(legs, leg)
	}

	ids := []string{legs[0].SecurityID, legs[1].SecurityID}
	prices, err := quotes.BatchLastPrice(ctx, spec.Segment, ids)
	if err != nil {
		e.logger.Printf("strategy: leg quotes unavailable index=%s err=%v", req.Index, err)
	}
	for i := range legs {
		if px, ok := prices[legs[i].SecurityID]; ok && px.IsPositive() {
			legs[i].Premium = decimal.NewNullDecimal(px)
		}
	}
	return legs, spotValue, nil
}

func (e *Engine) selectByPremium(ctx context.Context, quotes MarketData, spec schema.IndexSpec, req schema.ExecutionRequest) ([]schema.Leg, error) {
	rows, err := quotes.OptionChain(ctx, spec, req.Expiry)
	if err != nil {
		return nil, errs.Upstream("strategy", "option chain", err)
	}
	if len(rows) == 0 {
		return nil, errs.New("strategy", errs.CodeData, errs.WithMessage("option chain is empty"), errs.WithField("expiry", req.Expiry))
	}
	target := req.TargetPremium.Decimal
	legs := make([]schema.Leg, 0, 2)
	for _, side := range []schema.OptionSide{schema.SideCE, schema.SidePE} {
		row, _ := SelectByPremium(rows, side, target)
		leg, err := e.resolveLeg(ctx, spec, req.Expiry, row.Strike, side)
		if err != nil {
			return nil, err
		}
		if px := row.LastPrice(side); px.IsPositive() {
			leg.Premium = decimal.NewNullDecimal(px)
		}
		legs = append(legs, leg)
	}
	return legs, nil
}

func (e *Engine) resolveLeg(ctx context.Context, spec schema.IndexSpec, expiry string, strike int64, side schema.OptionSide) (schema.Leg, error) {
	inst, err := e.instruments.Resolve(ctx, spec, expiry, strike, side)
	if err != nil {
		return schema.Leg{}, err
	}
	return schema.Leg{
		Side:       side,
		Strike:     strike,
		SecurityID: inst.SecurityID,
		Symbol:     inst.Symbol,
	}, nil
}

// Package stoploss confirms entry fills and places protective stop-loss buys.
package stoploss

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optexec/internal/app/gateway"
	"github.com/coachpo/optexec/internal/domain/schema"
	"github.com/coachpo/optexec/lib/clock"
)

// State is the confirmation state of one entry leg.
type State string

const (
	StatePlaced           State = "PLACED"
	StateFilled           State = "FILLED"
	StateTimeout          State = "TIMEOUT"
	StateTerminalRejected State = "TERMINAL_REJECTED"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxWait      = 30 * time.Second
)

// Plan carries the parameters shared by every leg of one execution.
type Plan struct {
	Quantity        int64
	Segment         string
	StopLossPercent decimal.Decimal
}

// Protector produces one stop-loss leg per entry leg.
type Protector interface {
	Protect(ctx context.Context, gw gateway.OrderGateway, legs []schema.Leg, plan Plan) []schema.Leg
}

// Recorder observes stop-loss outcomes.
type Recorder interface {
	StopLossOutcome(ctx context.Context, outcome string)
}

// TriggerPrice returns entry * (1 + percent/100) rounded half-up to 2 places.
func TriggerPrice(entry, percent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(percent.Div(decimal.NewFromInt(100)))
	return entry.Mul(factor).Round(2)
}

func stopLossTag(side schema.OptionSide) string {
	return "sl_" + strings.ToLower(string(side))
}

func skipped(leg schema.Leg, reason string) schema.Leg {
	return schema.Leg{
		Side:       leg.Side,
		Strike:     leg.Strike,
		SecurityID: leg.SecurityID,
		Symbol:     leg.Symbol,
		Status:     schema.OrderStatusSkipped,
		Message:    reason,
	}
}

func place(ctx context.Context, gw gateway.OrderGateway, leg schema.Leg, plan Plan, entry decimal.Decimal) schema.Leg {
	trigger := TriggerPrice(entry, plan.StopLossPercent)
	res := gw.PlaceStopLossBuy(ctx, schema.OrderIntent{
		SecurityID:   leg.SecurityID,
		Segment:      plan.Segment,
		Symbol:       leg.Symbol,
		Quantity:     plan.Quantity,
		Tag:          stopLossTag(leg.Side),
		TriggerPrice: trigger,
	})
	return schema.Leg{
		Side:         leg.Side,
		Strike:       leg.Strike,
		SecurityID:   leg.SecurityID,
		Symbol:       leg.Symbol,
		OrderID:      res.OrderID,
		Status:       res.Status,
		Message:      res.Message,
		TriggerPrice: decimal.NewNullDecimal(trigger),
		EntryPrice:   decimal.NewNullDecimal(entry),
	}
}

// Option customises a Manager.
type Option func(*Manager)

// WithPolling overrides the poll interval and the maximum wait per leg.
func WithPolling(interval, maxWait time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.interval = interval
		}
		if maxWait > 0 {
			m.maxWait = maxWait
		}
	}
}

// WithClock overrides the timer source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRecorder attaches an outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// Manager waits for each live entry to fill before protecting it.
type Manager struct {
	interval time.Duration
	maxWait  time.Duration
	clock    clock.Clock
	logger   *log.Logger
	recorder Recorder
}

var _ Protector = (*Manager)(nil)

// NewManager constructs a polling manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		interval: DefaultPollInterval,
		maxWait:  DefaultMaxWait,
		clock:    clock.Real(),
		logger:   log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Attempts is the number of status polls made per leg.
func (m *Manager) Attempts() int {
	n := int(m.maxWait / m.interval)
	if m.maxWait%m.interval != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Protect processes legs sequentially.
func (m *Manager) Protect(ctx context.Context, gw gateway.OrderGateway, legs []schema.Leg, plan Plan) []schema.Leg {
	out := make([]schema.Leg, 0, len(legs))
	for _, leg := range legs {
		out = append(out, m.protectLeg(ctx, gw, leg, plan))
	}
	return out
}

func (m *Manager) protectLeg(ctx context.Context, gw gateway.OrderGateway, leg schema.Leg, plan Plan) schema.Leg {
	if !leg.Placed() {
		m.record(ctx, "skipped")
		return skipped(leg, "entry order was not placed")
	}
	state, entry, reason := m.await(ctx, gw, leg.OrderID)
	m.logger.Printf("stoploss: entry resolved order=%s leg=%s state=%s", leg.OrderID, leg.Side, state)
	if state != StateFilled {
		m.record(ctx, strings.ToLower(string(state)))
		return skipped(leg, reason)
	}
	sl := place(ctx, gw, leg, plan, entry)
	if sl.Placed() {
		m.record(ctx, "placed")
	} else {
		m.record(ctx, "place_failed")
	}
	m.logger.Printf("stoploss: placed order=%s leg=%s trigger=%s sl_order=%s status=%s",
		leg.OrderID, leg.Side, sl.TriggerPrice.Decimal, sl.OrderID, sl.Status)
	return sl
}

// await polls the entry order until it fills, fails terminally or the wait elapses.
func (m *Manager) await(ctx context.Context, gw gateway.OrderGateway, orderID string) (State, decimal.Decimal, string) {
	attempts := m.Attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		detail, err := gw.OrderDetail(ctx, orderID)
		if err != nil {
			m.logger.Printf("stoploss: order detail failed order=%s attempt=%d err=%v", orderID, attempt, err)
		} else {
			switch {
			case detail.Status.IsFilled():
				if !detail.AveragePrice.Valid || !detail.AveragePrice.Decimal.IsPositive() {
					return StateTerminalRejected, decimal.Zero, "entry filled without an average price"
				}
				return StateFilled, detail.AveragePrice.Decimal, ""
			case detail.Status.IsTerminalFailure():
				return StateTerminalRejected, decimal.Zero, fmt.Sprintf("entry order %s", detail.Status)
			}
		}
		if attempt == attempts {
			break
		}
		timer := m.clock.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return StateTimeout, decimal.Zero, "cancelled while waiting for entry fill"
		case <-timer.C():
		}
	}
	return StateTimeout, decimal.Zero, fmt.Sprintf("entry not filled within %s", m.maxWait)
}

func (m *Manager) record(ctx context.Context, outcome string) {
	if m.recorder != nil {
		m.recorder.StopLossOutcome(ctx, outcome)
	}
}

// Immediate protects simulated entries from their captured premium without waiting.
type Immediate struct {
	recorder Recorder
}

var _ Protector = (*Immediate)(nil)

// NewImmediate constructs the simulated protector.
func NewImmediate(recorder Recorder) *Immediate {
	return &Immediate{recorder: recorder}
}

// Protect places a stop-loss for every placed leg with a known premium.
func (p *Immediate) Protect(ctx context.Context, gw gateway.OrderGateway, legs []schema.Leg, plan Plan) []schema.Leg {
	out := make([]schema.Leg, 0, len(legs))
	for _, leg := range legs {
		switch {
		case !leg.Placed():
			out = append(out, skipped(leg, "entry order was not placed"))
			p.record(ctx, "skipped")
		case !leg.Premium.Valid || !leg.Premium.Decimal.IsPositive():
			out = append(out, skipped(leg, "premium unavailable for stop-loss"))
			p.record(ctx, "skipped")
		default:
			out = append(out, place(ctx, gw, leg, plan, leg.Premium.Decimal))
			p.record(ctx, "placed")
		}
	}
	return out
}

func (p *Immediate) record(ctx context.Context, outcome string) {
	if p.recorder != nil {
		p.recorder.StopLossOutcome(ctx, outcome)
	}
}

package stoploss

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/optexec/internal/domain/schema"
)

type scriptedGateway struct {
	mu       sync.Mutex
	details  map[string][]schema.OrderDetail
	errs     map[string]int
	polls    map[string]int
	stopLoss []schema.OrderIntent
}

func newScripted() *scriptedGateway {
	return &scriptedGateway{
		details: make(map[string][]schema.OrderDetail),
		errs:    make(map[string]int),
		polls:   make(map[string]int),
	}
}

func (g *scriptedGateway) PlaceSell(context.Context, schema.OrderIntent) schema.OrderResult {
	return schema.OrderResult{}
}

func (g *scriptedGateway) PlaceStopLossBuy(_ context.Context, intent schema.OrderIntent) schema.OrderResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLoss = append(g.stopLoss, intent)
	return schema.OrderResult{OrderID: "SL-" + intent.SecurityID, Status: schema.OrderStatusPending}
}

func (g *scriptedGateway) Positions(context.Context) ([]schema.Position, error) { return nil, nil }

func (g *scriptedGateway) OrderDetail(_ context.Context, id string) (schema.OrderDetail, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls[id]++
	if g.errs[id] > 0 {
		g.errs[id]--
		return schema.OrderDetail{}, errors.New("rate limited")
	}
	queue := g.details[id]
	if len(queue) == 0 {
		return schema.OrderDetail{OrderID: id, Status: schema.OrderStatusTransit}, nil
	}
	next := queue[0]
	if len(queue) > 1 {
		g.details[id] = queue[1:]
	}
	return next, nil
}

func (g *scriptedGateway) SquareOffAll(context.Context) (schema.SquareOffResult, error) {
	return schema.SquareOffResult{}, nil
}

func filled(px string) schema.OrderDetail {
	return schema.OrderDetail{Status: schema.OrderStatusTraded, AveragePrice: decimal.NewNullDecimal(decimal.RequireFromString(px))}
}

func entryLeg(side schema.OptionSide, orderID string) schema.Leg {
	return schema.Leg{Side: side, Strike: 25000, SecurityID: "sec-" + string(side), Symbol: "NIFTY-25000-" + string(side), OrderID: orderID, Status: schema.OrderStatusTransit}
}

var plan = Plan{Quantity: 75, Segment: "NSE_FNO", StopLossPercent: decimal.NewFromInt(30)}

func TestTriggerPriceRoundsHalfUp(t *testing.T) {
	require.Equal(t, "130", TriggerPrice(decimal.NewFromInt(100), decimal.NewFromInt(30)).String())
	require.Equal(t, "131.63", TriggerPrice(decimal.RequireFromString("101.25"), decimal.NewFromInt(30)).String())
	// 0.125 * 1.0 sits exactly on the half and rounds away from zero
	require.Equal(t, "0.13", TriggerPrice(decimal.RequireFromString("0.125"), decimal.Zero).String())
}

func TestManagerPlacesAfterFill(t *testing.T) {
	gw := newScripted()
	gw.details["ce"] = []schema.OrderDetail{{Status: schema.OrderStatusTransit}, filled("100")}
	gw.details["pe"] = []schema.OrderDetail{filled("80.5")}
	m := NewManager(WithPolling(time.Millisecond, 20*time.Millisecond))

	out := m.Protect(context.Background(), gw, []schema.Leg{entryLeg(schema.SideCE, "ce"), entryLeg(schema.SidePE, "pe")}, plan)
	require.Len(t, out, 2)

	require.Equal(t, "SL-sec-CE", out[0].OrderID)
	require.Equal(t, "130", out[0].TriggerPrice.Decimal.String())
	require.Equal(t, "100", out[0].EntryPrice.Decimal.String())
	require.Equal(t, "104.65", out[1].TriggerPrice.Decimal.String())

	require.Len(t, gw.stopLoss, 2)
	require.Equal(t, "sl_ce", gw.stopLoss[0].Tag)
	require.Equal(t, "sl_pe", gw.stopLoss[1].Tag)
	require.Equal(t, int64(75), gw.stopLoss[0].Quantity)
	require.Equal(t, "NSE_FNO", gw.stopLoss[0].Segment)
}

func TestManagerTimesOutAfterBoundedPolls(t *testing.T) {
	gw := newScripted()
	m := NewManager(WithPolling(time.Millisecond, 5*time.Millisecond))
	require.Equal(t, 5, m.Attempts())

	out := m.Protect(context.Background(), gw, []schema.Leg{entryLeg(schema.SideCE, "ce")}, plan)
	require.Equal(t, schema.OrderStatusSkipped, out[0].Status)
	require.Contains(t, out[0].Message, "not filled within")
	require.Equal(t, 5, gw.polls["ce"])
	require.Empty(t, gw.stopLoss)
}

func TestManagerTerminalRejection(t *testing.T) {
	for _, status := range []schema.OrderStatus{schema.OrderStatusRejected, schema.OrderStatusCancelled, schema.OrderStatusFailed} {
		gw := newScripted()
		gw.details["ce"] = []schema.OrderDetail{{Status: status}}
		m := NewManager(WithPolling(time.Millisecond, 10*time.Millisecond))

		out := m.Protect(context.Background(), gw, []schema.Leg{entryLeg(schema.SideCE, "ce")}, plan)
		require.Equal(t, schema.OrderStatusSkipped, out[0].Status)
		require.Contains(t, out[0].Message, string(status))
		require.Equal(t, 1, gw.polls["ce"])
		require.Empty(t, gw.stopLoss)
	}
}

func TestManagerFillWithoutPriceIsSkipped(t *testing.T) {
	gw := newScripted()
	gw.details["ce"] = []schema.OrderDetail{{Status: "COMPLETE"}}
	m := NewManager(WithPolling(time.Millisecond, 10*time.Millisecond))

	out := m.Protect(context.Background(), gw, []schema.Leg{entryLeg(schema.SideCE, "ce")}, plan)
	require.Equal(t, schema.OrderStatusSkipped, out[0].Status)
	require.Contains(t, out[0].Message, "without an average price")
	require.Empty(t, gw.stopLoss)
}

func TestManagerKeepsPollingThroughDetailErrors(t *testing.T) {
	gw := newScripted()
	gw.errs["ce"] = 2
	gw.details["ce"] = []schema.OrderDetail{filled("50")}
	m := NewManager(WithPolling(time.Millisecond, 10*time.Millisecond))

	out := m.Protect(context.Background(), gw, []schema.Leg{entryLeg(schema.SideCE, "ce")}, plan)
	require.True(t, out[0].Placed())
	require.Equal(t, 3, gw.polls["ce"])
}

func TestManagerSkipsUnplacedLeg(t *testing.T) {
	gw := newScripted()
	m := NewManager(WithPolling(time.Millisecond, 10*time.Millisecond))

	out := m.Protect(context.Background(), gw, []schema.Leg{entryLeg(schema.SideCE, "")}, plan)
	require.Equal(t, schema.OrderStatusSkipped, out[0].Status)
	require.Zero(t, gw.polls[""])
}

func TestManagerStopsOnCancel(t *testing.T) {
	gw := newScripted()
	m := NewManager(WithPolling(time.Hour, 10*time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := m.Protect(ctx, gw, []schema.Leg{entryLeg(schema.SideCE, "ce")}, plan)
	require.Equal(t, schema.OrderStatusSkipped, out[0].Status)
	require.Contains(t, out[0].Message, "cancelled")
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *countingRecorder) StopLossOutcome(_ context.Context, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[outcome]++
}

func TestImmediateUsesPremium(t *testing.T) {
	gw := newScripted()
	rec := &countingRecorder{}
	p := NewImmediate(rec)

	ce := entryLeg(schema.SideCE, "PAPER-1")
	ce.Premium = decimal.NewNullDecimal(decimal.NewFromInt(120))
	pe := entryLeg(schema.SidePE, "PAPER-2")

	out := p.Protect(context.Background(), gw, []schema.Leg{ce, pe}, plan)
	require.Len(t, out, 2)
	require.Equal(t, "156", out[0].TriggerPrice.Decimal.String())
	require.Equal(t, schema.OrderStatusSkipped, out[1].Status)
	require.Contains(t, out[1].Message, "premium unavailable")
	require.Len(t, gw.stopLoss, 1)
	require.Zero(t, gw.polls["PAPER-1"])
	require.Equal(t, 1, rec.outcomes["placed"])
	require.Equal(t, 1, rec.outcomes["skipped"])
}

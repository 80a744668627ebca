// Package gateway places and inspects orders either at the brokerage or against the simulated ledger.
package gateway

import (
	"context"

	"github.com/coachpo/optexec/internal/domain/schema"
)

// OrderGateway is the single order-placement capability used by strategies, stop-loss and square-off.
type OrderGateway interface {
	// PlaceSell opens a short leg at market.
	PlaceSell(ctx context.Context, intent schema.OrderIntent) schema.OrderResult
	// PlaceStopLossBuy places a stop-loss market buy at intent.TriggerPrice.
	PlaceStopLossBuy(ctx context.Context, intent schema.OrderIntent) schema.OrderResult
	Positions(ctx context.Context) ([]schema.Position, error)
	OrderDetail(ctx context.Context, orderID string) (schema.OrderDetail, error)
	SquareOffAll(ctx context.Context) (schema.SquareOffResult, error)
}

// Broker is the brokerage wire capability. Payloads are decoded JSON documents.
type Broker interface {
	PlaceOrder(ctx context.Context, order schema.BrokerOrder) (any, error)
	OrderDetail(ctx context.Context, orderID string) (any, error)
	Orders(ctx context.Context) ([]map[string]any, error)
	CancelOrder(ctx context.Context, orderID string) (any, error)
	Positions(ctx context.Context) ([]map[string]any, error)
}

package schema

import (
	"strings"

	"github.com/shopspring/decimal"
)

// OrderStatus is the normalized order state reported by a gateway.
type OrderStatus string

const (
	OrderStatusTraded         OrderStatus = "TRADED"
	OrderStatusPending        OrderStatus = "PENDING"
	OrderStatusTransit        OrderStatus = "TRANSIT"
	OrderStatusTriggerPending OrderStatus = "TRIGGER_PENDING"
	OrderStatusRejected       OrderStatus = "REJECTED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusFailed         OrderStatus = "FAILED"
	OrderStatusSkipped        OrderStatus = "SKIPPED"
	OrderStatusUnknown        OrderStatus = "UNKNOWN"
)

// NormalizeOrderStatus upper-cases and trims a venue status string.
func NormalizeOrderStatus(raw string) OrderStatus {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return OrderStatusUnknown
	}
	return OrderStatus(trimmed)
}

// IsFilled reports whether the status denotes a completed fill.
func (s OrderStatus) IsFilled() bool {
	switch s {
	case OrderStatusTraded, "FILLED", "COMPLETE":
		return true
	default:
		return false
	}
}

// IsTerminalFailure reports whether the order can no longer fill.
func (s OrderStatus) IsTerminalFailure() bool {
	switch s {
	case OrderStatusRejected, OrderStatusCancelled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// IsWorking reports whether the order still rests at the venue and may be cancelled.
func (s OrderStatus) IsWorking() bool {
	switch s {
	case OrderStatusPending, OrderStatusTransit, OrderStatusTriggerPending:
		return true
	default:
		return false
	}
}

// TransactionSide is the direction of an order.
type TransactionSide string

const (
	TransactionBuy  TransactionSide = "BUY"
	TransactionSell TransactionSide = "SELL"
)

// OrderKind distinguishes plain market orders from stop-loss market orders.
type OrderKind string

const (
	OrderKindMarket         OrderKind = "MARKET"
	OrderKindStopLossMarket OrderKind = "STOP_LOSS_MARKET"
)

// OrderIntent describes a single order a gateway should place.
type OrderIntent struct {
	SecurityID string
	Segment    string
	Symbol     string
	Quantity   int64
	Tag        string
	// ReferencePrice is the premium observed when the order was decided; simulated fills use it.
	ReferencePrice decimal.NullDecimal
	TriggerPrice   decimal.Decimal
}

// BrokerOrder is the venue-level order submission built by the live gateway.
type BrokerOrder struct {
	SecurityID  string
	Segment     string
	Side        TransactionSide
	Kind        OrderKind
	Quantity    int64
	Price       decimal.Decimal
	Trigger     decimal.Decimal
	ProductType string
	Tag         string
}

// OrderResult is the normalized outcome of an order placement.
type OrderResult struct {
	OrderID string      `json:"orderId,omitempty"`
	Status  OrderStatus `json:"status"`
	Message string      `json:"message"`
}

// Placed reports whether the venue acknowledged the order with an id.
func (r OrderResult) Placed() bool {
	return strings.TrimSpace(r.OrderID) != ""
}

// OrderDetail is the normalized view of an order's state at the venue.
type OrderDetail struct {
	OrderID      string              `json:"orderId"`
	Status       OrderStatus         `json:"status"`
	AveragePrice decimal.NullDecimal `json:"averagePrice"`
	Raw          map[string]any      `json:"-"`
}

// Position is the normalized view of an open position, live or simulated.
type Position struct {
	SecurityID    string          `json:"securityId"`
	Symbol        string          `json:"symbol"`
	OptionType    string          `json:"optionType"`
	Strike        decimal.Decimal `json:"strike"`
	Quantity      int64           `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"averagePrice"`
	LastPrice     decimal.Decimal `json:"ltp"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	ProductType   string          `json:"productType"`
	Segment       string          `json:"exchangeSegment"`
	Simulated     bool            `json:"isPaper"`
}

// PnL returns realized plus unrealized profit.
func (p Position) PnL() decimal.Decimal {
	return p.RealizedPnL.Add(p.UnrealizedPnL)
}

// SquareOffResult summarises a close-everything pass.
type SquareOffResult struct {
	Cancelled  int           `json:"cancelled"`
	SquaredOff int           `json:"squaredOff"`
	Orders     []OrderResult `json:"orders,omitempty"`
}

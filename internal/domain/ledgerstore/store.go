// Package ledgerstore defines persistence contracts for the simulated trading ledger.
package ledgerstore

import (
	"context"

	"github.com/shopspring/decimal"
)

// Position is a simulated position held for one trading day. Negative Quantity is net short.
type Position struct {
	SecurityID    string          `json:"securityId"`
	Symbol        string          `json:"tradingSymbol"`
	Segment       string          `json:"exchangeSegment"`
	Quantity      int64           `json:"netQty"`
	SellQuantity  int64           `json:"sellQty"`
	BuyQuantity   int64           `json:"buyQty"`
	CostPrice     decimal.Decimal `json:"costPrice"`
	SellAverage   decimal.Decimal `json:"sellAvg"`
	LastPrice     decimal.Decimal `json:"ltp"`
	RealizedPnL   decimal.Decimal `json:"realizedProfit"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedProfit"`
	ProductType   string          `json:"productType"`
	UpdatedAt     int64           `json:"updatedAt"`
}

// Order is a simulated order recorded in the ledger.
type Order struct {
	OrderID      string          `json:"orderId"`
	SecurityID   string          `json:"securityId"`
	Symbol       string          `json:"tradingSymbol"`
	Segment      string          `json:"exchangeSegment"`
	Side         string          `json:"transactionType"`
	OrderType    string          `json:"orderType"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"triggerPrice"`
	Status       string          `json:"orderStatus"`
	Tag          string          `json:"correlationId"`
	PlacedAt     int64           `json:"placedAt"`
}

// Record is the complete ledger document of one user for one trading day.
type Record struct {
	DayKey    string     `json:"dayKey"`
	Positions []Position `json:"positions"`
	Orders    []Order    `json:"orders"`
}

// DailySummary is the end-of-day P&L snapshot written at auto square-off.
type DailySummary struct {
	UserID    string          `json:"userId"`
	DayKey    string          `json:"dayKey"`
	Positions []Position      `json:"positions"`
	TotalPnL  decimal.Decimal `json:"totalPnl"`
	Orders    int             `json:"orders"`
	CreatedAt int64           `json:"createdAt"`
}

// Store defines the contract for ledger persistence operations.
type Store interface {
	// Load returns the stored record and whether one existed.
	Load(ctx context.Context, userID string) (Record, bool, error)
	Save(ctx context.Context, userID string, record Record) error
	Delete(ctx context.Context, userID string) error
	SaveSummary(ctx context.Context, summary DailySummary) error
	ListSummaries(ctx context.Context, userID string, limit int) ([]DailySummary, error)
}

package dhan

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/app/gateway"
	"github.com/coachpo/optexec/internal/domain/schema"
)

// Broker implements gateway.Broker over the orders and positions endpoints.
type Broker struct {
	client *Client
}

var _ gateway.Broker = (*Broker)(nil)

type orderRequest struct {
	DhanClientID      string  `json:"dhanClientId"`
	CorrelationID     string  `json:"correlationId,omitempty"`
	TransactionType   string  `json:"transactionType"`
	ExchangeSegment   string  `json:"exchangeSegment"`
	ProductType       string  `json:"productType"`
	OrderType         string  `json:"orderType"`
	Validity          string  `json:"validity"`
	SecurityID        string  `json:"securityId"`
	Quantity          int64   `json:"quantity"`
	DisclosedQuantity int64   `json:"disclosedQuantity"`
	Price             float64 `json:"price"`
	TriggerPrice      float64 `json:"triggerPrice"`
	AfterMarketOrder  bool    `json:"afterMarketOrder"`
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

// PlaceOrder submits a day order.
func (b *Broker) PlaceOrder(ctx context.Context, order schema.BrokerOrder) (any, error) {
	if strings.TrimSpace(order.SecurityID) == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("security id required"))
	}
	if order.Quantity <= 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	req := orderRequest{
		DhanClientID:    b.client.creds.ClientID,
		CorrelationID:   order.Tag,
		TransactionType: string(order.Side),
		ExchangeSegment: order.Segment,
		ProductType:     order.ProductType,
		OrderType:       string(order.Kind),
		Validity:        "DAY",
		SecurityID:      order.SecurityID,
		Quantity:        order.Quantity,
		Price:           toFloat(order.Price),
		TriggerPrice:    toFloat(order.Trigger),
	}
	return b.client.do(ctx, http.MethodPost, "/orders", req)
}

// OrderDetail fetches one order.
func (b *Broker) OrderDetail(ctx context.Context, orderID string) (any, error) {
	return b.client.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(strings.TrimSpace(orderID)), nil)
}

// Orders lists today's orders.
func (b *Broker) Orders(ctx context.Context) ([]map[string]any, error) {
	payload, err := b.client.do(ctx, http.MethodGet, "/orders", nil)
	if err != nil {
		return nil, err
	}
	return rows(payload), nil
}

// CancelOrder cancels a working order.
func (b *Broker) CancelOrder(ctx context.Context, orderID string) (any, error) {
	return b.client.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(strings.TrimSpace(orderID)), nil)
}

// Positions lists the account's positions.
func (b *Broker) Positions(ctx context.Context) ([]map[string]any, error) {
	payload, err := b.client.do(ctx, http.MethodGet, "/positions", nil)
	if err != nil {
		return nil, err
	}
	return rows(payload), nil
}

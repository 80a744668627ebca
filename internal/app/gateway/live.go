package gateway

import (
	"context"
	"io"
	"log"
	"strings"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/domain/schema"
)

const (
	productIntraday = "INTRADAY"
	squareOffTag    = "squareoff"
)

// Live routes orders to the brokerage.
type Live struct {
	broker Broker
	logger *log.Logger
}

var _ OrderGateway = (*Live)(nil)

// NewLive constructs a live gateway over broker.
func NewLive(broker Broker, logger *log.Logger) *Live {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Live{broker: broker, logger: logger}
}

// PlaceSell submits a tagged intraday market sell.
func (g *Live) PlaceSell(ctx context.Context, intent schema.OrderIntent) schema.OrderResult {
	return g.place(ctx, schema.BrokerOrder{
		SecurityID:  intent.SecurityID,
		Segment:     intent.Segment,
		Side:        schema.TransactionSell,
		Kind:        schema.OrderKindMarket,
		Quantity:    intent.Quantity,
		ProductType: productIntraday,
		Tag:         intent.Tag,
	})
}

// PlaceStopLossBuy submits a tagged stop-loss market buy.
func (g *Live) PlaceStopLossBuy(ctx context.Context, intent schema.OrderIntent) schema.OrderResult {
	return g.place(ctx, schema.BrokerOrder{
		SecurityID:  intent.SecurityID,
		Segment:     intent.Segment,
		Side:        schema.TransactionBuy,
		Kind:        schema.OrderKindStopLossMarket,
		Quantity:    intent.Quantity,
		Trigger:     intent.TriggerPrice,
		ProductType: productIntraday,
		Tag:         intent.Tag,
	})
}

func (g *Live) place(ctx context.Context, order schema.BrokerOrder) schema.OrderResult {
	payload, err := g.broker.PlaceOrder(ctx, order)
	if err != nil {
		g.logger.Printf("gateway: place failed side=%s security=%s tag=%s err=%v", order.Side, order.SecurityID, order.Tag, err)
		result := schema.OrderResult{Status: schema.OrderStatusFailed, Message: errs.Message(err)}
		if payload != nil {
			normalized := NormalizeOrderResult(payload)
			if normalized.Message != "" {
				result.Message = normalized.Message
			}
		}
		return result
	}
	result := NormalizeOrderResult(payload)
	g.logger.Printf("gateway: placed side=%s security=%s qty=%d tag=%s order=%s status=%s",
		order.Side, order.SecurityID, order.Quantity, order.Tag, result.OrderID, result.Status)
	return result
}

// OrderDetail fetches and normalizes an order's venue state.
func (g *Live) OrderDetail(ctx context.Context, orderID string) (schema.OrderDetail, error) {
	payload, err := g.broker.OrderDetail(ctx, orderID)
	if err != nil {
		return schema.OrderDetail{}, errs.Upstream("gateway", "order detail", err)
	}
	detail := NormalizeOrderDetail(payload)
	if detail.OrderID == "" {
		detail.OrderID = orderID
	}
	return detail, nil
}

// Positions lists the account's brokerage positions.
func (g *Live) Positions(ctx context.Context) ([]schema.Position, error) {
	rows, err := g.broker.Positions(ctx)
	if err != nil {
		return nil, errs.Upstream("gateway", "positions", err)
	}
	out := make([]schema.Position, 0, len(rows))
	for _, row := range rows {
		out = append(out, positionFromBroker(row))
	}
	return out, nil
}

// SquareOffAll cancels every working order then flattens every open position at market.
func (g *Live) SquareOffAll(ctx context.Context) (schema.SquareOffResult, error) {
	var result schema.SquareOffResult

	orders, err := g.broker.Orders(ctx)
	if err != nil {
		return result, errs.Upstream("gateway", "list orders", err)
	}
	for _, order := range orders {
		status := schema.NormalizeOrderStatus(firstString(order, statusCandidates))
		if !status.IsWorking() {
			continue
		}
		id := firstString(order, orderIDCandidates)
		if id == "" {
			continue
		}
		if _, err := g.broker.CancelOrder(ctx, id); err != nil {
			g.logger.Printf("gateway: cancel failed order=%s err=%v", id, err)
			continue
		}
		result.Cancelled++
	}

	positions, err := g.broker.Positions(ctx)
	if err != nil {
		return result, errs.Upstream("gateway", "positions", err)
	}
	for _, row := range positions {
		pos := positionFromBroker(row)
		if pos.Quantity == 0 {
			continue
		}
		side := schema.TransactionBuy
		qty := -pos.Quantity
		if pos.Quantity > 0 {
			side = schema.TransactionSell
			qty = pos.Quantity
		}
		product := pos.ProductType
		if product == "" {
			product = productIntraday
		}
		placed := g.place(ctx, schema.BrokerOrder{
			SecurityID:  pos.SecurityID,
			Segment:     pos.Segment,
			Side:        side,
			Kind:        schema.OrderKindMarket,
			Quantity:    qty,
			ProductType: product,
			Tag:         squareOffTag,
		})
		result.Orders = append(result.Orders, placed)
		if placed.Placed() {
			result.SquaredOff++
		}
	}
	return result, nil
}

func positionFromBroker(row map[string]any) schema.Position {
	symbol := firstString(row, []string{"tradingSymbol", "symbol"})
	optionType := strings.ToUpper(firstString(row, []string{"drvOptionType", "optionType"}))
	pos := schema.Position{
		SecurityID:    firstString(row, []string{"securityId", "security_id"}),
		Symbol:        symbol,
		OptionType:    optionType,
		Strike:        decimalOrZero(row, "drvStrikePrice"),
		Quantity:      intAt(row, "netQty"),
		AveragePrice:  decimalOrZero(row, "costPrice"),
		LastPrice:     decimalOrZero(row, "ltp"),
		RealizedPnL:   decimalOrZero(row, "realizedProfit"),
		UnrealizedPnL: decimalOrZero(row, "unrealizedProfit"),
		ProductType:   firstString(row, []string{"productType"}),
		Segment:       firstString(row, []string{"exchangeSegment"}),
	}
	if pos.OptionType == "" || pos.Strike.IsZero() {
		side, strike := parseSymbol(symbol)
		if pos.OptionType == "" {
			pos.OptionType = side
		}
		if pos.Strike.IsZero() {
			pos.Strike = strike
		}
	}
	return pos
}

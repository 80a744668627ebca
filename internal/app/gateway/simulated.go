package gateway

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/app/ledger"
	"github.com/coachpo/optexec/internal/domain/ledgerstore"
	"github.com/coachpo/optexec/internal/domain/schema"
)

const (
	paperPrefix         = "PAPER-"
	paperStopLossPrefix = "PAPER-SL-"
	paperOrderTypeSLM   = "SL-M"
)

// Simulated fills orders against one user's paper ledger.
type Simulated struct {
	ledger *ledger.Ledger
	userID string
	newID  func() string
}

var _ OrderGateway = (*Simulated)(nil)

// NewSimulated constructs a simulated gateway bound to userID.
func NewSimulated(l *ledger.Ledger, userID string) *Simulated {
	return &Simulated{ledger: l, userID: userID, newID: shortID}
}

func shortID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:8])
}

// PlaceSell records an immediate fill at the intent's reference premium.
func (g *Simulated) PlaceSell(ctx context.Context, intent schema.OrderIntent) schema.OrderResult {
	price := decimal.Zero
	if intent.ReferencePrice.Valid {
		price = intent.ReferencePrice.Decimal
	}
	order := ledgerstore.Order{
		OrderID:    paperPrefix + g.newID(),
		SecurityID: intent.SecurityID,
		Symbol:     intent.Symbol,
		Segment:    intent.Segment,
		Side:       string(schema.TransactionSell),
		OrderType:  string(schema.OrderKindMarket),
		Quantity:   intent.Quantity,
		Price:      price,
		Status:     string(schema.OrderStatusTraded),
		Tag:        intent.Tag,
	}
	if err := g.ledger.RecordSell(ctx, g.userID, order); err != nil {
		return schema.OrderResult{Status: schema.OrderStatusFailed, Message: errs.Message(err)}
	}
	return schema.OrderResult{OrderID: order.OrderID, Status: schema.OrderStatusTraded, Message: "paper order filled"}
}

// PlaceStopLossBuy records a pending stop-loss order.
func (g *Simulated) PlaceStopLossBuy(ctx context.Context, intent schema.OrderIntent) schema.OrderResult {
	order := ledgerstore.Order{
		OrderID:      paperStopLossPrefix + g.newID(),
		SecurityID:   intent.SecurityID,
		Symbol:       intent.Symbol,
		Segment:      intent.Segment,
		Side:         string(schema.TransactionBuy),
		OrderType:    paperOrderTypeSLM,
		Quantity:     intent.Quantity,
		TriggerPrice: intent.TriggerPrice,
		Status:       string(schema.OrderStatusPending),
		Tag:          intent.Tag,
	}
	if err := g.ledger.RecordOrder(ctx, g.userID, order); err != nil {
		return schema.OrderResult{Status: schema.OrderStatusFailed, Message: errs.Message(err)}
	}
	return schema.OrderResult{OrderID: order.OrderID, Status: schema.OrderStatusPending, Message: "paper stop-loss placed"}
}

// Positions returns the user's paper positions.
func (g *Simulated) Positions(ctx context.Context) ([]schema.Position, error) {
	rows, err := g.ledger.Positions(ctx, g.userID)
	if err != nil {
		return nil, err
	}
	return PaperPositions(rows), nil
}

// OrderDetail looks an order up in today's ledger.
func (g *Simulated) OrderDetail(ctx context.Context, orderID string) (schema.OrderDetail, error) {
	orders, err := g.ledger.Orders(ctx, g.userID)
	if err != nil {
		return schema.OrderDetail{}, err
	}
	for _, order := range orders {
		if order.OrderID != orderID {
			continue
		}
		detail := schema.OrderDetail{OrderID: order.OrderID, Status: schema.NormalizeOrderStatus(order.Status)}
		if order.Price.IsPositive() {
			detail.AveragePrice = decimal.NewNullDecimal(order.Price)
		}
		return detail, nil
	}
	return schema.OrderDetail{}, errs.New("gateway", errs.CodeNotFound,
		errs.WithMessage("paper order not found"), errs.WithField("order", orderID))
}

// SquareOffAll clears the user's paper positions.
func (g *Simulated) SquareOffAll(ctx context.Context) (schema.SquareOffResult, error) {
	closed, err := g.ledger.SquareOff(ctx, g.userID)
	if err != nil {
		return schema.SquareOffResult{}, err
	}
	return schema.SquareOffResult{SquaredOff: closed}, nil
}

// PaperPositions converts ledger rows to the shared position view.
func PaperPositions(rows []ledgerstore.Position) []schema.Position {
	out := make([]schema.Position, 0, len(rows))
	for _, row := range rows {
		side, strike := parseSymbol(row.Symbol)
		out = append(out, schema.Position{
			SecurityID:    row.SecurityID,
			Symbol:        row.Symbol,
			OptionType:    side,
			Strike:        strike,
			Quantity:      row.Quantity,
			AveragePrice:  row.CostPrice,
			LastPrice:     row.LastPrice,
			RealizedPnL:   row.RealizedPnL,
			UnrealizedPnL: row.UnrealizedPnL,
			ProductType:   row.ProductType,
			Segment:       row.Segment,
			Simulated:     true,
		})
	}
	return out
}

// parseSymbol extracts option type and strike from symbols like NIFTY-Oct2026-25000-CE.
func parseSymbol(symbol string) (string, decimal.Decimal) {
	parts := strings.FieldsFunc(strings.ToUpper(symbol), func(r rune) bool { return r == '-' || r == ' ' })
	if len(parts) < 2 {
		return "", decimal.Zero
	}
	side := parts[len(parts)-1]
	if side != string(schema.SideCE) && side != string(schema.SidePE) {
		return "", decimal.Zero
	}
	strike, err := decimal.NewFromString(parts[len(parts)-2])
	if err != nil {
		return side, decimal.Zero
	}
	return side, strike
}

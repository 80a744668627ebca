package gateway

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/optexec/internal/domain/schema"
)

// A candidate is a dotted path into a decoded JSON object.
var (
	orderIDCandidates = []string{"orderId", "order_id", "data.orderId", "data.order_id"}
	statusCandidates  = []string{"orderStatus", "status", "data.orderStatus"}
	messageCandidates = []string{"remarks", "message", "errorMessage"}
	avgPriceFields    = []string{"averageTradedPrice", "avgPrice", "price"}
)

// NormalizeOrderResult reduces a placement payload to {order id, status, message}.
// Non-object payloads carry no id and are stringified into the message.
func NormalizeOrderResult(payload any) schema.OrderResult {
	obj, ok := payload.(map[string]any)
	if !ok {
		return schema.OrderResult{Status: schema.OrderStatusUnknown, Message: stringify(payload)}
	}
	return schema.OrderResult{
		OrderID: firstString(obj, orderIDCandidates),
		Status:  schema.NormalizeOrderStatus(firstString(obj, statusCandidates)),
		Message: firstMessage(obj),
	}
}

// NormalizeOrderDetail reduces an order-detail payload. A list payload yields its first element
// and a "data" object is unwrapped.
func NormalizeOrderDetail(payload any) schema.OrderDetail {
	obj := unwrapDetail(payload)
	if obj == nil {
		return schema.OrderDetail{Status: schema.OrderStatusUnknown}
	}
	detail := schema.OrderDetail{
		OrderID: firstString(obj, orderIDCandidates),
		Status:  schema.NormalizeOrderStatus(firstString(obj, statusCandidates)),
		Raw:     obj,
	}
	for _, field := range avgPriceFields {
		if px, ok := decimalAt(obj, field); ok && !px.IsZero() {
			detail.AveragePrice = decimal.NewNullDecimal(px)
			break
		}
	}
	return detail
}

func unwrapDetail(payload any) map[string]any {
	switch v := payload.(type) {
	case []any:
		if len(v) == 0 {
			return nil
		}
		return unwrapDetail(v[0])
	case []map[string]any:
		if len(v) == 0 {
			return nil
		}
		return v[0]
	case map[string]any:
		if inner, ok := v["data"]; ok {
			if _, hasID := v["orderId"]; !hasID {
				if unwrapped := unwrapDetail(inner); unwrapped != nil {
					return unwrapped
				}
			}
		}
		return v
	default:
		return nil
	}
}

func lookup(obj map[string]any, path string) (any, bool) {
	var current any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}

func firstString(obj map[string]any, candidates []string) string {
	for _, path := range candidates {
		v, ok := lookup(obj, path)
		if !ok {
			continue
		}
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return ""
}

func firstMessage(obj map[string]any) string {
	for _, path := range messageCandidates {
		v, ok := lookup(obj, path)
		if !ok {
			continue
		}
		if nested, isObj := v.(map[string]any); isObj {
			if s := firstString(nested, []string{"error_message", "message"}); s != "" {
				return s
			}
			return stringify(nested)
		}
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

func decimalAt(obj map[string]any, path string) (decimal.Decimal, bool) {
	v, ok := lookup(obj, path)
	if !ok {
		return decimal.Zero, false
	}
	return toDecimal(v)
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func intAt(obj map[string]any, path string) int64 {
	d, ok := decimalAt(obj, path)
	if !ok {
		return 0
	}
	return d.IntPart()
}

func decimalOrZero(obj map[string]any, path string) decimal.Decimal {
	d, _ := decimalAt(obj, path)
	return d
}

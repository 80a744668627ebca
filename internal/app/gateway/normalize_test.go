package gateway

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/optexec/internal/domain/schema"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var out any
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func TestNormalizeOrderResultCandidates(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    schema.OrderResult
	}{
		{
			name:    "top level camel case",
			payload: `{"orderId":"112","orderStatus":"transit","remarks":"ok"}`,
			want:    schema.OrderResult{OrderID: "112", Status: schema.OrderStatusTransit, Message: "ok"},
		},
		{
			name:    "snake case id and plain status",
			payload: `{"order_id":"9","status":"PENDING","message":"queued"}`,
			want:    schema.OrderResult{OrderID: "9", Status: schema.OrderStatusPending, Message: "queued"},
		},
		{
			name:    "nested data",
			payload: `{"data":{"orderId":"77","orderStatus":"TRADED"}}`,
			want:    schema.OrderResult{OrderID: "77", Status: schema.OrderStatusTraded},
		},
		{
			name:    "numeric id",
			payload: `{"orderId":5521,"status":"traded"}`,
			want:    schema.OrderResult{OrderID: "5521", Status: schema.OrderStatusTraded},
		},
		{
			name:    "earlier candidate wins",
			payload: `{"orderId":"a","order_id":"b","data":{"orderId":"c"},"remarks":"first","message":"second"}`,
			want:    schema.OrderResult{OrderID: "a", Status: schema.OrderStatusUnknown, Message: "first"},
		},
		{
			name:    "error object message",
			payload: `{"status":"failure","errorMessage":{"error_code":"DH-905","error_message":"Missing required fields"}}`,
			want:    schema.OrderResult{Status: "FAILURE", Message: "Missing required fields"},
		},
		{
			name:    "error object without message stringifies",
			payload: `{"status":"failure","errorMessage":{"error_code":"DH-905"}}`,
			want:    schema.OrderResult{Status: "FAILURE", Message: `{"error_code":"DH-905"}`},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, NormalizeOrderResult(decode(t, tc.payload)))
		})
	}
}

func TestNormalizeOrderResultNonObject(t *testing.T) {
	got := NormalizeOrderResult("gateway timeout")
	require.False(t, got.Placed())
	require.Equal(t, schema.OrderStatusUnknown, got.Status)
	require.Equal(t, "gateway timeout", got.Message)

	got = NormalizeOrderResult(decode(t, `[1,2]`))
	require.Equal(t, "[1,2]", got.Message)

	got = NormalizeOrderResult(nil)
	require.Equal(t, "", got.Message)
}

func TestNormalizeOrderDetailAveragePriceFallbacks(t *testing.T) {
	detail := NormalizeOrderDetail(decode(t, `[{"orderId":"1","orderStatus":"TRADED","averageTradedPrice":0,"avgPrice":"101.5","price":99}]`))
	require.Equal(t, "1", detail.OrderID)
	require.True(t, detail.Status.IsFilled())
	require.True(t, detail.AveragePrice.Valid)
	require.Equal(t, "101.5", detail.AveragePrice.Decimal.String())

	detail = NormalizeOrderDetail(decode(t, `{"data":{"orderId":"2","orderStatus":"complete","price":88.25}}`))
	require.Equal(t, "2", detail.OrderID)
	require.Equal(t, schema.OrderStatus("COMPLETE"), detail.Status)
	require.Equal(t, "88.25", detail.AveragePrice.Decimal.String())

	detail = NormalizeOrderDetail(decode(t, `{"orderId":"3","orderStatus":"TRADED"}`))
	require.False(t, detail.AveragePrice.Valid)

	detail = NormalizeOrderDetail(decode(t, `[]`))
	require.Equal(t, schema.OrderStatusUnknown, detail.Status)
}

func TestParseSymbol(t *testing.T) {
	side, strike := parseSymbol("NIFTY-Oct2026-25000-CE")
	require.Equal(t, "CE", side)
	require.Equal(t, "25000", strike.String())

	side, strike = parseSymbol("SENSEX 16 OCT 81500 PE")
	require.Equal(t, "PE", side)
	require.Equal(t, "81500", strike.String())

	side, _ = parseSymbol("RELIANCE")
	require.Equal(t, "", side)
}

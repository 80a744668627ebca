package dhan

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/app/gateway"
	"github.com/coachpo/optexec/internal/domain/schema"
)

var creds = schema.Credentials{ClientID: "1000001", AccessToken: "token-abc"}

var nifty = schema.IndexSpec{Index: schema.IndexNifty, LotSize: 75, StrikeGap: 50, Segment: "NSE_FNO", UnderlyingSecurityID: "13", SymbolPrefix: "NIFTY"}

type recorded struct {
	method string
	path   string
	body   map[string]any
	token  string
	client string
}

type venue struct {
	mu       sync.Mutex
	requests []recorded
	handler  func(w http.ResponseWriter, r recorded)
}

func (v *venue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	rec := recorded{method: r.Method, path: r.URL.Path, token: r.Header.Get("access-token"), client: r.Header.Get("client-id")}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &rec.body)
	}
	v.mu.Lock()
	v.requests = append(v.requests, rec)
	v.mu.Unlock()
	v.handler(w, rec)
}

func (v *venue) calls() []recorded {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]recorded(nil), v.requests...)
}

func newVenue(t *testing.T, handler func(w http.ResponseWriter, r recorded)) (*venue, *Factory) {
	t.Helper()
	v := &venue{handler: handler}
	srv := httptest.NewServer(v)
	t.Cleanup(srv.Close)
	factory := NewFactory(Options{
		BaseURL:         srv.URL + "/",
		QuoteAttempts:   3,
		QuoteRetryDelay: time.Millisecond,
	}, nil)
	return v, factory
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestFactoryRequiresCredentials(t *testing.T) {
	factory := NewFactory(Options{}, nil)
	_, err := factory.Broker(schema.Credentials{ClientID: "1"})
	require.True(t, errs.Is(err, errs.CodeValidation))
	_, err = factory.Quotes(schema.Credentials{})
	require.True(t, errs.Is(err, errs.CodeValidation))
}

func TestPlaceOrderSendsDayOrderWithHeaders(t *testing.T) {
	v, factory := newVenue(t, func(w http.ResponseWriter, _ recorded) {
		writeJSON(w, http.StatusOK, `{"orderId":"112111182198","orderStatus":"PENDING"}`)
	})
	broker, err := factory.Broker(creds)
	require.NoError(t, err)

	payload, err := broker.PlaceOrder(context.Background(), schema.BrokerOrder{
		SecurityID:  "43512",
		Segment:     "NSE_FNO",
		Side:        schema.TransactionBuy,
		Kind:        schema.OrderKindStopLossMarket,
		Quantity:    75,
		Trigger:     decimal.RequireFromString("156.456"),
		ProductType: "INTRADAY",
		Tag:         "sl_ce",
	})
	require.NoError(t, err)
	result := gateway.NormalizeOrderResult(payload)
	require.Equal(t, "112111182198", result.OrderID)

	calls := v.calls()
	require.Len(t, calls, 1)
	call := calls[0]
	require.Equal(t, http.MethodPost, call.method)
	require.Equal(t, "/orders", call.path)
	require.Equal(t, "token-abc", call.token)
	require.Equal(t, "1000001", call.client)
	require.Equal(t, "1000001", call.body["dhanClientId"])
	require.Equal(t, "BUY", call.body["transactionType"])
	require.Equal(t, "STOP_LOSS_MARKET", call.body["orderType"])
	require.Equal(t, "DAY", call.body["validity"])
	require.Equal(t, "sl_ce", call.body["correlationId"])
	require.InDelta(t, 156.46, call.body["triggerPrice"], 1e-9)
	require.InDelta(t, 75, call.body["quantity"], 1e-9)
}

func TestPlaceOrderRejectionKeepsPayload(t *testing.T) {
	_, factory := newVenue(t, func(w http.ResponseWriter, _ recorded) {
		writeJSON(w, http.StatusBadRequest, `{"errorType":"Order_Error","errorCode":"DH-906","errorMessage":"Insufficient margin"}`)
	})
	broker, err := factory.Broker(creds)
	require.NoError(t, err)

	live := gateway.NewLive(broker, nil)
	result := live.PlaceSell(context.Background(), schema.OrderIntent{SecurityID: "43512", Segment: "NSE_FNO", Quantity: 75, Tag: "straddle_ce"})
	require.False(t, result.Placed())
	require.Equal(t, schema.OrderStatusFailed, result.Status)
	require.Equal(t, "Insufficient margin", result.Message)
}

func TestOrdersAndPositionsUnwrapDataEnvelope(t *testing.T) {
	v, factory := newVenue(t, func(w http.ResponseWriter, r recorded) {
		switch {
		case r.method == http.MethodGet && r.path == "/orders":
			writeJSON(w, http.StatusOK, `[{"orderId":"1","orderStatus":"TRIGGER_PENDING"},{"orderId":"2","orderStatus":"TRADED"}]`)
		case r.method == http.MethodDelete:
			writeJSON(w, http.StatusOK, `{"orderId":"1","orderStatus":"CANCELLED"}`)
		case r.path == "/positions":
			writeJSON(w, http.StatusOK, `{"data":[{"securityId":"43512","tradingSymbol":"NIFTY-Dec2024-24000-CE","netQty":-75,"exchangeSegment":"NSE_FNO","productType":"INTRADAY","costPrice":120.5}]}`)
		default:
			writeJSON(w, http.StatusOK, `{"orderId":"9","orderStatus":"TRANSIT"}`)
		}
	})
	broker, err := factory.Broker(creds)
	require.NoError(t, err)

	out, err := gateway.NewLive(broker, nil).SquareOffAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.Cancelled)
	require.Equal(t, 1, out.SquaredOff)

	var squareOff *recorded
	for _, call := range v.calls() {
		if call.method == http.MethodPost && call.path == "/orders" {
			squareOff = &call
		}
	}
	require.NotNil(t, squareOff)
	require.Equal(t, "BUY", squareOff.body["transactionType"])
	require.Equal(t, "MARKET", squareOff.body["orderType"])
	require.InDelta(t, 75, squareOff.body["quantity"], 1e-9)
	require.Contains(t, pathsOf(v.calls()), "/orders/1")
}

func pathsOf(calls []recorded) []string {
	out := make([]string, 0, len(calls))
	for _, call := range calls {
		out = append(out, call.path)
	}
	return out
}

func TestSpotPriceReadsNestedQuote(t *testing.T) {
	v, factory := newVenue(t, func(w http.ResponseWriter, _ recorded) {
		writeJSON(w, http.StatusOK, `{"status":"success","data":{"data":{"IDX_I":{"13":{"last_price":24012.35}}},"status":"success"}}`)
	})
	quotes, err := factory.Quotes(creds)
	require.NoError(t, err)

	spot, err := quotes.SpotPrice(context.Background(), nifty)
	require.NoError(t, err)
	require.True(t, decimal.RequireFromString("24012.35").Equal(spot))

	calls := v.calls()
	require.Equal(t, "/marketfeed/ltp", calls[0].path)
	require.Contains(t, calls[0].body, "IDX_I")
}

func TestSpotPriceMissingIsDataError(t *testing.T) {
	_, factory := newVenue(t, func(w http.ResponseWriter, _ recorded) {
		writeJSON(w, http.StatusOK, `{"data":{"IDX_I":{}}}`)
	})
	quotes, err := factory.Quotes(creds)
	require.NoError(t, err)

	_, err = quotes.SpotPrice(context.Background(), nifty)
	require.True(t, errs.Is(err, errs.CodeData))
}

func TestBatchLastPriceRetriesThenFallsBackPerID(t *testing.T) {
	var mu sync.Mutex
	batchCalls := 0
	_, factory := newVenue(t, func(w http.ResponseWriter, r recorded) {
		ids, _ := r.body["NSE_FNO"].([]any)
		if len(ids) > 1 {
			mu.Lock()
			batchCalls++
			n := batchCalls
			mu.Unlock()
			if n == 1 {
				writeJSON(w, http.StatusTooManyRequests, `{"errorMessage":"slow down"}`)
				return
			}
			writeJSON(w, http.StatusOK, `{"data":{"data":{"NSE_FNO":{"101":{"LTP":"110.5"},"102":{"last_price":0}}}}}`)
			return
		}
		if id, _ := ids[0].(float64); id == 102 {
			writeJSON(w, http.StatusOK, `{"data":{"NSE_FNO":{"102":{"ltp":98.25}}}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"data":{"NSE_FNO":{}}}`)
	})
	quotes, err := factory.Quotes(creds)
	require.NoError(t, err)

	prices, err := quotes.BatchLastPrice(context.Background(), "NSE_FNO", []string{"101", "102", "103"})
	require.NoError(t, err)
	require.Equal(t, 3, batchCalls)
	require.True(t, decimal.RequireFromString("110.5").Equal(prices["101"]))
	require.True(t, decimal.RequireFromString("98.25").Equal(prices["102"]))
	require.True(t, prices["103"].IsZero())
}

func TestBatchLastPriceUnauthorizedYieldsZeros(t *testing.T) {
	v, factory := newVenue(t, func(w http.ResponseWriter, _ recorded) {
		writeJSON(w, http.StatusUnauthorized, `{"errorCode":"DH-901","errorMessage":"Invalid token"}`)
	})
	quotes, err := factory.Quotes(creds)
	require.NoError(t, err)

	prices, err := quotes.BatchLastPrice(context.Background(), "NSE_FNO", []string{"101", "102"})
	require.NoError(t, err)
	require.Len(t, v.calls(), 1)
	require.True(t, prices["101"].IsZero())
	require.True(t, prices["102"].IsZero())
}

type staticChain []schema.ChainRow

func (c staticChain) Chain(schema.IndexSpec, string) []schema.ChainRow {
	return append([]schema.ChainRow(nil), c...)
}

func TestOptionChainQuotesBothSides(t *testing.T) {
	v := &venue{handler: func(w http.ResponseWriter, _ recorded) {
		writeJSON(w, http.StatusOK, `{"data":{"data":{"NSE_FNO":{"1":{"last_price":120},"2":{"last_price":95.5},"3":{"last_price":88},"4":{"last_price":130}}}}}`)
	}}
	srv := httptest.NewServer(v)
	defer srv.Close()
	factory := NewFactory(Options{BaseURL: srv.URL, QuoteRetryDelay: time.Millisecond}, staticChain{
		{Strike: 24000, CESecurityID: "1", PESecurityID: "2"},
		{Strike: 24050, CESecurityID: "3", PESecurityID: "4"},
	})
	quotes, err := factory.Quotes(creds)
	require.NoError(t, err)

	chain, err := quotes.OptionChain(context.Background(), nifty, "2024-12-26")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.True(t, decimal.NewFromInt(120).Equal(chain[0].CELastPrice))
	require.True(t, decimal.RequireFromString("95.5").Equal(chain[0].PELastPrice))
	require.True(t, decimal.NewFromInt(130).Equal(chain[1].PELastPrice))
	require.Len(t, v.calls(), 1)
}

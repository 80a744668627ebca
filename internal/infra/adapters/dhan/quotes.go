package dhan

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/domain/schema"
)

// IndexSegment is the segment carrying index spot quotes.
const IndexSegment = "IDX_I"

var priceKeys = []string{"last_price", "LTP", "ltp"}

// ChainSource lists the contracts of an expiry without prices.
type ChainSource interface {
	Chain(spec schema.IndexSpec, expiry string) []schema.ChainRow
}

// Quotes implements market data over the marketfeed endpoints.
type Quotes struct {
	client   *Client
	chains   ChainSource
	attempts int
	delay    time.Duration
}

var errIncomplete = errors.New("quote missing for some securities")

// SpotPrice returns the index's last traded price.
func (q *Quotes) SpotPrice(ctx context.Context, spec schema.IndexSpec) (decimal.Decimal, error) {
	id := strings.TrimSpace(spec.UnderlyingSecurityID)
	prices, err := q.fetch(ctx, IndexSegment, []string{id})
	if err != nil {
		return decimal.Zero, errs.Upstream(component, "spot price for "+string(spec.Index), err)
	}
	price := prices[id]
	if !price.IsPositive() {
		return decimal.Zero, errs.Data(component, "spot price unavailable for "+string(spec.Index))
	}
	return price, nil
}

// BatchLastPrice quotes ids in one request, retrying the batch, then falling back to
// one request per missing id. Ids that still have no quote map to zero.
func (q *Quotes) BatchLastPrice(ctx context.Context, segment string, securityIDs []string) (map[string]decimal.Decimal, error) {
	result := make(map[string]decimal.Decimal, len(securityIDs))
	ids := make([]string, 0, len(securityIDs))
	for _, id := range securityIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := result[id]; !dup {
			ids = append(ids, id)
		}
		result[id] = decimal.Zero
	}
	if len(ids) == 0 {
		return result, nil
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		prices, err := q.fetch(ctx, segment, ids)
		if err != nil {
			if isStatus(err, http.StatusUnauthorized) || isStatus(err, http.StatusForbidden) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		complete := true
		for _, id := range ids {
			if price := prices[id]; price.IsPositive() {
				result[id] = price
			} else if !result[id].IsPositive() {
				complete = false
			}
		}
		if !complete {
			return struct{}{}, errIncomplete
		}
		return struct{}{}, nil
	}, q.retryOptions()...)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return result, nil
	}
	if isStatus(err, http.StatusUnauthorized) || isStatus(err, http.StatusForbidden) {
		q.client.logger.Printf("dhan: batch quote rejected segment=%s err=%v", segment, err)
		return result, nil
	}
	if !errors.Is(err, errIncomplete) {
		q.client.logger.Printf("dhan: batch quote failed segment=%s ids=%d err=%v", segment, len(ids), err)
	}

	for _, id := range ids {
		if result[id].IsPositive() {
			continue
		}
		prices, err := q.fetch(ctx, segment, []string{id})
		if err != nil {
			q.client.logger.Printf("dhan: quote failed segment=%s security=%s err=%v", segment, id, err)
			continue
		}
		if price := prices[id]; price.IsPositive() {
			result[id] = price
		}
	}
	return result, nil
}

// OptionChain returns the expiry's strikes with both sides quoted.
func (q *Quotes) OptionChain(ctx context.Context, spec schema.IndexSpec, expiry string) ([]schema.ChainRow, error) {
	if q.chains == nil {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("instrument master not configured"))
	}
	chain := q.chains.Chain(spec, expiry)
	if len(chain) == 0 {
		return []schema.ChainRow{}, nil
	}
	ids := make([]string, 0, len(chain)*2)
	for _, row := range chain {
		ids = append(ids, row.CESecurityID, row.PESecurityID)
	}
	prices, err := q.BatchLastPrice(ctx, spec.Segment, ids)
	if err != nil {
		return nil, err
	}
	for i := range chain {
		chain[i].CELastPrice = prices[chain[i].CESecurityID]
		chain[i].PELastPrice = prices[chain[i].PESecurityID]
	}
	return chain, nil
}

func (q *Quotes) retryOptions() []backoff.RetryOption {
	attempts := q.attempts
	if attempts <= 0 {
		attempts = 3
	}
	return []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(q.delay)),
		backoff.WithMaxTries(uint(attempts)),
	}
}

// fetch issues one LTP request. Ids are sent as integers, the way the feed expects them.
func (q *Quotes) fetch(ctx context.Context, segment string, ids []string) (map[string]decimal.Decimal, error) {
	numeric := make([]int64, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, backoff.Permanent(errs.New(component, errs.CodeInvalid, errs.WithMessage("security id must be numeric"), errs.WithField("security_id", id)))
		}
		numeric = append(numeric, n)
	}
	payload, err := q.client.do(ctx, http.MethodPost, "/marketfeed/ltp", map[string][]int64{segment: numeric})
	if err != nil {
		return nil, err
	}
	return extractPrices(payload, segment), nil
}

// extractPrices reads data.data.<segment>.<id> (or data.<segment>.<id>) quote objects.
func extractPrices(payload any, segment string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	data, _ := payload.(map[string]any)
	for depth := 0; depth < 2 && data != nil; depth++ {
		if _, ok := data[segment]; ok {
			break
		}
		next, ok := data["data"].(map[string]any)
		if !ok {
			break
		}
		data = next
	}
	quotes, ok := data[segment].(map[string]any)
	if !ok {
		return out
	}
	for id, raw := range quotes {
		quote, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range priceKeys {
			if price, ok := toDecimal(quote[key]); ok && price.IsPositive() {
				out[id] = price
				break
			}
		}
	}
	return out
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(t), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

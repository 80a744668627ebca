// Package dhan adapts the Dhan v2 REST API to the broker and market data capabilities.
package dhan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/domain/schema"
)

const component = "dhan"

const (
	defaultBaseURL     = "https://api.dhan.co/v2"
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 4 << 10
)

// Options configures clients created by a Factory.
type Options struct {
	BaseURL           string
	HTTPTimeout       time.Duration
	RequestsPerSecond float64
	Burst             int
	QuoteAttempts     int
	QuoteRetryDelay   time.Duration
	HTTPClient        *http.Client
	Logger            *log.Logger
}

func (o Options) baseURL() string {
	base := strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
	if base == "" {
		return defaultBaseURL
	}
	return base
}

func (o Options) httpTimeout() time.Duration {
	if o.HTTPTimeout <= 0 {
		return defaultHTTPTimeout
	}
	return o.HTTPTimeout
}

func (o Options) quoteAttempts() int {
	if o.QuoteAttempts <= 0 {
		return 3
	}
	return o.QuoteAttempts
}

func (o Options) quoteRetryDelay() time.Duration {
	if o.QuoteRetryDelay < 0 {
		return 0
	}
	if o.QuoteRetryDelay == 0 {
		return 500 * time.Millisecond
	}
	return o.QuoteRetryDelay
}

func (o Options) newLimiter() *rate.Limiter {
	if o.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := o.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.RequestsPerSecond), burst)
}

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("dhan status %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("dhan status %d: %s", e.Status, msg)
}

// Client issues authenticated requests on behalf of one account.
type Client struct {
	baseURL string
	creds   schema.Credentials
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

func newClient(creds schema.Credentials, opts Options, limiter *rate.Limiter) (*Client, error) {
	if !creds.Complete() {
		return nil, errs.New(component, errs.CodeValidation, errs.WithMessage("client id and access token required"))
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.httpTimeout()}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if limiter == nil {
		limiter = opts.newLimiter()
	}
	return &Client{
		baseURL: opts.baseURL(),
		creds:   schema.Credentials{ClientID: strings.TrimSpace(creds.ClientID), AccessToken: strings.TrimSpace(creds.AccessToken)},
		http:    client,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// do sends a request and decodes the JSON response. On a non-2xx status the decoded
// payload is returned alongside the error so callers can surface the venue's remarks.
func (c *Client) do(ctx context.Context, method, path string, body any) (any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("access-token", c.creds.AccessToken)
	req.Header.Set("client-id", c.creds.ClientID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	payload, decodeErr := decodeBody(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Status: resp.StatusCode}
		if obj, ok := payload.(map[string]any); ok {
			statusErr.Code, _ = obj["errorCode"].(string)
			statusErr.Message, _ = obj["errorMessage"].(string)
		} else if text, ok := payload.(string); ok {
			statusErr.Message = strings.TrimSpace(text)
		}
		c.logger.Printf("dhan: request failed method=%s path=%s status=%d", method, path, resp.StatusCode)
		return payload, statusErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s %s: %w", method, path, decodeErr)
	}
	return payload, nil
}

func decodeBody(body io.Reader) (any, error) {
	raw, err := io.ReadAll(io.LimitReader(body, 8<<20))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		text := string(raw)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return text, err
	}
	return payload, nil
}

// rows extracts a list of objects from either a bare array or a {"data": [...]} envelope.
func rows(payload any) []map[string]any {
	if obj, ok := payload.(map[string]any); ok {
		payload = obj["data"]
	}
	list, ok := payload.([]any)
	if !ok {
		return []map[string]any{}
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func isStatus(err error, status int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == status
}

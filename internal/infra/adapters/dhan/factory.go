package dhan

import (
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/coachpo/optexec/internal/app/gateway"
	"github.com/coachpo/optexec/internal/app/strategy"
	"github.com/coachpo/optexec/internal/domain/schema"
)

// Factory binds clients to credentials. Clients of the same account share one rate limiter.
type Factory struct {
	opts   Options
	chains ChainSource

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFactory constructs a Factory. chains backs OptionChain and may be nil.
func NewFactory(opts Options, chains ChainSource) *Factory {
	return &Factory{
		opts:     opts,
		chains:   chains,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (f *Factory) client(creds schema.Credentials) (*Client, error) {
	f.mu.Lock()
	key := strings.TrimSpace(creds.ClientID)
	limiter, ok := f.limiters[key]
	if !ok {
		limiter = f.opts.newLimiter()
		f.limiters[key] = limiter
	}
	f.mu.Unlock()
	return newClient(creds, f.opts, limiter)
}

// Broker returns an order client for creds.
func (f *Factory) Broker(creds schema.Credentials) (gateway.Broker, error) {
	client, err := f.client(creds)
	if err != nil {
		return nil, err
	}
	return &Broker{client: client}, nil
}

// Quotes returns a market data client for creds.
func (f *Factory) Quotes(creds schema.Credentials) (strategy.MarketData, error) {
	client, err := f.client(creds)
	if err != nil {
		return nil, err
	}
	return &Quotes{
		client:   client,
		chains:   f.chains,
		attempts: f.opts.quoteAttempts(),
		delay:    f.opts.quoteRetryDelay(),
	}, nil
}

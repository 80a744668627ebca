package desk

import (
	"context"
	"io"
	"log"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/app/gateway"
	"github.com/coachpo/optexec/internal/app/ledger"
	"github.com/coachpo/optexec/internal/app/stoploss"
	"github.com/coachpo/optexec/internal/app/strategy"
	"github.com/coachpo/optexec/internal/domain/credstore"
	"github.com/coachpo/optexec/internal/domain/schema"
)

// BrokerFactory binds the brokerage wire client to a user's credentials.
type BrokerFactory interface {
	Broker(creds schema.Credentials) (gateway.Broker, error)
}

// Router selects the live or simulated order path for an execution.
type Router struct {
	brokers BrokerFactory
	ledger  *ledger.Ledger
	live    stoploss.Protector
	paper   stoploss.Protector
	logger  *log.Logger
}

var _ strategy.Router = (*Router)(nil)

// NewRouter wires the two routes. live protects brokerage entries, paper protects simulated ones.
func NewRouter(brokers BrokerFactory, l *ledger.Ledger, live, paper stoploss.Protector, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Router{brokers: brokers, ledger: l, live: live, paper: paper, logger: logger}
}

// Route returns the gateway and protector for mode.
func (r *Router) Route(creds schema.Credentials, mode schema.Mode, userID string) (strategy.Route, error) {
	if mode == schema.ModePaper {
		if userID == "" {
			return strategy.Route{}, errs.Validation("desk", "user id required for paper mode")
		}
		return strategy.Route{Orders: gateway.NewSimulated(r.ledger, userID), Protect: r.paper}, nil
	}
	orders, err := r.Live(creds)
	if err != nil {
		return strategy.Route{}, err
	}
	return strategy.Route{Orders: orders, Protect: r.live}, nil
}

// Live returns a brokerage gateway for creds.
func (r *Router) Live(creds schema.Credentials) (*gateway.Live, error) {
	if !creds.Complete() {
		return nil, errs.Validation("desk", "brokerage credentials required for live mode")
	}
	broker, err := r.brokers.Broker(creds)
	if err != nil {
		return nil, errs.Upstream("desk", "broker client", err)
	}
	return gateway.NewLive(broker, r.logger), nil
}

// StoreResolver resolves credentials from a credential store.
type StoreResolver struct {
	Store credstore.Store
}

// Resolve returns the user's credentials when both parts are on file.
func (r StoreResolver) Resolve(ctx context.Context, userID string) (schema.Credentials, bool, error) {
	if r.Store == nil {
		return schema.Credentials{}, false, nil
	}
	creds, ok, err := r.Store.Get(ctx, userID)
	if err != nil || !ok {
		return schema.Credentials{}, false, err
	}
	return creds, creds.Complete(), nil
}

// Package schema defines the canonical types exchanged between optexec components.
package schema

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Strategy selects how the two legs of an execution are chosen.
type Strategy string

const (
	StrategyShortStraddle Strategy = "short_straddle"
	StrategyPremiumBased  Strategy = "premium_based"
	StrategySpotStrangle  Strategy = "spot_strangle"
)

// Valid reports whether the strategy is one of the supported variants.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyShortStraddle, StrategyPremiumBased, StrategySpotStrangle:
		return true
	default:
		return false
	}
}

// TagPrefix is the order tag prefix used to correlate entry legs of the strategy.
func (s Strategy) TagPrefix() string {
	switch s {
	case StrategyShortStraddle:
		return "straddle"
	case StrategyPremiumBased:
		return "premium"
	case StrategySpotStrangle:
		return "strangle"
	default:
		return strings.ToLower(string(s))
	}
}

// Mode selects live brokerage execution or simulated paper execution.
type Mode string

const (
	ModeLive  Mode = "live"
	ModePaper Mode = "paper"
)

// ParseMode normalizes a mode string, defaulting to live.
func ParseMode(raw string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ModeLive):
		return ModeLive, true
	case string(ModePaper):
		return ModePaper, true
	default:
		return "", false
	}
}

// ExecutionRequest is an immutable request to open both legs of a strategy.
type ExecutionRequest struct {
	Strategy        Strategy            `json:"strategy"`
	Index           Index               `json:"index"`
	Expiry          string              `json:"expiry"`
	Lots            int64               `json:"lots"`
	StopLossPercent decimal.Decimal     `json:"slPercent"`
	TargetPremium   decimal.NullDecimal `json:"targetPremium"`
	OTMPercent      decimal.NullDecimal `json:"spotPercent"`
	Mode            Mode                `json:"mode"`
	UserID          string              `json:"userId"`
}

// Leg is one side of an executed pair, or the stop-loss protecting it.
type Leg struct {
	Side       OptionSide          `json:"leg"`
	Strike     int64               `json:"strike"`
	SecurityID string              `json:"securityId"`
	Symbol     string              `json:"symbol"`
	Premium    decimal.NullDecimal `json:"premium"`
	OrderID    string              `json:"orderId,omitempty"`
	Status     OrderStatus         `json:"status"`
	Message    string              `json:"message"`
	// TriggerPrice and EntryPrice are populated on stop-loss legs only.
	TriggerPrice decimal.NullDecimal `json:"triggerPrice"`
	EntryPrice   decimal.NullDecimal `json:"avgEntryPrice"`
}

// Placed reports whether the leg obtained an order id.
func (l Leg) Placed() bool {
	return strings.TrimSpace(l.OrderID) != ""
}

// ExecutionResult is the single outcome of one execution attempt.
type ExecutionResult struct {
	Success      bool                `json:"success"`
	Legs         []Leg               `json:"legs"`
	StopLossLegs []Leg               `json:"slLegs"`
	Error        string              `json:"error,omitempty"`
	Strategy     Strategy            `json:"strategy"`
	Index        Index               `json:"index"`
	Expiry       string              `json:"expiry"`
	Lots         int64               `json:"lots"`
	Quantity     int64               `json:"quantity"`
	Mode         Mode                `json:"mode"`
	Spot         decimal.NullDecimal `json:"spot"`
}

// Credentials are the brokerage credentials resolved for a user.
type Credentials struct {
	ClientID    string `json:"clientId"`
	AccessToken string `json:"accessToken"`
}

// Complete reports whether both credential parts are present.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.AccessToken) != ""
}

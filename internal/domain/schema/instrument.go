package schema

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Index identifies a tradable index underlying.
type Index string

const (
	IndexNifty  Index = "NIFTY"
	IndexSensex Index = "SENSEX"
)

// ParseIndex normalizes an index name.
func ParseIndex(raw string) Index {
	return Index(strings.ToUpper(strings.TrimSpace(raw)))
}

// OptionSide is the option type of a leg.
type OptionSide string

const (
	SideCE OptionSide = "CE"
	SidePE OptionSide = "PE"
)

// IndexSpec carries the exchange constants of an index.
type IndexSpec struct {
	Index                Index
	LotSize              int64
	StrikeGap            int64
	Segment              string
	UnderlyingSecurityID string
	SymbolPrefix         string
}

// Quantity converts lots into contract quantity.
func (s IndexSpec) Quantity(lots int64) int64 {
	return lots * s.LotSize
}

// Instrument is a tradable option contract resolved from the instrument master.
type Instrument struct {
	SecurityID string
	Symbol     string
	Strike     int64
	Side       OptionSide
	Expiry     string
}

// ChainRow is one strike of an option chain with both sides' quotes.
type ChainRow struct {
	Strike       int64           `json:"strike"`
	CESecurityID string          `json:"ceSecurityId"`
	PESecurityID string          `json:"peSecurityId"`
	CELastPrice  decimal.Decimal `json:"ceLtp"`
	PELastPrice  decimal.Decimal `json:"peLtp"`
	CESymbol     string          `json:"ceSymbol"`
	PESymbol     string          `json:"peSymbol"`
}

// LastPrice returns the row's quote for the side.
func (r ChainRow) LastPrice(side OptionSide) decimal.Decimal {
	if side == SidePE {
		return r.PELastPrice
	}
	return r.CELastPrice
}

// SecurityID returns the row's instrument key for the side.
func (r ChainRow) SecurityID(side OptionSide) string {
	if side == SidePE {
		return r.PESecurityID
	}
	return r.CESecurityID
}

// Symbol returns the row's trading symbol for the side.
func (r ChainRow) Symbol(side OptionSide) string {
	if side == SidePE {
		return r.PESymbol
	}
	return r.CESymbol
}

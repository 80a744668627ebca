package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/optexec/internal/domain/schema"
)

var hundred = decimal.NewFromInt(100)

// RoundToGap rounds value to the nearest multiple of gap, halves away from zero.
func RoundToGap(value decimal.Decimal, gap int64) int64 {
	g := decimal.NewFromInt(gap)
	return value.Div(g).Round(0).Mul(g).IntPart()
}

// ATMStrike is the strike nearest to spot.
func ATMStrike(spot decimal.Decimal, gap int64) int64 {
	return RoundToGap(spot, gap)
}

// StrangleStrikes places CE strictly above spot and PE strictly below spot,
// each roughly percent away.
func StrangleStrikes(spot, percent decimal.Decimal, gap int64) (ce, pe int64) {
	offset := percent.Div(hundred)
	one := decimal.NewFromInt(1)
	ce = RoundToGap(spot.Mul(one.Add(offset)), gap)
	pe = RoundToGap(spot.Mul(one.Sub(offset)), gap)
	if !decimal.NewFromInt(ce).GreaterThan(spot) {
		ce += gap
	}
	if !decimal.NewFromInt(pe).LessThan(spot) {
		pe -= gap
	}
	return ce, pe
}

// SelectByPremium returns the row whose side premium is closest to target.
// Rows without a positive price are ignored unless none has one, in which case the
// first row is returned. Ties keep the earliest row.
func SelectByPremium(rows []schema.ChainRow, side schema.OptionSide, target decimal.Decimal) (schema.ChainRow, bool) {
	if len(rows) == 0 {
		return schema.ChainRow{}, false
	}
	best := -1
	var bestDiff decimal.Decimal
	for i, row := range rows {
		ltp := row.LastPrice(side)
		if !ltp.IsPositive() {
			continue
		}
		diff := ltp.Sub(target).Abs()
		if best < 0 || diff.LessThan(bestDiff) {
			best = i
			bestDiff = diff
		}
	}
	if best < 0 {
		return rows[0], true
	}
	return rows[best], true
}

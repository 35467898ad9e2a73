// Package strategy tags a trade's final leg set with the option structure it
// forms. Classification is a cascade of shape matches; the first match wins
// and anything unrecognized falls through to CUSTOM.
package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// deepITMDelta is the delta at or above which a long call counts as a PMCC
// base leg.
var deepITMDelta = decimal.RequireFromString("0.7")

// deepITMStrikeRatio is the fallback when no delta is available: a call
// struck at or below this fraction of spot is treated as deep in the money.
var deepITMStrikeRatio = decimal.RequireFromString("0.7")

// Hints carries optional market context for patterns that cannot be decided
// from the leg shape alone. Delta maps leg keys to opening deltas; Spot is
// the underlying price near the open. Either may be empty.
type Hints struct {
	Delta map[string]decimal.Decimal
	Spot  decimal.Decimal
}

// Classify tags the leg set. Legs carry signed quantities: positive long,
// negative short.
func Classify(legs []models.TradeLeg, hints *Hints) models.StrategyType {
	if hints == nil {
		hints = &Hints{}
	}
	options, stocks := split(legs)

	switch {
	case len(legs) == 1 && len(stocks) == 1:
		return models.StrategyStock
	case len(legs) == 1 && len(options) == 1:
		return models.StrategySingle
	}

	if len(legs) == 2 && len(options) == 2 {
		if tag, ok := classifyTwoOptions(options[0], options[1], hints); ok {
			return tag
		}
	}
	if len(legs) == 4 && len(options) == 4 {
		if tag, ok := classifyFourOptions(options); ok {
			return tag
		}
	}
	if len(legs) == 2 && len(stocks) == 1 && len(options) == 1 {
		if isCoveredCall(stocks[0], options[0]) {
			return models.StrategyCoveredCall
		}
	}
	return models.StrategyCustom
}

func split(legs []models.TradeLeg) (options, stocks []models.TradeLeg) {
	for _, leg := range legs {
		if leg.SecurityType == models.SecurityStock {
			stocks = append(stocks, leg)
		} else {
			options = append(options, leg)
		}
	}
	return options, stocks
}

func classifyTwoOptions(a, b models.TradeLeg, hints *Hints) (models.StrategyType, bool) {
	sameType := a.OptionType == b.OptionType
	sameStrike := a.Strike.Equal(b.Strike)
	sameExp := a.Expiration.Equal(b.Expiration)
	oppositeSigns := a.Quantity.Sign()*b.Quantity.Sign() < 0

	if sameType && sameExp && oppositeSigns && !sameStrike {
		if a.OptionType == models.OptionCall {
			return models.StrategyVerticalCall, true
		}
		return models.StrategyVerticalPut, true
	}
	if sameType && sameStrike && !sameExp && oppositeSigns {
		if a.OptionType == models.OptionCall {
			return models.StrategyCalendarCall, true
		}
		return models.StrategyCalendarPut, true
	}
	if !sameType && !oppositeSigns {
		if sameStrike && sameExp {
			return models.StrategyStraddle, true
		}
		if !sameStrike && sameExp {
			return models.StrategyStrangle, true
		}
	}
	if isPMCC(a, b, hints) {
		return models.StrategyPMCC, true
	}
	return models.StrategyCustom, false
}

// isPMCC matches one long deep-ITM call against one short call in a nearer
// expiration. Depth requires evidence: an opening delta at or above 0.7, or
// a strike at or below 70% of spot when a spot price is known. Without
// either the pair stays unclassified.
func isPMCC(a, b models.TradeLeg, hints *Hints) bool {
	if a.OptionType != models.OptionCall || b.OptionType != models.OptionCall {
		return false
	}
	if a.Expiration.Equal(b.Expiration) {
		return false
	}
	long, short := a, b
	if long.Quantity.Sign() < 0 {
		long, short = short, long
	}
	if long.Quantity.Sign() <= 0 || short.Quantity.Sign() >= 0 {
		return false
	}
	if delta, ok := hints.Delta[long.LegKey]; ok {
		if delta.Abs().GreaterThanOrEqual(deepITMDelta) {
			return true
		}
	}
	if hints.Spot.Sign() > 0 {
		return long.Strike.LessThanOrEqual(hints.Spot.Mul(deepITMStrikeRatio))
	}
	return false
}

// classifyFourOptions recognizes iron condors and butterflies: a call
// vertical and a put vertical sharing one expiration, shorts between the
// longs.
func classifyFourOptions(legs []models.TradeLeg) (models.StrategyType, bool) {
	var calls, puts []models.TradeLeg
	for _, leg := range legs {
		switch leg.OptionType {
		case models.OptionCall:
			calls = append(calls, leg)
		case models.OptionPut:
			puts = append(puts, leg)
		default:
			return models.StrategyCustom, false
		}
	}
	if len(calls) != 2 || len(puts) != 2 {
		return models.StrategyCustom, false
	}

	exp := legs[0].Expiration
	for _, leg := range legs[1:] {
		if !leg.Expiration.Equal(exp) {
			return models.StrategyCustom, false
		}
	}

	shortCall, longCall, ok := shortLong(calls[0], calls[1])
	if !ok {
		return models.StrategyCustom, false
	}
	shortPut, longPut, ok := shortLong(puts[0], puts[1])
	if !ok {
		return models.StrategyCustom, false
	}

	// Shorts sit inside the wings.
	if !shortCall.Strike.LessThan(longCall.Strike) || !shortPut.Strike.GreaterThan(longPut.Strike) {
		return models.StrategyCustom, false
	}
	if shortPut.Strike.GreaterThan(shortCall.Strike) {
		return models.StrategyCustom, false
	}
	if shortPut.Strike.Equal(shortCall.Strike) {
		return models.StrategyIronButterfly, true
	}
	return models.StrategyIronCondor, true
}

// shortLong orders a same-type pair into (short, long), failing when both
// sit on the same side.
func shortLong(a, b models.TradeLeg) (short, long models.TradeLeg, ok bool) {
	switch {
	case a.Quantity.Sign() < 0 && b.Quantity.Sign() > 0:
		return a, b, true
	case a.Quantity.Sign() > 0 && b.Quantity.Sign() < 0:
		return b, a, true
	}
	return a, b, false
}

// isCoveredCall requires long stock covering every short call at 100 shares
// per contract.
func isCoveredCall(stock, option models.TradeLeg) bool {
	if option.OptionType != models.OptionCall || option.Quantity.Sign() >= 0 {
		return false
	}
	if stock.Quantity.Sign() <= 0 {
		return false
	}
	sharesPerContract := decimal.NewFromInt(100)
	return stock.Quantity.Equal(option.Quantity.Abs().Mul(sharesPerContract))
}

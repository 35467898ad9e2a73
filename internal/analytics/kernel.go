// Package analytics computes per-trade risk numbers from the final leg set:
// breakevens, max profit/risk, net Greeks, probability of profit, and the
// collateral a broker would hold against the position.
//
// The expiration payoff of a single-expiration leg set is piecewise linear
// in the terminal price, so breakevens and profit bounds come from
// evaluating the payoff at its vertices instead of per-strategy formulas.
// Multi-expiration structures (calendars, PMCC) have no static expiration
// payoff; their analytics are marked partial.
package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Tommyk15/trading-journal/internal/models"
)

var (
	hundred     = decimal.NewFromInt(100)
	two         = decimal.NewFromInt(2)
	yearDays    = decimal.NewFromInt(365)
	defaultRate = decimal.RequireFromString("0.04")

	popFloor = decimal.NewFromInt(1)
	popCeil  = decimal.NewFromInt(99)
)

// Inputs carries the market context for one Analyze call. Zero values mean
// unknown: a zero Spot or IV suppresses probability of profit, a missing
// Greeks entry suppresses net Greeks, a zero RiskFree falls back to 4%.
type Inputs struct {
	Spot     decimal.Decimal
	IV       decimal.Decimal // annualized, 0.20 means 20%
	RiskFree decimal.Decimal // annualized, 0.04 means 4%
	Greeks   map[string]models.LegGreeks
	Margin   models.MarginSettings
	Now      time.Time
}

// Analyze computes the analytics snapshot for a trade. Fields that cannot be
// computed from the available inputs stay nil and flip Partial on.
func Analyze(trade *models.Trade, in Inputs) *models.TradeAnalytics {
	out := &models.TradeAnalytics{}
	if len(trade.Legs) == 0 {
		out.Partial = true
		return out
	}
	if in.RiskFree.IsZero() {
		in.RiskFree = defaultRate
	}

	p := newPayoff(trade)
	if p.singleExpiration {
		out.Breakevens = p.breakevens()
		out.MaxProfit, out.MaxRisk = p.bounds()
	} else {
		// A debit multi-expiration structure can lose at most the debit.
		if !trade.IsCredit() {
			risk := trade.OpeningCost.Abs().RoundBank(models.MoneyScale)
			out.MaxRisk = &risk
		}
		out.Partial = true
	}

	if !netGreeks(trade, in.Greeks, out) {
		out.Partial = true
	}

	if pop := p.probabilityOfProfit(trade, in); pop != nil {
		out.ProbabilityOfProfit = pop
	} else if p.singleExpiration {
		out.Partial = true
	}

	if coll := collateral(trade, in); coll != nil {
		out.Collateral = coll
	}
	return out
}

// payoff models trade P&L at expiration as a piecewise-linear function of
// the terminal underlying price.
type payoff struct {
	premium          decimal.Decimal // signed opening cost, credit positive
	optionLegs       []models.TradeLeg
	stockQty         decimal.Decimal
	strikes          []decimal.Decimal // sorted distinct
	singleExpiration bool
}

func newPayoff(trade *models.Trade) *payoff {
	p := &payoff{premium: trade.OpeningCost, singleExpiration: true}
	seen := make(map[string]struct{})
	var exp time.Time
	for _, leg := range trade.Legs {
		if leg.SecurityType == models.SecurityStock {
			p.stockQty = p.stockQty.Add(leg.Quantity)
			continue
		}
		p.optionLegs = append(p.optionLegs, leg)
		if exp.IsZero() {
			exp = leg.Expiration
		} else if !leg.Expiration.Equal(exp) {
			p.singleExpiration = false
		}
		key := leg.Strike.String()
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			p.strikes = append(p.strikes, leg.Strike)
		}
	}
	sort.Slice(p.strikes, func(i, j int) bool { return p.strikes[i].LessThan(p.strikes[j]) })
	return p
}

// valueAt evaluates trade P&L when the underlying settles at s.
func (p *payoff) valueAt(s decimal.Decimal) decimal.Decimal {
	v := p.premium.Add(p.stockQty.Mul(s))
	for _, leg := range p.optionLegs {
		var intrinsic decimal.Decimal
		switch leg.OptionType {
		case models.OptionCall:
			if s.GreaterThan(leg.Strike) {
				intrinsic = s.Sub(leg.Strike)
			}
		case models.OptionPut:
			if s.LessThan(leg.Strike) {
				intrinsic = leg.Strike.Sub(s)
			}
		}
		v = v.Add(leg.Quantity.Mul(leg.Multiplier).Mul(intrinsic))
	}
	return v
}

// slopeRight is dP&L/dS beyond the highest strike: every call contributes
// qty*multiplier, puts contribute nothing, stock contributes its share count.
func (p *payoff) slopeRight() decimal.Decimal {
	slope := p.stockQty
	for _, leg := range p.optionLegs {
		if leg.OptionType == models.OptionCall {
			slope = slope.Add(leg.Quantity.Mul(leg.Multiplier))
		}
	}
	return slope
}

// vertices returns the payoff evaluation points: zero and every strike.
func (p *payoff) vertices() []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(p.strikes)+1)
	out = append(out, decimal.Zero)
	out = append(out, p.strikes...)
	return out
}

// bounds returns (maxProfit, maxRisk). A tail sloping up leaves profit
// unbounded (nil); sloping down leaves risk unbounded.
func (p *payoff) bounds() (*decimal.Decimal, *decimal.Decimal) {
	verts := p.vertices()
	best := p.valueAt(verts[0])
	worst := best
	for _, v := range verts[1:] {
		pnl := p.valueAt(v)
		if pnl.GreaterThan(best) {
			best = pnl
		}
		if pnl.LessThan(worst) {
			worst = pnl
		}
	}

	slope := p.slopeRight()
	var maxProfit, maxRisk *decimal.Decimal
	if slope.Sign() <= 0 {
		profit := best.RoundBank(models.MoneyScale)
		maxProfit = &profit
	}
	if slope.Sign() >= 0 {
		risk := decimal.Zero
		if worst.Sign() < 0 {
			risk = worst.Neg().RoundBank(models.MoneyScale)
		}
		maxRisk = &risk
	}
	return maxProfit, maxRisk
}

// breakevens returns the zero crossings of the payoff, ascending.
func (p *payoff) breakevens() []decimal.Decimal {
	verts := p.vertices()
	var roots []decimal.Decimal
	push := func(r decimal.Decimal) {
		r = r.RoundBank(models.PriceScale)
		for _, existing := range roots {
			if existing.Equal(r) {
				return
			}
		}
		roots = append(roots, r)
	}

	for i := 0; i+1 < len(verts); i++ {
		a, b := verts[i], verts[i+1]
		va, vb := p.valueAt(a), p.valueAt(b)
		if va.IsZero() {
			push(a)
			continue
		}
		if va.Sign()*vb.Sign() < 0 {
			// Linear interpolation inside the segment.
			root := a.Add(b.Sub(a).Mul(va.Neg()).Div(vb.Sub(va)))
			push(root)
		}
	}

	last := verts[len(verts)-1]
	vLast := p.valueAt(last)
	if vLast.IsZero() {
		push(last)
	}
	slope := p.slopeRight()
	if slope.Sign() != 0 && vLast.Sign() != 0 && vLast.Sign() != slope.Sign() {
		root := last.Sub(vLast.Div(slope))
		if root.GreaterThan(last) {
			push(root)
		}
	}

	sort.Slice(roots, func(i, j int) bool { return roots[i].LessThan(roots[j]) })
	return roots
}

// probabilityOfProfit integrates the risk-neutral terminal distribution over
// the profitable price regions and reports a percentage clamped to [1, 99].
func (p *payoff) probabilityOfProfit(trade *models.Trade, in Inputs) *decimal.Decimal {
	if !p.singleExpiration || in.Spot.Sign() <= 0 || in.IV.Sign() <= 0 {
		return nil
	}
	exp := trade.NearestExpiration()
	if exp.IsZero() || !exp.After(in.Now) {
		return nil
	}
	tYears, _ := decimal.NewFromInt(int64(trade.DTE(in.Now))).Div(yearDays).Float64()
	if tYears <= 0 {
		return nil
	}

	spot, _ := in.Spot.Float64()
	sigma, _ := in.IV.Float64()
	rate, _ := in.RiskFree.Float64()

	bes := p.breakevens()
	if len(bes) == 0 {
		// Flat-signed payoff: profitable everywhere or nowhere.
		if p.valueAt(in.Spot).Sign() > 0 {
			return clampPercent(decimal.NewFromInt(100))
		}
		return clampPercent(decimal.Zero)
	}

	prob := 0.0
	// Left tail below the first breakeven.
	if p.valueAt(bes[0].Div(two)).Sign() > 0 {
		lo, _ := bes[0].Float64()
		prob += 1 - probAbove(spot, lo, rate, sigma, tYears)
	}
	// Interior segments.
	for i := 0; i+1 < len(bes); i++ {
		mid := bes[i].Add(bes[i+1]).Div(two)
		if p.valueAt(mid).Sign() > 0 {
			lo, _ := bes[i].Float64()
			hi, _ := bes[i+1].Float64()
			prob += probAbove(spot, lo, rate, sigma, tYears) - probAbove(spot, hi, rate, sigma, tYears)
		}
	}
	// Right tail above the last breakeven.
	if p.valueAt(bes[len(bes)-1].Mul(two)).Sign() > 0 {
		hi, _ := bes[len(bes)-1].Float64()
		prob += probAbove(spot, hi, rate, sigma, tYears)
	}

	return clampPercent(decimal.NewFromFloat(prob * 100))
}

func clampPercent(pct decimal.Decimal) *decimal.Decimal {
	pct = pct.RoundBank(models.MoneyScale)
	if pct.LessThan(popFloor) {
		pct = popFloor
	}
	if pct.GreaterThan(popCeil) {
		pct = popCeil
	}
	return &pct
}

// netGreeks sums signed per-contract Greeks across legs. It reports false
// when any option leg lacks a snapshot.
func netGreeks(trade *models.Trade, greeks map[string]models.LegGreeks, out *models.TradeAnalytics) bool {
	delta := decimal.Zero
	theta := decimal.Zero
	for _, leg := range trade.Legs {
		if leg.SecurityType == models.SecurityStock {
			// One share carries delta 1 and no theta.
			delta = delta.Add(leg.Quantity)
			continue
		}
		g, ok := greeks[leg.LegKey]
		if !ok {
			return false
		}
		delta = delta.Add(leg.Quantity.Mul(g.Delta).Mul(leg.Multiplier))
		theta = theta.Add(leg.Quantity.Mul(g.Theta).Mul(leg.Multiplier))
	}
	delta = delta.RoundBank(models.GreekScale)
	theta = theta.RoundBank(models.GreekScale)
	out.NetDelta = &delta
	out.NetTheta = &theta
	return true
}

// collateral estimates the buying power the position reserves, following the
// per-underlying margin settings. Unknown structures return nil.
func collateral(trade *models.Trade, in Inputs) *decimal.Decimal {
	m := in.Margin
	if m.Underlying == "" {
		m = models.DefaultMarginSettings(trade.Underlying)
	}
	pctOf := func(base decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
		return base.Mul(pct).Div(hundred).RoundBank(models.MoneyScale)
	}

	switch trade.StrategyType {
	case models.StrategyStock:
		qty := trade.Legs[0].Quantity.Abs()
		if in.Spot.Sign() > 0 {
			v := qty.Mul(in.Spot).RoundBank(models.MoneyScale)
			return &v
		}
		v := trade.OpeningCost.Abs().RoundBank(models.MoneyScale)
		return &v

	case models.StrategyVerticalCall, models.StrategyVerticalPut:
		w, qty := wingWidth(trade.Legs)
		v := pctOf(w.Mul(hundred).Mul(qty), m.SpreadPct)
		return &v

	case models.StrategyIronCondor, models.StrategyIronButterfly:
		calls, puts := legsByType(trade.Legs)
		wc, qc := wingWidth(calls)
		wp, qp := wingWidth(puts)
		w, qty := wc, qc
		if wp.GreaterThan(wc) {
			w, qty = wp, qp
		}
		v := pctOf(w.Mul(hundred).Mul(qty), m.IronCondorPct)
		return &v

	case models.StrategySingle:
		leg := trade.Legs[0]
		if leg.IsLong() {
			v := trade.OpeningCost.Abs().RoundBank(models.MoneyScale)
			return &v
		}
		pct := m.NakedPutPct
		if leg.OptionType == models.OptionCall {
			pct = m.NakedCallPct
		}
		v := pctOf(leg.Strike.Mul(hundred).Mul(leg.Quantity.Abs()), pct)
		return &v

	case models.StrategyStraddle, models.StrategyStrangle:
		if trade.Legs[0].IsLong() {
			v := trade.OpeningCost.Abs().RoundBank(models.MoneyScale)
			return &v
		}
		// Short premium margins on the larger naked side.
		best := decimal.Zero
		for _, leg := range trade.Legs {
			pct := m.NakedPutPct
			if leg.OptionType == models.OptionCall {
				pct = m.NakedCallPct
			}
			side := pctOf(leg.Strike.Mul(hundred).Mul(leg.Quantity.Abs()), pct)
			if side.GreaterThan(best) {
				best = side
			}
		}
		return &best

	case models.StrategyCoveredCall:
		for _, leg := range trade.Legs {
			if leg.SecurityType == models.SecurityStock && in.Spot.Sign() > 0 {
				v := leg.Quantity.Abs().Mul(in.Spot).RoundBank(models.MoneyScale)
				return &v
			}
		}
		v := trade.OpeningCost.Abs().RoundBank(models.MoneyScale)
		return &v

	case models.StrategyPMCC, models.StrategyCalendarCall, models.StrategyCalendarPut:
		if !trade.IsCredit() {
			v := trade.OpeningCost.Abs().RoundBank(models.MoneyScale)
			return &v
		}
	}
	return nil
}

// wingWidth returns the strike distance of a two-leg same-type spread and
// the short leg's absolute quantity.
func wingWidth(legs []models.TradeLeg) (decimal.Decimal, decimal.Decimal) {
	if len(legs) != 2 {
		return decimal.Zero, decimal.Zero
	}
	width := legs[0].Strike.Sub(legs[1].Strike).Abs()
	qty := legs[0].Quantity.Abs()
	for _, leg := range legs {
		if leg.IsShort() {
			qty = leg.Quantity.Abs()
		}
	}
	return width, qty
}

func legsByType(legs []models.TradeLeg) (calls, puts []models.TradeLeg) {
	for _, leg := range legs {
		switch leg.OptionType {
		case models.OptionCall:
			calls = append(calls, leg)
		case models.OptionPut:
			puts = append(puts, leg)
		}
	}
	return calls, puts
}

// Package integrity runs advisory sanity checks over the execution history:
// net positions that dwarf the symbol's usual lot size, option strikes that
// are implausible against the stock price, and splits that may have been
// double-applied upstream. Findings never mutate state.
package integrity

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/models"
	"github.com/Tommyk15/trading-journal/internal/splits"
)

// Multiples beyond which a value is flagged.
var (
	outlierMultiple = decimal.NewFromInt(10)
	strikeMultiple  = decimal.NewFromInt(10)
)

// FindingKind names the class of a finding.
type FindingKind string

const (
	// KindPositionOutlier flags an adjusted net position far beyond the
	// symbol's historical lot sizes.
	KindPositionOutlier FindingKind = "position_outlier"
	// KindImplausibleStrike flags an option strike inconsistent with the
	// adjusted stock price.
	KindImplausibleStrike FindingKind = "implausible_strike"
	// KindSplitAmbiguity flags option executions straddling a split date,
	// where upstream data may already be adjusted.
	KindSplitAmbiguity FindingKind = "split_ambiguity"
)

// Finding is one advisory result.
type Finding struct {
	Underlying string          `json:"underlying"`
	Kind       FindingKind     `json:"kind"`
	Detail     string          `json:"detail"`
	Value      decimal.Decimal `json:"value"`
	Threshold  decimal.Decimal `json:"threshold"`
}

// SplitAmbiguityError describes option activity on both sides of a split
// date, where the journal cannot tell whether the broker feed was already
// split-adjusted.
type SplitAmbiguityError struct {
	Symbol    string
	SplitDate time.Time
}

func (e *SplitAmbiguityError) Error() string {
	return fmt.Sprintf("split ambiguity: %s has option executions on both sides of the %s split",
		e.Symbol, e.SplitDate.Format("2006-01-02"))
}

// Checker evaluates the advisory heuristics.
type Checker struct {
	calendar *splits.Calendar
	log      *logrus.Logger
}

// NewChecker wires a checker to the split calendar.
func NewChecker(calendar *splits.Calendar, log *logrus.Logger) *Checker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Checker{calendar: calendar, log: log}
}

// Check runs every heuristic over the execution history. lastClose maps
// symbols to their most recent close; symbols without a close skip the
// strike check.
func (c *Checker) Check(execs []models.Execution, lastClose map[string]decimal.Decimal) []Finding {
	bySymbol := make(map[string][]models.Execution)
	for i := range execs {
		bySymbol[execs[i].Underlying] = append(bySymbol[execs[i].Underlying], execs[i])
	}

	symbols := make([]string, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var findings []Finding
	for _, sym := range symbols {
		group := bySymbol[sym]
		findings = append(findings, c.checkPosition(sym, group)...)
		if close, ok := lastClose[sym]; ok {
			findings = append(findings, c.checkStrikes(sym, group, close)...)
		}
		findings = append(findings, c.checkSplitStraddles(sym, group)...)
	}

	for _, f := range findings {
		c.log.WithFields(logrus.Fields{
			"underlying": f.Underlying,
			"kind":       string(f.Kind),
			"value":      f.Value.String(),
			"threshold":  f.Threshold.String(),
		}).Warn(f.Detail)
	}
	return findings
}

// checkPosition compares the split-adjusted net stock position against ten
// times the 95th percentile of historical adjusted lot sizes.
func (c *Checker) checkPosition(sym string, group []models.Execution) []Finding {
	var lots []decimal.Decimal
	net := decimal.Zero
	for i := range group {
		e := &group[i]
		if e.SecurityType != models.SecurityStock {
			continue
		}
		qty := e.Quantity
		if c.calendar != nil {
			qty, _, _ = c.calendar.Adjust(e.Underlying, e.ExecutionTime, e.Quantity, e.Price)
		}
		lots = append(lots, qty.Abs())
		if e.Side == models.SideSell {
			qty = qty.Neg()
		}
		net = net.Add(qty)
	}
	if len(lots) == 0 {
		return nil
	}

	threshold := percentile95(lots).Mul(outlierMultiple)
	if threshold.Sign() > 0 && net.Abs().GreaterThan(threshold) {
		return []Finding{{
			Underlying: sym,
			Kind:       KindPositionOutlier,
			Detail: fmt.Sprintf("adjusted net position %s exceeds 10x the historical p95 lot (%s)",
				net.String(), threshold.Div(outlierMultiple).String()),
			Value:     net.Abs(),
			Threshold: threshold,
		}}
	}
	return nil
}

// checkStrikes flags option strikes more than ten times the latest close.
func (c *Checker) checkStrikes(sym string, group []models.Execution, close decimal.Decimal) []Finding {
	if close.Sign() <= 0 {
		return nil
	}
	threshold := close.Mul(strikeMultiple)
	seen := make(map[string]struct{})
	var findings []Finding
	for i := range group {
		e := &group[i]
		if e.SecurityType != models.SecurityOption {
			continue
		}
		if !e.Strike.GreaterThan(threshold) {
			continue
		}
		key := e.Strike.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		findings = append(findings, Finding{
			Underlying: sym,
			Kind:       KindImplausibleStrike,
			Detail: fmt.Sprintf("strike %s is more than 10x the last close %s",
				e.Strike.String(), close.String()),
			Value:     e.Strike,
			Threshold: threshold,
		})
	}
	return findings
}

// checkSplitStraddles reports splits with option executions on both sides of
// the split date.
func (c *Checker) checkSplitStraddles(sym string, group []models.Execution) []Finding {
	if c.calendar == nil {
		return nil
	}
	var findings []Finding
	for _, sp := range c.calendar.Splits(sym) {
		before, after := false, false
		for i := range group {
			e := &group[i]
			if e.SecurityType != models.SecurityOption {
				continue
			}
			if e.ExecutionTime.Before(sp.SplitDate) {
				before = true
			} else {
				after = true
			}
			if before && after {
				break
			}
		}
		if before && after {
			ambig := &SplitAmbiguityError{Symbol: sym, SplitDate: sp.SplitDate}
			findings = append(findings, Finding{
				Underlying: sym,
				Kind:       KindSplitAmbiguity,
				Detail:     ambig.Error(),
				Value:      sp.AdjustmentFactor(),
				Threshold:  decimal.Zero,
			})
		}
	}
	return findings
}

// percentile95 returns the value at the 95th percentile of the sorted
// magnitudes (nearest-rank).
func percentile95(values []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	idx := (len(sorted)*95 + 99) / 100
	if idx < 1 {
		idx = 1
	}
	return sorted[idx-1]
}

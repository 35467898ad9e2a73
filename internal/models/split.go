package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StockSplit records one corporate split action. A 4:1 forward split is
// RatioFrom=1 RatioTo=4; a 1:4 reverse split is RatioFrom=4 RatioTo=1.
// The split applies only to executions strictly before SplitDate.
type StockSplit struct {
	ID        int64           `json:"id"`
	Symbol    string          `json:"symbol"`
	SplitDate time.Time       `json:"split_date"`
	RatioFrom decimal.Decimal `json:"ratio_from"`
	RatioTo   decimal.Decimal `json:"ratio_to"`
}

// AdjustmentFactor is the quantity multiplier ratio_to/ratio_from.
func (s *StockSplit) AdjustmentFactor() decimal.Decimal {
	return s.RatioTo.Div(s.RatioFrom)
}

// PriceFactor is the inverse price multiplier ratio_from/ratio_to, chosen so
// quantity*price is preserved across the adjustment.
func (s *StockSplit) PriceFactor() decimal.Decimal {
	return s.RatioFrom.Div(s.RatioTo)
}

// IsReverse reports whether the split reduces share count.
func (s *StockSplit) IsReverse() bool {
	return s.RatioFrom.GreaterThan(s.RatioTo)
}

// AppliesTo reports whether an execution at t predates the split.
func (s *StockSplit) AppliesTo(t time.Time) bool {
	return t.Before(s.SplitDate)
}

// Validate rejects zero or negative ratios.
func (s *StockSplit) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("split missing symbol")
	}
	if s.SplitDate.IsZero() {
		return fmt.Errorf("split %s: missing split_date", s.Symbol)
	}
	if s.RatioFrom.Sign() <= 0 || s.RatioTo.Sign() <= 0 {
		return fmt.Errorf("split %s: ratios must be positive, got %s:%s", s.Symbol, s.RatioFrom, s.RatioTo)
	}
	return nil
}

package models

import "github.com/shopspring/decimal"

// MarginSettings holds the per-underlying collateral percentages used by the
// analytics kernel. Percentages are whole numbers (20 means 20%).
type MarginSettings struct {
	Underlying    string          `json:"underlying"`
	NakedPutPct   decimal.Decimal `json:"naked_put_pct"`
	NakedCallPct  decimal.Decimal `json:"naked_call_pct"`
	SpreadPct     decimal.Decimal `json:"spread_pct"`
	IronCondorPct decimal.Decimal `json:"iron_condor_pct"`
}

// DefaultMarginSettings returns the 20/20/100/100 defaults applied when an
// underlying has no stored row.
func DefaultMarginSettings(underlying string) MarginSettings {
	return MarginSettings{
		Underlying:    underlying,
		NakedPutPct:   decimal.NewFromInt(20),
		NakedCallPct:  decimal.NewFromInt(20),
		SpreadPct:     decimal.NewFromInt(100),
		IronCondorPct: decimal.NewFromInt(100),
	}
}

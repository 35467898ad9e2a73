package integrity

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/models"
	"github.com/Tommyk15/trading-journal/internal/splits"
)

var checkBase = time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func stockExec(id, sym string, side models.Side, qty string, at time.Time) models.Execution {
	return models.Execution{
		ExecID:        id,
		Underlying:    sym,
		SecurityType:  models.SecurityStock,
		Multiplier:    decimal.NewFromInt(1),
		Side:          side,
		Quantity:      dec(qty),
		Price:         dec("100"),
		ExecutionTime: at,
	}
}

func optExec(id, sym, strike string, at time.Time) models.Execution {
	return models.Execution{
		ExecID:        id,
		Underlying:    sym,
		SecurityType:  models.SecurityOption,
		OptionType:    models.OptionCall,
		Strike:        dec(strike),
		Expiration:    at.AddDate(0, 1, 0),
		Multiplier:    decimal.NewFromInt(100),
		Side:          models.SideBuy,
		Quantity:      dec("1"),
		Price:         dec("1.00"),
		ExecutionTime: at,
	}
}

func findKinds(fs []Finding) []FindingKind {
	var out []FindingKind
	for _, f := range fs {
		out = append(out, f.Kind)
	}
	return out
}

func TestFlagsPositionOutlier(t *testing.T) {
	var execs []models.Execution
	for i := 0; i < 20; i++ {
		execs = append(execs, stockExec(
			string(rune('a'+i)), "GME", models.SideBuy, "100", checkBase.Add(time.Duration(i)*time.Hour)))
	}
	execs = append(execs, stockExec("zz", "GME", models.SideBuy, "50000", checkBase.Add(30*time.Hour)))

	c := NewChecker(splits.NewCalendar(), quietLog())
	findings := c.Check(execs, nil)

	if len(findings) != 1 || findings[0].Kind != KindPositionOutlier {
		t.Fatalf("findings = %v, want one position_outlier", findKinds(findings))
	}
	if !findings[0].Value.Equal(dec("52000")) {
		t.Errorf("value = %s, want 52000", findings[0].Value)
	}
}

func TestBalancedHistoryClean(t *testing.T) {
	var execs []models.Execution
	for i := 0; i < 10; i++ {
		side := models.SideBuy
		if i%2 == 1 {
			side = models.SideSell
		}
		execs = append(execs, stockExec(
			string(rune('a'+i)), "SPY", side, "100", checkBase.Add(time.Duration(i)*time.Hour)))
	}

	c := NewChecker(splits.NewCalendar(), quietLog())
	if findings := c.Check(execs, nil); len(findings) != 0 {
		t.Errorf("findings = %v, want none", findKinds(findings))
	}
}

func TestSplitAdjustmentAppliedBeforeComparison(t *testing.T) {
	cal := splits.NewCalendar()
	if err := cal.Register(models.StockSplit{
		Symbol:    "NVDA",
		SplitDate: checkBase.AddDate(0, 0, 10),
		RatioFrom: dec("4"),
		RatioTo:   dec("1"),
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Pre-split lots of 400 adjust to 100, in line with post-split lots.
	var execs []models.Execution
	for i := 0; i < 5; i++ {
		execs = append(execs, stockExec(
			string(rune('a'+i)), "NVDA", models.SideBuy, "400", checkBase.Add(time.Duration(i)*time.Hour)))
	}
	for i := 0; i < 5; i++ {
		execs = append(execs, stockExec(
			string(rune('k'+i)), "NVDA", models.SideSell, "100", checkBase.AddDate(0, 0, 11+i)))
	}

	c := NewChecker(cal, quietLog())
	if findings := c.Check(execs, nil); len(findings) != 0 {
		t.Errorf("findings = %v, want none after adjustment", findKinds(findings))
	}
}

func TestFlagsImplausibleStrike(t *testing.T) {
	execs := []models.Execution{
		optExec("e1", "PENNY", "580", checkBase),
		optExec("e2", "PENNY", "580", checkBase.Add(time.Hour)),
		optExec("e3", "PENNY", "6", checkBase.Add(2*time.Hour)),
	}
	closes := map[string]decimal.Decimal{"PENNY": dec("5.00")}

	c := NewChecker(splits.NewCalendar(), quietLog())
	findings := c.Check(execs, closes)

	if len(findings) != 1 || findings[0].Kind != KindImplausibleStrike {
		t.Fatalf("findings = %v, want one implausible_strike", findKinds(findings))
	}
	if !findings[0].Value.Equal(dec("580")) {
		t.Errorf("value = %s, want 580", findings[0].Value)
	}
}

func TestStrikeCheckNeedsClose(t *testing.T) {
	execs := []models.Execution{optExec("e1", "PENNY", "580", checkBase)}

	c := NewChecker(splits.NewCalendar(), quietLog())
	if findings := c.Check(execs, nil); len(findings) != 0 {
		t.Errorf("findings = %v, want none without a close price", findKinds(findings))
	}
}

func TestSplitStraddleAdvisory(t *testing.T) {
	cal := splits.NewCalendar()
	splitDate := checkBase.AddDate(0, 0, 5)
	if err := cal.Register(models.StockSplit{
		Symbol:    "NVDA",
		SplitDate: splitDate,
		RatioFrom: dec("1"),
		RatioTo:   dec("4"),
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	execs := []models.Execution{
		optExec("e1", "NVDA", "500", splitDate.AddDate(0, 0, -2)),
		optExec("e2", "NVDA", "125", splitDate.AddDate(0, 0, 2)),
	}

	c := NewChecker(cal, quietLog())
	findings := c.Check(execs, map[string]decimal.Decimal{"NVDA": dec("130")})

	if len(findings) != 1 || findings[0].Kind != KindSplitAmbiguity {
		t.Fatalf("findings = %v, want one split_ambiguity", findKinds(findings))
	}
}

func TestPercentile95(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   string
	}{
		{"single", []string{"7"}, "7"},
		{"uniform", []string{"100", "100", "100"}, "100"},
		{"hundred", nil, "95"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var vals []decimal.Decimal
			if tt.values == nil {
				for i := 1; i <= 100; i++ {
					vals = append(vals, decimal.NewFromInt(int64(i)))
				}
			} else {
				for _, v := range tt.values {
					vals = append(vals, dec(v))
				}
			}
			if got := percentile95(vals); !got.Equal(dec(tt.want)) {
				t.Errorf("percentile95 = %s, want %s", got, tt.want)
			}
		})
	}
}

// Package mock provides deterministic canned data for the integration
// harness and local demos: a scripted execution history that exercises every
// pipeline path (round-trips, multi-leg groups, rolls, splits, cross-zero
// fills) and a synthetic market data provider with plausible Greeks. Nothing
// here is random; the same inputs always produce the same outputs.
package mock

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Tommyk15/trading-journal/internal/marketdata"
	"github.com/Tommyk15/trading-journal/internal/models"
)

// Script anchor. All canned fills hang off this timestamp.
var scriptBase = time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC)

const scriptAccount = "U0000001"

// Expirations used by the canned option fills.
var (
	expDec = time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)
	expJan = time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	expFeb = time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	expMar = time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
)

// Fills returns the canned execution history:
//
//   - an SPY stock round-trip,
//   - an SPY short strangle rolled out to new strikes and later closed,
//   - an SPY iron condor grouped by a single perm_id,
//   - a QQQ stock buy over-sold through zero into a short remainder,
//   - a QQQ vertical put credit spread,
//   - an NVDA position whose fills straddle a reverse split (see Splits).
//
// The slice is safe to mutate; every call builds a fresh copy.
func Fills() []models.RawExecution {
	day := 24 * time.Hour

	return []models.RawExecution{
		// SPY stock round-trip.
		stock("spy-stk-1", "ord-101", "SPY", "BOT", "100", "470.00", scriptBase),
		stock("spy-stk-2", "ord-102", "SPY", "SLD", "100", "480.00", scriptBase.Add(2*day)),

		// SPY short strangle, one order.
		option("spy-str-1", "ord-110", "", "SPY", "SLD", "P", "470", expDec, "5.00", scriptBase.Add(time.Hour)),
		option("spy-str-2", "ord-110", "", "SPY", "SLD", "C", "530", expDec, "4.00", scriptBase.Add(time.Hour+30*time.Second)),

		// Strangle closed a week later...
		option("spy-str-3", "ord-111", "", "SPY", "BOT", "P", "470", expDec, "7.50", scriptBase.Add(7*day)),
		option("spy-str-4", "ord-111", "", "SPY", "BOT", "C", "530", expDec, "1.10", scriptBase.Add(7*day+20*time.Second)),
		// ...and reopened four minutes later at new strikes and expiration,
		// which roll detection links to the closed trade.
		option("spy-str-5", "ord-112", "", "SPY", "SLD", "P", "460", expJan, "6.10", scriptBase.Add(7*day+4*time.Minute)),
		option("spy-str-6", "ord-112", "", "SPY", "SLD", "C", "535", expJan, "3.20", scriptBase.Add(7*day+4*time.Minute+15*time.Second)),

		// The rolled strangle closes for a profit.
		option("spy-str-7", "ord-113", "", "SPY", "BOT", "P", "460", expJan, "2.00", scriptBase.Add(30*day)),
		option("spy-str-8", "ord-113", "", "SPY", "BOT", "C", "535", expJan, "1.00", scriptBase.Add(30*day+10*time.Second)),

		// SPY iron condor, four orders sharing one perm_id.
		option("spy-ic-1", "ord-120", "perm-9001", "SPY", "SLD", "P", "450", expFeb, "3.10", scriptBase.Add(14*day)),
		option("spy-ic-2", "ord-121", "perm-9001", "SPY", "BOT", "P", "440", expFeb, "1.55", scriptBase.Add(14*day+5*time.Second)),
		option("spy-ic-3", "ord-122", "perm-9001", "SPY", "SLD", "C", "560", expFeb, "2.05", scriptBase.Add(14*day+10*time.Second)),
		option("spy-ic-4", "ord-123", "perm-9001", "SPY", "BOT", "C", "570", expFeb, "0.60", scriptBase.Add(14*day+15*time.Second)),

		// QQQ long 100 shares, then 150 sold: the fill closes the long and
		// opens a 50-share short in one execution.
		stock("qqq-stk-1", "ord-130", "QQQ", "BOT", "100", "500.00", scriptBase.Add(3*day)),
		stock("qqq-stk-2", "ord-131", "QQQ", "SLD", "150", "510.00", scriptBase.Add(4*day)),

		// QQQ vertical put credit spread, one order.
		option("qqq-vp-1", "ord-140", "", "QQQ", "SLD", "P", "480", expMar, "4.00", scriptBase.Add(5*day)),
		option("qqq-vp-2", "ord-140", "", "QQQ", "BOT", "P", "470", expMar, "2.20", scriptBase.Add(5*day+10*time.Second)),

		// NVDA fills straddling the 2025-06-01 reverse split. As reported:
		// 400 shares bought pre-split, 100 sold post-split. Registering the
		// split and reprocessing restates the buy to 100 shares.
		stock("nvda-stk-1", "ord-150", "NVDA", "BOT", "400", "25.00", time.Date(2025, 5, 15, 14, 30, 0, 0, time.UTC)),
		stock("nvda-stk-2", "ord-151", "NVDA", "SLD", "100", "105.00", time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC)),
	}
}

// Splits returns the corporate actions matching the canned fills: the NVDA
// 4:1 reverse split that Fills' pre-split position depends on.
func Splits() []models.StockSplit {
	return []models.StockSplit{
		{
			Symbol:    "NVDA",
			SplitDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			RatioFrom: decimal.NewFromInt(4),
			RatioTo:   decimal.NewFromInt(1),
		},
	}
}

func stock(execID, orderID, underlying, side, qty, price string, at time.Time) models.RawExecution {
	return models.RawExecution{
		ExecID:        execID,
		OrderID:       orderID,
		Underlying:    underlying,
		SecurityType:  "STK",
		Side:          side,
		Quantity:      decimal.RequireFromString(qty),
		Price:         decimal.RequireFromString(price),
		Commission:    decimal.RequireFromString("1.00"),
		ExecutionTime: at,
		AccountID:     scriptAccount,
	}
}

func option(execID, orderID, permID, underlying, side, right, strike string, exp time.Time, price string, at time.Time) models.RawExecution {
	return models.RawExecution{
		ExecID:        execID,
		OrderID:       orderID,
		PermID:        permID,
		Underlying:    underlying,
		SecurityType:  "OPT",
		OptionType:    right,
		Strike:        decimal.RequireFromString(strike),
		Expiration:    exp,
		Side:          side,
		Quantity:      decimal.NewFromInt(1),
		Price:         decimal.RequireFromString(price),
		Commission:    decimal.RequireFromString("0.65"),
		ExecutionTime: at,
		AccountID:     scriptAccount,
	}
}

// Closing prices served by the DataProvider. Unknown symbols fall back to
// defaultClose so the provider never fails a lookup.
var closes = map[string]string{
	"SPY":  "500.00",
	"QQQ":  "520.00",
	"NVDA": "110.00",
}

const (
	defaultClose = "100.00"
	baseIV       = 0.20
	riskFree     = "0.042"
)

// DataProvider is a deterministic market data source. Quotes come from a
// fixed table; Greeks follow a smooth moneyness curve so strikes near the
// money carry ~0.50 deltas that decay toward the wings.
type DataProvider struct{}

// NewDataProvider returns the scripted provider.
func NewDataProvider() *DataProvider { return &DataProvider{} }

var (
	_ marketdata.Provider     = (*DataProvider)(nil)
	_ marketdata.RateProvider = (*DataProvider)(nil)
)

// LastClose returns the scripted close for the symbol.
func (p *DataProvider) LastClose(_ context.Context, symbol string) (marketdata.Quote, error) {
	close, ok := closes[symbol]
	if !ok {
		close = defaultClose
	}
	return marketdata.Quote{
		Symbol: symbol,
		Close:  decimal.RequireFromString(close),
		AsOf:   time.Now().UTC(),
	}, nil
}

// OptionGreeks synthesizes Greeks from moneyness. Delta magnitude is 0.5 at
// the money, decays toward 0 out of the money, and approaches 1 in the
// money; call and put deltas at the same strike differ by exactly 1.
func (p *DataProvider) OptionGreeks(ctx context.Context, underlying string, optionType models.OptionType,
	strike decimal.Decimal, _ time.Time) (marketdata.GreeksSnapshot, error) {

	quote, err := p.LastClose(ctx, underlying)
	if err != nil {
		return marketdata.GreeksSnapshot{}, err
	}
	spot, _ := quote.Close.Float64()
	k, _ := strike.Float64()

	distance := math.Abs(k - spot)
	decay := math.Exp(-distance * 0.02)

	var delta float64
	switch optionType {
	case models.OptionCall:
		if k < spot {
			delta = 1 - 0.5*decay
		} else {
			delta = 0.5 * decay
		}
	case models.OptionPut:
		if k > spot {
			delta = -(1 - 0.5*decay)
		} else {
			delta = -0.5 * decay
		}
	}

	iv := baseIV + distance*0.0004 // gentle smile toward the wings
	return marketdata.GreeksSnapshot{
		Underlying: underlying,
		Delta:      greek(delta),
		Gamma:      greek(0.008 * decay),
		Theta:      greek(-spot * iv * 0.0005 * decay),
		Vega:       greek(spot * 0.004 * decay),
		IV:         greek(iv),
		AsOf:       time.Now().UTC(),
	}, nil
}

// RiskFreeRate returns a fixed annualized rate.
func (p *DataProvider) RiskFreeRate(context.Context) (decimal.Decimal, error) {
	return decimal.RequireFromString(riskFree), nil
}

func greek(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).RoundBank(models.GreekScale)
}

package journal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Tommyk15/trading-journal/internal/models"
	"github.com/Tommyk15/trading-journal/internal/storage"
)

var pctBase = decimal.NewFromInt(100)

// Summary aggregates trade performance for the stats endpoint. RealizedPnL
// is the gross ledger number; wins and losses are judged net of commission
// (plus any wash sale adjustment), so a trade that only paid for its fills
// counts as a loss.
type Summary struct {
	TotalTrades     int             `json:"total_trades"`
	OpenTrades      int             `json:"open_trades"`
	ClosedTrades    int             `json:"closed_trades"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	WinRatePct      decimal.Decimal `json:"win_rate_pct"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	Monthly         []MonthlyBucket `json:"monthly"`
	RollChains      int             `json:"roll_chains"`
	DroppedEvents   int64           `json:"dropped_events"`
	LastSyncAt      *time.Time      `json:"last_sync_at,omitempty"`
}

// MonthlyBucket is realized performance for one calendar month of closes.
type MonthlyBucket struct {
	Month       string          `json:"month"` // YYYY-MM
	Trades      int             `json:"trades"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Summarize computes the aggregate stats over every stored trade.
func (c *Core) Summarize(ctx context.Context) (*Summary, error) {
	trades, err := c.storage.ListTrades(ctx, storage.TradeFilter{})
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}

	s := &Summary{
		WinRatePct:      decimal.Zero,
		RealizedPnL:     decimal.Zero,
		TotalCommission: decimal.Zero,
	}
	buckets := make(map[string]*MonthlyBucket)
	chains := make(map[string]struct{})

	for _, tr := range trades {
		s.TotalTrades++
		s.RealizedPnL = s.RealizedPnL.Add(tr.RealizedPnL)
		s.TotalCommission = s.TotalCommission.Add(tr.TotalCommission)
		if tr.RollChainID != "" {
			chains[tr.RollChainID] = struct{}{}
		}

		if tr.Status != models.TradeClosed || tr.ClosedAt == nil {
			s.OpenTrades++
			continue
		}
		s.ClosedTrades++

		net := tr.RealizedPnL.Sub(tr.TotalCommission).Add(tr.WashSaleAdjustment)
		switch {
		case net.Sign() > 0:
			s.Wins++
		case net.Sign() < 0:
			s.Losses++
		}

		key := tr.ClosedAt.UTC().Format("2006-01")
		b, ok := buckets[key]
		if !ok {
			b = &MonthlyBucket{Month: key, RealizedPnL: decimal.Zero}
			buckets[key] = b
		}
		b.Trades++
		b.RealizedPnL = b.RealizedPnL.Add(tr.RealizedPnL)
	}

	if decided := s.Wins + s.Losses; decided > 0 {
		s.WinRatePct = decimal.NewFromInt(int64(s.Wins)).
			Mul(pctBase).
			Div(decimal.NewFromInt(int64(decided))).
			RoundBank(models.MoneyScale)
	}
	s.RealizedPnL = s.RealizedPnL.RoundBank(models.MoneyScale)
	s.TotalCommission = s.TotalCommission.RoundBank(models.MoneyScale)
	s.RollChains = len(chains)
	s.DroppedEvents = c.DroppedEvents()
	if t := c.LastSync(); !t.IsZero() {
		s.LastSyncAt = &t
	}

	months := make([]string, 0, len(buckets))
	for m := range buckets {
		months = append(months, m)
	}
	sort.Strings(months)
	for _, m := range months {
		b := buckets[m]
		b.RealizedPnL = b.RealizedPnL.RoundBank(models.MoneyScale)
		s.Monthly = append(s.Monthly, *b)
	}
	return s, nil
}

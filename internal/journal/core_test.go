package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tommyk15/trading-journal/internal/broker"
	"github.com/Tommyk15/trading-journal/internal/marketdata"
	"github.com/Tommyk15/trading-journal/internal/models"
	"github.com/Tommyk15/trading-journal/internal/splits"
	"github.com/Tommyk15/trading-journal/internal/storage"
)

var base = time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(decimal.RequireFromString(want)),
		"want %s, got %s", want, got)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestCore(store storage.Interface) *Core {
	return NewCore(store, splits.NewCalendar(), nil, testLogger())
}

// drainEvents empties the core's event buffer without blocking.
func drainEvents(c *Core) []models.Event {
	var out []models.Event
	for {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(events []models.Event) []models.EventType {
	out := make([]models.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func stockFill(id, order, side, qty, price string, at time.Time) models.RawExecution {
	return models.RawExecution{
		ExecID:        id,
		OrderID:       order,
		Underlying:    "SPY",
		SecurityType:  "STK",
		Side:          side,
		Quantity:      dec(qty),
		Price:         dec(price),
		Commission:    dec("1.00"),
		ExecutionTime: at,
		AccountID:     "U1234567",
	}
}

func optionFill(id, order, perm, side, right, strike string, exp time.Time, price string, at time.Time) models.RawExecution {
	return models.RawExecution{
		ExecID:        id,
		OrderID:       order,
		PermID:        perm,
		Underlying:    "SPY",
		SecurityType:  "OPT",
		OptionType:    right,
		Strike:        dec(strike),
		Expiration:    exp,
		Side:          side,
		Quantity:      dec("1"),
		Price:         dec(price),
		Commission:    dec("0.65"),
		ExecutionTime: at,
		AccountID:     "U1234567",
	}
}

// stubMarket scripts quotes and Greeks for enrichment tests and counts
// upstream calls.
type stubMarket struct {
	mu         sync.Mutex
	quoteCalls int
	greekCalls int
	quote      marketdata.Quote
	greeks     marketdata.GreeksSnapshot
}

var _ marketdata.Provider = (*stubMarket)(nil)

func (s *stubMarket) LastClose(_ context.Context, symbol string) (marketdata.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteCalls++
	q := s.quote
	q.Symbol = symbol
	return q, nil
}

func (s *stubMarket) OptionGreeks(_ context.Context, _ string, _ models.OptionType,
	_ decimal.Decimal, _ time.Time) (marketdata.GreeksSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greekCalls++
	return s.greeks, nil
}

func (s *stubMarket) calls() (quotes, greeks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quoteCalls, s.greekCalls
}

type fixedRate struct{ rate decimal.Decimal }

var _ marketdata.RateProvider = (*fixedRate)(nil)

func (f *fixedRate) RiskFreeRate(context.Context) (decimal.Decimal, error) {
	return f.rate, nil
}

func TestProcessExecutionsStockRoundTrip(t *testing.T) {
	store := storage.NewMockStorage()
	core := newTestCore(store)
	ctx := context.Background()

	stats, err := core.ProcessExecutions(ctx, []models.RawExecution{
		stockFill("s1-1", "o-1", "BOT", "100", "470", base),
		stockFill("s1-2", "o-2", "SLD", "100", "480", base.Add(48*time.Hour)),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Fetched)
	assert.Equal(t, 2, stats.New)
	assert.Equal(t, 0, stats.Existing)
	assert.Equal(t, 0, stats.Errors)

	trades, err := store.ListTrades(ctx, storage.TradeFilter{Underlying: "SPY"})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, models.StrategyStock, tr.StrategyType)
	assert.Equal(t, models.TradeClosed, tr.Status)
	assert.Equal(t, 2, tr.NumExecutions)
	assert.Equal(t, 1, tr.NumLegs)
	requireDec(t, "-47000", tr.OpeningCost)
	requireDec(t, "1000", tr.RealizedPnL)
	requireDec(t, "2.00", tr.TotalCommission)
	require.NotNil(t, tr.ClosedAt)
	assert.True(t, tr.ClosedAt.Equal(base.Add(48*time.Hour)))
	require.Len(t, tr.Legs, 1)
	assert.Equal(t, models.StockLegKey, tr.Legs[0].LegKey)

	entries, err := store.ListLedger(ctx, "SPY")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LedgerClosed, entries[0].Status)
	assert.True(t, entries[0].Quantity.IsZero())
	requireDec(t, "1000", entries[0].RealizedPnL)

	// Both executions back-link to the trade.
	execs, err := store.ListExecutions(ctx, "SPY")
	require.NoError(t, err)
	require.Len(t, execs, 2)
	for _, e := range execs {
		assert.Equal(t, tr.ID, e.TradeID)
	}

	events := drainEvents(core)
	assert.Equal(t, []models.EventType{models.EventTradeCreated, models.EventTradeClosed}, eventTypes(events))
}

func TestProcessExecutionsIsIdempotent(t *testing.T) {
	store := storage.NewMockStorage()
	core := newTestCore(store)
	ctx := context.Background()

	batch := []models.RawExecution{
		stockFill("s1-1", "o-1", "BOT", "100", "470", base),
		stockFill("s1-2", "o-2", "SLD", "100", "480", base.Add(48*time.Hour)),
	}
	_, err := core.ProcessExecutions(ctx, batch)
	require.NoError(t, err)

	trades, err := store.ListTrades(ctx, storage.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	firstID := trades[0].ID
	drainEvents(core)

	// Re-importing the same statement dedupes and re-derives the identical
	// state without announcing anything.
	stats, err := core.ProcessExecutions(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.New)
	assert.Equal(t, 2, stats.Existing)

	trades, err = store.ListTrades(ctx, storage.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, firstID, trades[0].ID)
	assert.Empty(t, drainEvents(core))
}

func TestProcessExecutionsVerticalPutSpread(t *testing.T) {
	store := storage.NewMockStorage()
	core := newTestCore(store)
	ctx := context.Background()
	exp := time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)

	_, err := core.ProcessExecutions(ctx, []models.RawExecution{
		optionFill("v-1", "ord-v", "", "SLD", "P", "470", exp, "5.00", base),
		optionFill("v-2", "ord-v", "", "BOT", "P", "460", exp, "3.00", base),
	})
	require.NoError(t, err)

	trades, err := store.ListTrades(ctx, storage.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, models.StrategyVerticalPut, tr.StrategyType)
	assert.Equal(t, models.TradeOpen, tr.Status)
	assert.Equal(t, 2, tr.NumLegs)
	requireDec(t, "200", tr.OpeningCost)
	require.Len(t, tr.Legs, 2)
	requireDec(t, "1", tr.Legs[0].Quantity)  // long 460P
	requireDec(t, "-1", tr.Legs[1].Quantity) // short 470P

	require.NotNil(t, tr.Analytics)
	require.NotNil(t, tr.Analytics.MaxProfit)
	requireDec(t, "200", *tr.Analytics.MaxProfit)
	require.NotNil(t, tr.Analytics.MaxRisk)
	requireDec(t, "800", *tr.Analytics.MaxRisk)
	require.Len(t, tr.Analytics.Breakevens, 1)
	requireDec(t, "468", tr.Analytics.Breakevens[0])
	require.NotNil(t, tr.Analytics.Collateral)
	requireDec(t, "1000", *tr.Analytics.Collateral)
	// No market data wired: Greeks and probability cannot be computed.
	assert.True(t, tr.Analytics.Partial)
	assert.Nil(t, tr.Analytics.NetDelta)
}

func TestProcessExecutionsIronCondorGroupsByPermID(t *testing.T) {
	store := storage.NewMockStorage()
	core := newTestCore(store)
	ctx := context.Background()
	exp := time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)

	_, err := core.ProcessExecutions(ctx, []models.RawExecution{
		optionFill("ic-1", "ord-1", "perm-ic", "SLD", "P", "470", exp, "4.00", base),
		optionFill("ic-2", "ord-2", "perm-ic", "BOT", "P", "460", exp, "2.50", base.Add(time.Second)),
		optionFill("ic-3", "ord-3", "perm-ic", "SLD", "C", "530", exp, "3.50", base.Add(2*time.Second)),
		optionFill("ic-4", "ord-4", "perm-ic", "BOT", "C", "540", exp, "2.00", base.Add(3*time.Second)),
	})
	require.NoError(t, err)

	trades, err := store.ListTrades(ctx, storage.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, models.StrategyIronCondor, tr.StrategyType)
	assert.Equal(t, 4, tr.NumLegs)
	assert.Equal(t, 4, tr.NumExecutions)
	requireDec(t, "300", tr.OpeningCost)

	require.NotNil(t, tr.Analytics)
	require.NotNil(t, tr.Analytics.MaxProfit)
	requireDec(t, "300", *tr.Analytics.MaxProfit)
	require.NotNil(t, tr.Analytics.MaxRisk)
	requireDec(t, "700", *tr.Analytics.MaxRisk)
	require.Len(t, tr.Analytics.Breakevens, 2)
	requireDec(t, "467", tr.Analytics.Breakevens[0])
	requireDec(t, "533", tr.Analytics.Breakevens[1])
}

func TestProcessExecutionsSkipsMalformed(t *testing.T) {
	store := storage.NewMockStorage()
	core := newTestCore(store)
	ctx := context.Background()

	bad := stockFill("bad-1", "o-1", "SHORT", "100", "470", base)
	good := stockFill("ok-1", "o-2", "BOT", "100", "470", base)

	stats, err := core.ProcessExecutions(ctx, []models.RawExecution{bad, good})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Fetched)
	assert.Equal(t, 1, stats.New)
	assert.Equal(t, 1, stats.Errors)

	execs, err := store.ListExecutions(ctx, "")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "ok-1", execs[0].ExecID)
}

func TestProcessExecutionsStorageFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("save failure aborts the batch", func(t *testing.T) {
		store := storage.NewMockStorage()
		store.SetSaveError(errors.New("disk full"))
		core := newTestCore(store)

		_, err := core.ProcessExecutions(ctx, []models.RawExecution{
			stockFill("s1-1", "o-1", "BOT", "100", "470", base),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "save executions")
	})

	t.Run("replay failure is counted, not fatal", func(t *testing.T) {
		store := storage.NewMockStorage()
		store.SetReplaceError(errors.New("locked"))
		core := newTestCore(store)

		stats, err := core.ProcessExecutions(ctx, []models.RawExecution{
			stockFill("s1-1", "o-1", "BOT", "100", "470", base),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.New)
		assert.GreaterOrEqual(t, stats.Errors, 1)
	})
}

func TestCrossZeroSplitsTrades(t *testing.T) {
	store := storage.NewMockStorage()
	core := newTestCore(store)
	ctx := context.Background()

	_, err := core.ProcessExecutions(ctx, []models.RawExecution{
		stockFill("z-1", "o-1", "BOT", "100", "100", base),
		stockFill("z-2", "o-2", "SLD", "150", "110", base.Add(time.Hour)),
	})
	require.NoError(t, err)

	trades, err := store.ListTrades(ctx, storage.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 2)

	var closed, flipped *models.Trade
	for _, tr := range trades {
		if tr.Status == models.TradeClosed {
			closed = tr
		} else {
			flipped = tr
		}
	}
	require.NotNil(t, closed)
	require.NotNil(t, flipped)

	requireDec(t, "1000", closed.RealizedPnL)
	assert.Equal(t, 2, closed.NumExecutions)

	// The remainder opened short on a fresh trade funded by the same fill.
	require.Len(t, flipped.Legs, 1)
	requireDec(t, "-50", flipped.Legs[0].Quantity)
	requireDec(t, "5500", flipped.OpeningCost)
	assert.Equal(t, 0, flipped.NumExecutions)

	// The crossing execution belongs to the trade it closed.
	execs, err := store.ListExecutions(ctx, "SPY")
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, closed.ID, execs[1].TradeID)

	entries, err := store.ListLedger(ctx, "SPY")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.LedgerClosed, entries[0].Status)
	assert.Equal(t, models.LedgerOpen, entries[1].Status)
	requireDec(t, "-50", entries[1].Quantity)
}

func TestReprocessRestatesLateSplit(t *testing.T) {
	store := storage.NewMockStorage()
	core := newTestCore(store)
	ctx := context.Background()

	pre := stockFill("n-1", "o-1", "BOT", "400", "25", time.Date(2025, 5, 15, 14, 30, 0, 0, time.UTC))
	pre.Underlying = "NVDA"
	post := stockFill("n-2", "o-2", "SLD", "100", "105", time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC))
	post.Underlying = "NVDA"

	_, err := core.ProcessExecutions(ctx, []models.RawExecution{pre, post})
	require.NoError(t, err)

	// Without the split on record the sale reads as a partial close.
	trades, err := store.ListTrades(ctx, storage.TradeFilter{Underlying: "NVDA"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeOpen, trades[0].Status)
	drainEvents(core)

	require.NoError(t, core.RegisterSplit(ctx, &models.StockSplit{
		Symbol:    "NVDA",
		SplitDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		RatioFrom: dec("4"),
		RatioTo:   dec("1"),
	}))

	stats, err := core.ReprocessAll(ctx)
	require.NoError(t, err)
	assert.Contains(t, stats.Message, "reprocessed 1 underlying")

	trades, err = store.ListTrades(ctx, storage.TradeFilter{Underlying: "NVDA"})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, models.TradeClosed, tr.Status)
	requireDec(t, "500", tr.RealizedPnL)
	require.Len(t, tr.Legs, 1)
	requireDec(t, "100", tr.Legs[0].Quantity) // split-adjusted opening size

	// Stored executions keep the broker's as-reported numbers.
	execs, err := store.ListExecutions(ctx, "NVDA")
	require.NoError(t, err)
	require.Len(t, execs, 2)
	requireDec(t, "400", execs[0].Quantity)
	requireDec(t, "25", execs[0].Price)

	entries, err := store.ListLedger(ctx, "NVDA")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LedgerClosed, entries[0].Status)
	requireDec(t, "500", entries[0].RealizedPnL)

	// The restatement closed a previously open trade.
	events := drainEvents(core)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTradeClosed, events[0].Type)
}

func TestDetectRollsLinksAndIsIdempotent(t *testing.T) {
	store := storage.NewMockStorage()
	core := newTestCore(store)
	ctx := context.Background()
	exp1 := time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)
	exp2 := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	closeAt := base.Add(48 * time.Hour)

	_, err := core.ProcessExecutions(ctx, []models.RawExecution{
		optionFill("r-1", "ord-1", "", "SLD", "P", "470", exp1, "5.00", base),
		optionFill("r-2", "ord-2", "", "BOT", "P", "470", exp1, "2.00", closeAt),
		optionFill("r-3", "ord-3", "", "SLD", "P", "450", exp2, "4.80", closeAt.Add(5*time.Minute)),
	})
	require.NoError(t, err)
	drainEvents(core)

	stats, err := core.DetectRolls(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Fetched)
	assert.Equal(t, 1, stats.New)
	assert.Equal(t, 0, stats.Errors)

	trades, err := store.ListTrades(ctx, storage.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 2)

	var from, to *models.Trade
	for _, tr := range trades {
		if tr.Status == models.TradeClosed {
			from = tr
		} else {
			to = tr
		}
	}
	require.NotNil(t, from)
	require.NotNil(t, to)
	assert.Equal(t, to.ID, from.RolledToTradeID)
	assert.Equal(t, from.ID, to.RolledFromTradeID)
	assert.True(t, to.IsRoll)
	require.NotEmpty(t, from.RollChainID)
	assert.Equal(t, from.RollChainID, to.RollChainID)

	events := drainEvents(core)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventRollLinked, events[0].Type)
	assert.Equal(t, from.RollChainID, events[0].RollChainID)

	chain, err := store.GetRollChain(ctx, from.RollChainID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, from.ID, chain[0].ID)
	assert.Equal(t, to.ID, chain[1].ID)

	// A second pass finds nothing new and leaves the chain untouched.
	stats, err = core.DetectRolls(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.New)
	assert.Empty(t, drainEvents(core))

	again, err := store.GetRollChain(ctx, from.RollChainID)
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestSyncRequiresBroker(t *testing.T) {
	core := newTestCore(storage.NewMockStorage())
	_, err := core.Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no broker")
}

func TestSyncAdvancesWatermark(t *testing.T) {
	store := storage.NewMockStorage()
	mock := broker.NewMockBroker([]models.RawExecution{
		stockFill("s1-1", "o-1", "BOT", "100", "470", base),
		stockFill("s1-2", "o-2", "SLD", "100", "480", base.Add(48*time.Hour)),
	})
	core := newTestCore(store).WithBroker(mock)
	ctx := context.Background()

	require.True(t, core.LastSync().IsZero())

	stats, err := core.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Fetched)
	assert.Equal(t, 2, stats.New)
	assert.False(t, core.LastSync().IsZero())
	assert.Len(t, drainEvents(core), 2)

	// The next sync fetches from the watermark; the old fills stay behind it.
	stats, err = core.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Fetched)
	assert.Equal(t, 0, stats.New)
	assert.Empty(t, drainEvents(core))

	trades, err := store.ListTrades(ctx, storage.TradeFilter{})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestEnrichmentWithMarketData(t *testing.T) {
	store := storage.NewMockStorage()
	market := &stubMarket{
		quote: marketdata.Quote{Close: dec("500"), AsOf: base},
		greeks: marketdata.GreeksSnapshot{
			Delta: dec("-0.30"),
			Gamma: dec("0.01"),
			Theta: dec("-0.05"),
			Vega:  dec("0.40"),
			IV:    dec("0.20"),
			AsOf:  base,
		},
	}
	core := newTestCore(store).
		WithMarketData(market).
		WithRates(&fixedRate{rate: dec("0.04")})
	ctx := context.Background()
	exp := time.Date(2030, 1, 18, 0, 0, 0, 0, time.UTC)

	// Short strangle opens: Greeks snapshot at open.
	_, err := core.ProcessExecutions(ctx, []models.RawExecution{
		optionFill("g-1", "ord-g1", "", "SLD", "P", "470", exp, "5.00", base),
		optionFill("g-2", "ord-g1", "", "SLD", "C", "530", exp, "4.00", base),
	})
	require.NoError(t, err)

	trades, err := store.ListTrades(ctx, storage.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tradeID := trades[0].ID

	tr := trades[0]
	assert.Equal(t, models.StrategyStrangle, tr.StrategyType)
	require.NotNil(t, tr.Analytics)
	require.NotNil(t, tr.Analytics.NetDelta)
	requireDec(t, "60", *tr.Analytics.NetDelta)
	require.NotNil(t, tr.Analytics.NetTheta)
	requireDec(t, "10", *tr.Analytics.NetTheta)
	require.NotNil(t, tr.Analytics.ProbabilityOfProfit)
	assert.True(t, tr.Analytics.ProbabilityOfProfit.GreaterThanOrEqual(dec("1")))
	assert.True(t, tr.Analytics.ProbabilityOfProfit.LessThanOrEqual(dec("99")))
	require.NotNil(t, tr.Analytics.Collateral)
	requireDec(t, "10600", *tr.Analytics.Collateral) // larger naked side: 530*100*20%
	assert.False(t, tr.Analytics.Partial)

	stored, err := store.ListLegGreeks(ctx, tradeID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, g := range stored {
		assert.Equal(t, models.GreeksAtOpen, g.Stage)
	}
	_, greeks := market.calls()
	assert.Equal(t, 2, greeks)

	// Closing the strangle captures the close-stage snapshots.
	_, err = core.ProcessExecutions(ctx, []models.RawExecution{
		optionFill("g-3", "ord-g2", "", "BOT", "P", "470", exp, "3.00", base.Add(24*time.Hour)),
		optionFill("g-4", "ord-g2", "", "BOT", "C", "530", exp, "2.00", base.Add(24*time.Hour)),
	})
	require.NoError(t, err)

	closedTr, err := store.GetTrade(ctx, tradeID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, closedTr.Status)
	requireDec(t, "400", closedTr.RealizedPnL)

	stored, err = store.ListLegGreeks(ctx, tradeID)
	require.NoError(t, err)
	assert.Len(t, stored, 4) // two legs, open and close stages
	_, greeks = market.calls()
	assert.Equal(t, 4, greeks)

	// A settled trade reuses its stored close snapshots on reprocess.
	_, err = core.ReprocessAll(ctx)
	require.NoError(t, err)

	_, greeks = market.calls()
	assert.Equal(t, 4, greeks)

	reprocessed, err := store.GetTrade(ctx, tradeID)
	require.NoError(t, err)
	require.NotNil(t, reprocessed.Analytics)
	require.NotNil(t, reprocessed.Analytics.NetDelta)
	requireDec(t, "60", *reprocessed.Analytics.NetDelta)
}

func TestSummarize(t *testing.T) {
	store := storage.NewMockStorage()
	core := newTestCore(store)
	ctx := context.Background()

	win := time.Date(2025, 11, 20, 16, 0, 0, 0, time.UTC)
	loss := time.Date(2025, 12, 1, 16, 0, 0, 0, time.UTC)
	scratch := time.Date(2025, 12, 2, 16, 0, 0, 0, time.UTC)

	store.PutTrade(&models.Trade{
		ID: "t-win", Underlying: "SPY", Status: models.TradeClosed,
		OpenedAt: base, ClosedAt: &win,
		RealizedPnL: dec("1000"), TotalCommission: dec("2.00"),
		RollChainID: "chain-1",
	})
	store.PutTrade(&models.Trade{
		ID: "t-loss", Underlying: "SPY", Status: models.TradeClosed,
		OpenedAt: base, ClosedAt: &loss,
		RealizedPnL: dec("-500"), TotalCommission: dec("1.00"),
		RollChainID: "chain-1",
	})
	// Gross gain fully consumed by commission: neither win nor loss.
	store.PutTrade(&models.Trade{
		ID: "t-scratch", Underlying: "NVDA", Status: models.TradeClosed,
		OpenedAt: base, ClosedAt: &scratch,
		RealizedPnL: dec("1.00"), TotalCommission: dec("1.00"),
	})
	store.PutTrade(&models.Trade{
		ID: "t-open", Underlying: "SPY", Status: models.TradeOpen,
		OpenedAt: base, TotalCommission: dec("0.65"),
	})

	s, err := core.Summarize(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, s.TotalTrades)
	assert.Equal(t, 1, s.OpenTrades)
	assert.Equal(t, 3, s.ClosedTrades)
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 1, s.Losses)
	requireDec(t, "50", s.WinRatePct)
	requireDec(t, "501", s.RealizedPnL)
	requireDec(t, "4.65", s.TotalCommission)
	assert.Equal(t, 1, s.RollChains)
	assert.Nil(t, s.LastSyncAt)

	require.Len(t, s.Monthly, 2)
	assert.Equal(t, "2025-11", s.Monthly[0].Month)
	assert.Equal(t, 1, s.Monthly[0].Trades)
	requireDec(t, "1000", s.Monthly[0].RealizedPnL)
	assert.Equal(t, "2025-12", s.Monthly[1].Month)
	assert.Equal(t, 2, s.Monthly[1].Trades)
	requireDec(t, "-499", s.Monthly[1].RealizedPnL)
}

func TestCheckIntegrityReportsCleanHistory(t *testing.T) {
	store := storage.NewMockStorage()
	core := newTestCore(store)
	ctx := context.Background()

	_, err := core.ProcessExecutions(ctx, []models.RawExecution{
		stockFill("s1-1", "o-1", "BOT", "100", "470", base),
		stockFill("s1-2", "o-2", "SLD", "100", "480", base.Add(48*time.Hour)),
	})
	require.NoError(t, err)

	report, err := core.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
	assert.Equal(t, 2, report.Stats.Fetched)
	assert.Contains(t, report.Stats.Message, "0 finding(s)")
}

func TestRegisterSplitRejectsDuplicate(t *testing.T) {
	store := storage.NewMockStorage()
	core := newTestCore(store)
	ctx := context.Background()

	split := models.StockSplit{
		Symbol:    "NVDA",
		SplitDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		RatioFrom: dec("4"),
		RatioTo:   dec("1"),
	}
	require.NoError(t, core.RegisterSplit(ctx, &split))

	stored, err := store.ListSplits(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	dup := split
	dup.ID = 0
	err = core.RegisterSplit(ctx, &dup)
	assert.ErrorIs(t, err, storage.ErrDuplicateSplit)
}

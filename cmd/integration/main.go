// Command integration replays the canned execution history through the full
// journal pipeline against a throwaway database: sync, grouping, analytics,
// split restatement, and roll detection. It prints the resulting trades and
// exits non-zero when any invariant fails.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/broker"
	"github.com/Tommyk15/trading-journal/internal/journal"
	"github.com/Tommyk15/trading-journal/internal/mock"
	"github.com/Tommyk15/trading-journal/internal/models"
	"github.com/Tommyk15/trading-journal/internal/splits"
	"github.com/Tommyk15/trading-journal/internal/storage"
)

func main() {
	fmt.Println("=== Trading Journal - End-to-End Integration Test ===")
	fmt.Println()

	dir, err := os.MkdirTemp("", "journal-integration-*")
	if err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("Warning: failed to clean up %s: %v", dir, err)
		}
	}()

	store, err := storage.NewStorage(filepath.Join(dir, "journal.db"))
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Warning: failed to close storage: %v", err)
		}
	}()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	src := broker.NewMockBroker(mock.Fills())
	provider := mock.NewDataProvider()
	core := journal.NewCore(store, splits.NewCalendar(), nil, logger).
		WithBroker(src).
		WithMarketData(provider).
		WithRates(provider)

	fmt.Println("All components initialized")
	fmt.Println()

	if !runTests(core, store, src) {
		os.Exit(1)
	}
}

func runTests(core *journal.Core, store storage.Interface, src *broker.MockBroker) bool {
	ctx := context.Background()
	testsPassed := 0
	totalTests := 6

	fmt.Println("Test 1: Broker Connectivity")
	fmt.Println("============================")
	report(testBrokerConnectivity(ctx, src), &testsPassed)

	fmt.Println("Test 2: Sync Pipeline")
	fmt.Println("======================")
	report(testSyncPipeline(ctx, core), &testsPassed)

	fmt.Println("Test 3: Trade Grouping and Classification")
	fmt.Println("==========================================")
	report(testGroupingAndClassification(ctx, store), &testsPassed)

	fmt.Println("Test 4: Split Restatement")
	fmt.Println("==========================")
	report(testSplitRestatement(ctx, core, store), &testsPassed)

	fmt.Println("Test 5: Roll Detection")
	fmt.Println("=======================")
	report(testRollDetection(ctx, core, store), &testsPassed)

	fmt.Println("Test 6: Ledger Invariants and Determinism")
	fmt.Println("==========================================")
	report(testInvariants(ctx, core, store), &testsPassed)

	fmt.Println("=== Integration Test Results ===")
	fmt.Printf("Tests Passed: %d/%d\n", testsPassed, totalTests)
	if testsPassed == totalTests {
		fmt.Println("ALL TESTS PASSED")
		return true
	}
	fmt.Printf("%d test(s) failed - review output above\n", totalTests-testsPassed)
	return false
}

func report(ok bool, passed *int) {
	if ok {
		*passed++
		fmt.Println("PASSED")
	} else {
		fmt.Println("FAILED")
	}
	fmt.Println()
}

func testBrokerConnectivity(ctx context.Context, src *broker.MockBroker) bool {
	if err := src.AuthStatus(ctx); err != nil {
		log.Printf("Auth status failed: %v", err)
		return false
	}

	fills, err := src.FetchExecutions(ctx, time.Time{})
	if err != nil {
		log.Printf("Fetch failed: %v", err)
		return false
	}
	log.Printf("Broker serves %d scripted fills", len(fills))
	return len(fills) > 0
}

func testSyncPipeline(ctx context.Context, core *journal.Core) bool {
	stats, err := core.Sync(ctx)
	if err != nil {
		log.Printf("Sync failed: %v", err)
		return false
	}
	log.Printf("Sync stats: %s", stats.String())

	if stats.Errors > 0 {
		log.Printf("Sync reported %d error(s)", stats.Errors)
		return false
	}
	if stats.New != stats.Fetched {
		log.Printf("Expected every fetched fill to be new: %s", stats.String())
		return false
	}
	return true
}

func testGroupingAndClassification(ctx context.Context, store storage.Interface) bool {
	trades, err := store.ListTrades(ctx, storage.TradeFilter{})
	if err != nil {
		log.Printf("Listing trades failed: %v", err)
		return false
	}
	log.Printf("Materialized %d trades", len(trades))
	for _, tr := range trades {
		log.Printf("  %s %-14s %-6s legs=%d execs=%d pnl=%s",
			tr.Underlying, tr.StrategyType, tr.Status, tr.NumLegs, tr.NumExecutions, tr.RealizedPnL)
	}

	// The SPY stock round-trip: closed, +1000 before commissions.
	stock := findTrade(trades, "SPY", models.StrategyStock, models.TradeClosed)
	if stock == nil || !stock.RealizedPnL.Equal(decimal.NewFromInt(1000)) {
		log.Printf("SPY stock round-trip missing or wrong P&L")
		return false
	}

	// The iron condor groups four fills under one perm_id.
	condor := findTrade(trades, "SPY", models.StrategyIronCondor, models.TradeOpen)
	if condor == nil || condor.NumLegs != 4 || condor.NumExecutions != 4 {
		log.Printf("SPY iron condor missing or malformed")
		return false
	}
	if condor.Analytics == nil || len(condor.Analytics.Breakevens) != 2 {
		log.Printf("Iron condor analytics missing breakevens")
		return false
	}

	// The vertical put credit spread opened for a 1.80 credit.
	vertical := findTrade(trades, "QQQ", models.StrategyVerticalPut, models.TradeOpen)
	if vertical == nil || !vertical.OpeningCost.Equal(decimal.NewFromInt(180)) {
		log.Printf("QQQ vertical put missing or wrong opening cost")
		return false
	}

	// The cross-zero QQQ sale closes the long and opens a separate short.
	var qqqStock []*models.Trade
	for _, tr := range trades {
		if tr.Underlying == "QQQ" && tr.StrategyType == models.StrategyStock {
			qqqStock = append(qqqStock, tr)
		}
	}
	if len(qqqStock) != 2 {
		log.Printf("Expected the cross-zero fill to split QQQ stock into 2 trades, got %d", len(qqqStock))
		return false
	}
	return true
}

func testSplitRestatement(ctx context.Context, core *journal.Core, store storage.Interface) bool {
	for _, split := range mock.Splits() {
		s := split
		if err := core.RegisterSplit(ctx, &s); err != nil {
			log.Printf("Registering split failed: %v", err)
			return false
		}
	}

	stats, err := core.ReprocessAll(ctx)
	if err != nil {
		log.Printf("Reprocess failed: %v", err)
		return false
	}
	log.Printf("Reprocess stats: %s", stats.String())

	trades, err := store.ListTrades(ctx, storage.TradeFilter{Underlying: "NVDA"})
	if err != nil {
		log.Printf("Listing NVDA trades failed: %v", err)
		return false
	}
	if len(trades) != 1 {
		log.Printf("Expected one NVDA trade, got %d", len(trades))
		return false
	}

	// 400 pre-split shares restate to 100; selling 100 post-split flattens
	// the position for (105 - 100) * 100 = +500.
	tr := trades[0]
	if tr.Status != models.TradeClosed || !tr.RealizedPnL.Equal(decimal.NewFromInt(500)) {
		log.Printf("NVDA restatement wrong: status=%s pnl=%s", tr.Status, tr.RealizedPnL)
		return false
	}
	log.Printf("NVDA split restated: %s realized", tr.RealizedPnL)
	return true
}

func testRollDetection(ctx context.Context, core *journal.Core, store storage.Interface) bool {
	stats, err := core.DetectRolls(ctx)
	if err != nil {
		log.Printf("Roll detection failed: %v", err)
		return false
	}
	log.Printf("Linked %d roll(s)", stats.New)
	if stats.New == 0 {
		log.Printf("Expected the rolled SPY strangle to link")
		return false
	}

	trades, err := store.ListTrades(ctx, storage.TradeFilter{Underlying: "SPY", Strategy: models.StrategyStrangle})
	if err != nil {
		log.Printf("Listing strangles failed: %v", err)
		return false
	}
	var chain string
	var rolled *models.Trade
	for _, tr := range trades {
		if tr.IsRoll {
			rolled = tr
		}
		if tr.RollChainID != "" {
			chain = tr.RollChainID
		}
	}
	if rolled == nil || chain == "" || rolled.RolledFromTradeID == "" {
		log.Printf("Roll links incomplete")
		return false
	}

	members, err := store.GetRollChain(ctx, chain)
	if err != nil || len(members) != 2 {
		log.Printf("Roll chain lookup failed: %v (members=%d)", err, len(members))
		return false
	}

	// Idempotency: a second pass must not add links.
	again, err := core.DetectRolls(ctx)
	if err != nil {
		log.Printf("Second roll pass failed: %v", err)
		return false
	}
	if again.New != 0 {
		log.Printf("Roll detection is not idempotent: %d new links on rerun", again.New)
		return false
	}
	return true
}

func testInvariants(ctx context.Context, core *journal.Core, store storage.Interface) bool {
	entries, err := store.ListLedger(ctx, "")
	if err != nil {
		log.Printf("Listing ledger failed: %v", err)
		return false
	}
	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			log.Printf("Ledger invariant violated: %v", err)
			return false
		}
	}
	log.Printf("%d ledger rows validate", len(entries))

	before, err := store.ListTrades(ctx, storage.TradeFilter{})
	if err != nil {
		log.Printf("Listing trades failed: %v", err)
		return false
	}

	if _, err := core.ReprocessAll(ctx); err != nil {
		log.Printf("Second reprocess failed: %v", err)
		return false
	}

	after, err := store.ListTrades(ctx, storage.TradeFilter{})
	if err != nil {
		log.Printf("Listing trades after reprocess failed: %v", err)
		return false
	}
	if len(before) != len(after) {
		log.Printf("Reprocess changed trade count: %d -> %d", len(before), len(after))
		return false
	}
	ids := make(map[string]struct{}, len(before))
	for _, tr := range before {
		ids[tr.ID] = struct{}{}
	}
	for _, tr := range after {
		if _, ok := ids[tr.ID]; !ok {
			log.Printf("Reprocess is not deterministic: new trade id %s", tr.ID)
			return false
		}
	}
	log.Printf("Reprocess reproduced %d trades with identical ids", len(after))

	report, err := core.CheckIntegrity(ctx)
	if err != nil {
		log.Printf("Integrity check failed: %v", err)
		return false
	}
	log.Printf("Integrity: %s", report.Stats.Message)
	return true
}

func findTrade(trades []*models.Trade, underlying string, strategy models.StrategyType, status models.TradeStatus) *models.Trade {
	for _, tr := range trades {
		if tr.Underlying == underlying && tr.StrategyType == strategy && tr.Status == status {
			return tr
		}
	}
	return nil
}

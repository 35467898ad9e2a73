// Package journal drives the pipeline end to end: it pulls fills from the
// broker, canonicalizes and stores them, replays affected partitions through
// the position ledger and grouping engine, enriches the resulting trades
// with strategy tags, Greeks, and analytics, and publishes change events for
// the API stream.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Tommyk15/trading-journal/internal/analytics"
	"github.com/Tommyk15/trading-journal/internal/broker"
	"github.com/Tommyk15/trading-journal/internal/config"
	"github.com/Tommyk15/trading-journal/internal/grouping"
	"github.com/Tommyk15/trading-journal/internal/integrity"
	"github.com/Tommyk15/trading-journal/internal/ledger"
	"github.com/Tommyk15/trading-journal/internal/marketdata"
	"github.com/Tommyk15/trading-journal/internal/models"
	"github.com/Tommyk15/trading-journal/internal/normalize"
	"github.com/Tommyk15/trading-journal/internal/rolls"
	"github.com/Tommyk15/trading-journal/internal/splits"
	"github.com/Tommyk15/trading-journal/internal/storage"
	"github.com/Tommyk15/trading-journal/internal/strategy"
)

const (
	defaultEventBuffer = 256
	defaultWorkers     = 4

	// syncOverlap backdates incremental fetches so fills reported late by
	// the broker are not missed. Dedupe absorbs the refetched ones.
	syncOverlap = 10 * time.Minute
)

// Core holds the wiring for every top-level journal operation. Construct it
// once at startup; all methods are safe for concurrent use, with Sync,
// ProcessExecutions, ReprocessAll, and DetectRolls serialized internally.
type Core struct {
	storage    storage.Interface
	broker     broker.Interface        // nil when no execution source is wired
	provider   marketdata.Provider     // nil without a market data key
	rates      marketdata.RateProvider // nil without a FRED key
	calendar   *splits.Calendar
	normalizer *normalize.Normalizer
	checker    *integrity.Checker
	log        *logrus.Logger

	openWindow    time.Duration
	rollWindow    time.Duration
	workers       int
	defaultMargin func(string) models.MarginSettings

	syncMu sync.Mutex // serializes the mutating pipeline operations

	stateMu  sync.Mutex
	lastSync time.Time

	events        chan models.Event
	droppedEvents atomic.Int64
}

// NewCore builds a core over opened storage and a seeded split calendar.
// Windows, worker count, and margin defaults come from the config; a nil
// config means package defaults.
func NewCore(store storage.Interface, calendar *splits.Calendar, cfg *config.Config, log *logrus.Logger) *Core {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if calendar == nil {
		calendar = splits.NewCalendar()
	}

	workers := defaultWorkers
	var openWindow, rollWindow time.Duration
	var defaultMargin func(string) models.MarginSettings
	if cfg != nil {
		workers = cfg.Sync.Workers
		openWindow = cfg.OpenWindow()
		rollWindow = cfg.RollWindow()
		defaultMargin = cfg.MarginSettings
	}
	if workers <= 0 {
		workers = defaultWorkers
	}

	return &Core{
		storage:       store,
		calendar:      calendar,
		normalizer:    normalize.New(calendar, log),
		checker:       integrity.NewChecker(calendar, log),
		log:           log,
		openWindow:    openWindow,
		rollWindow:    rollWindow,
		workers:       workers,
		defaultMargin: defaultMargin,
		events:        make(chan models.Event, defaultEventBuffer),
	}
}

// WithBroker attaches the execution source used by Sync.
func (c *Core) WithBroker(b broker.Interface) *Core {
	c.broker = b
	return c
}

// WithMarketData attaches the quote and Greeks provider.
func (c *Core) WithMarketData(p marketdata.Provider) *Core {
	c.provider = p
	return c
}

// WithRates attaches the risk-free rate source.
func (c *Core) WithRates(r marketdata.RateProvider) *Core {
	c.rates = r
	return c
}

// Events exposes the journal's event stream. The channel is never closed;
// consumers select against their own shutdown signal. When the buffer is
// full, events are dropped and counted rather than blocking the pipeline.
func (c *Core) Events() <-chan models.Event {
	return c.events
}

// DroppedEvents reports how many events were discarded on a full buffer.
func (c *Core) DroppedEvents() int64 {
	return c.droppedEvents.Load()
}

// LastSync reports when the last successful broker sync started, zero before
// the first one.
func (c *Core) LastSync() time.Time {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastSync
}

func (c *Core) setLastSync(t time.Time) {
	c.stateMu.Lock()
	c.lastSync = t
	c.stateMu.Unlock()
}

// Sync fetches executions from the broker and runs them through the
// pipeline. Incremental: fetches since the last successful sync with a small
// overlap, relying on exec_id dedupe for the refetched tail.
func (c *Core) Sync(ctx context.Context) (models.SyncStats, error) {
	if c.broker == nil {
		return models.SyncStats{}, errors.New("journal: no broker configured")
	}

	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	since := c.LastSync()
	if !since.IsZero() {
		since = since.Add(-syncOverlap)
	}
	start := time.Now().UTC()

	raws, err := c.broker.FetchExecutions(ctx, since)
	if err != nil {
		return models.SyncStats{}, fmt.Errorf("fetch executions: %w", err)
	}

	stats, err := c.process(ctx, raws)
	if err != nil {
		return stats, err
	}
	c.setLastSync(start)
	c.log.WithFields(logrus.Fields{
		"fetched":  stats.Fetched,
		"new":      stats.New,
		"existing": stats.Existing,
		"errors":   stats.Errors,
	}).Info("sync complete")
	return stats, nil
}

// ProcessExecutions runs raw fills through the pipeline without a broker
// fetch. This is the import path for Flex statements and canned histories.
func (c *Core) ProcessExecutions(ctx context.Context, raws []models.RawExecution) (models.SyncStats, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	return c.process(ctx, raws)
}

func (c *Core) process(ctx context.Context, raws []models.RawExecution) (models.SyncStats, error) {
	stats := models.SyncStats{Fetched: len(raws)}

	execs := make([]models.Execution, 0, len(raws))
	affected := make(map[string]struct{})
	for _, raw := range raws {
		exec, err := c.normalizer.Normalize(raw)
		if err != nil {
			stats.Errors++
			c.log.WithError(err).WithField("exec_id", raw.ExecID).Warn("dropping malformed execution")
			continue
		}
		execs = append(execs, exec)
		affected[exec.Underlying] = struct{}{}
	}

	if len(execs) > 0 {
		inserted, err := c.storage.SaveExecutions(ctx, execs)
		if err != nil {
			return stats, fmt.Errorf("save executions: %w", err)
		}
		stats.New = inserted
		stats.Existing = len(execs) - inserted
	}
	if len(affected) == 0 {
		return stats, nil
	}

	underlyings := make([]string, 0, len(affected))
	for u := range affected {
		underlyings = append(underlyings, u)
	}
	sort.Strings(underlyings)

	partStats, err := c.replayPartitions(ctx, underlyings)
	stats.Merge(partStats)
	return stats, err
}

// ReprocessAll rebuilds every derived row from the stored execution history:
// all ledger rows, trades, and back-links are recomputed deterministically.
// The operation is the recovery path after split registration or manual
// execution fixes.
func (c *Core) ReprocessAll(ctx context.Context) (models.SyncStats, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	underlyings, err := c.storage.Underlyings(ctx)
	if err != nil {
		return models.SyncStats{}, fmt.Errorf("list underlyings: %w", err)
	}

	stats, err := c.replayPartitions(ctx, underlyings)
	if err != nil {
		return stats, err
	}
	msg := fmt.Sprintf("reprocessed %d underlying(s)", len(underlyings))
	if stats.Message != "" {
		msg += "; " + stats.Message
	}
	stats.Message = msg
	c.log.WithField("underlyings", len(underlyings)).Info("reprocess complete")
	return stats, nil
}

// replayPartitions rebuilds the named partitions concurrently. Per-partition
// failures are collected into the stats instead of cancelling siblings; only
// context cancellation aborts the group.
func (c *Core) replayPartitions(ctx context.Context, underlyings []string) (models.SyncStats, error) {
	var (
		mu    sync.Mutex
		stats models.SyncStats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, underlying := range underlyings {
		g.Go(func() error {
			res, err := c.replayPartition(gctx, underlying)
			mu.Lock()
			defer mu.Unlock()
			stats.Merge(res)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				stats.Errors++
				c.log.WithError(err).WithField("underlying", underlying).Error("partition replay failed")
			}
			return nil
		})
	}
	err := g.Wait()
	return stats, err
}

// priorState is the persisted view of a trade before this replay, used to
// decide which events and Greeks snapshots the rebuild produces.
type priorState struct {
	status models.TradeStatus
	execs  int
}

// replayPartition rebuilds one underlying from scratch: every stored
// execution replays through a fresh ledger and grouping engine, trades are
// enriched, and the derived rows replace the old ones in a single
// transaction. Deterministic IDs make the rebuild idempotent.
func (c *Core) replayPartition(ctx context.Context, underlying string) (models.SyncStats, error) {
	var stats models.SyncStats

	execs, err := c.storage.ListExecutions(ctx, underlying)
	if err != nil {
		return stats, fmt.Errorf("list executions: %w", err)
	}
	if len(execs) == 0 {
		return stats, nil
	}
	models.SortExecutions(execs)

	prior, err := c.priorTrades(ctx, underlying)
	if err != nil {
		return stats, err
	}

	// The ledger consumes split-adjusted copies. Stored executions keep the
	// broker's as-reported numbers, so a split registered after ingestion
	// takes effect here on the next replay.
	replay := make([]models.Execution, len(execs))
	for i := range execs {
		replay[i] = c.normalizer.AdjustForReplay(execs[i])
	}

	led := ledger.New(c.log)
	engine := grouping.NewEngine(c.openWindow, c.log)
	for i := range replay {
		exec := &replay[i]
		effects, err := led.Apply(exec)
		if err != nil {
			stats.Errors++
			c.log.WithError(err).WithFields(logrus.Fields{
				"underlying": underlying,
				"exec_id":    exec.ExecID,
			}).Error("ledger rejected execution")
			continue
		}
		if err := engine.Apply(exec, effects); err != nil {
			stats.Errors++
			c.log.WithError(err).WithFields(logrus.Fields{
				"underlying": underlying,
				"exec_id":    exec.ExecID,
			}).Error("grouping rejected execution")
		}
	}

	if halted := led.HaltedLegs(); len(halted) > 0 {
		stats.Message = fmt.Sprintf("%s: %d leg(s) halted pending manual review", underlying, len(halted))
	}

	trades := engine.Trades()
	legGreeks := c.enrichTrades(ctx, underlying, trades, prior)

	rows := led.Entries()
	entries := make([]models.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			return stats, fmt.Errorf("ledger row failed validation: %w", err)
		}
		entries = append(entries, *row)
	}

	execTrades := make(map[string]string, len(replay))
	for i := range replay {
		if replay[i].TradeID != "" {
			execTrades[replay[i].ExecID] = replay[i].TradeID
		}
	}

	if err := c.storage.ReplaceDerived(ctx, underlying, trades, entries, execTrades); err != nil {
		return stats, fmt.Errorf("persist partition: %w", err)
	}
	if len(legGreeks) > 0 {
		if err := c.storage.SaveLegGreeks(ctx, legGreeks); err != nil {
			stats.Errors++
			c.log.WithError(err).WithField("underlying", underlying).Warn("persisting greeks snapshots failed")
		}
	}

	for _, ev := range filterReplayEvents(prior, engine) {
		c.emit(ev)
	}
	return stats, nil
}

func (c *Core) priorTrades(ctx context.Context, underlying string) (map[string]priorState, error) {
	existing, err := c.storage.ListTrades(ctx, storage.TradeFilter{Underlying: underlying})
	if err != nil {
		return nil, fmt.Errorf("list prior trades: %w", err)
	}
	prior := make(map[string]priorState, len(existing))
	for _, tr := range existing {
		prior[tr.ID] = priorState{status: tr.Status, execs: tr.NumExecutions}
	}
	return prior, nil
}

// filterReplayEvents reduces the engine's replay event stream to what changed
// relative to the previously persisted partition. Re-materializing a stored
// trade is not a creation, re-closing a closed trade is not a close, and a
// trade only counts as updated when it gained executions and is still open.
func filterReplayEvents(prior map[string]priorState, eng *grouping.Engine) []models.Event {
	var out []models.Event
	updatedAt := make(map[string]int)
	for _, ev := range eng.DrainEvents() {
		before, existed := prior[ev.TradeID]
		switch ev.Type {
		case models.EventTradeCreated:
			if !existed {
				out = append(out, ev)
			}
		case models.EventTradeClosed:
			if !existed || before.status != models.TradeClosed {
				out = append(out, ev)
			}
		case models.EventTradeUpdated:
			if !existed || before.status == models.TradeClosed {
				continue
			}
			tr := eng.Trade(ev.TradeID)
			if tr == nil || tr.Status != models.TradeOpen || tr.NumExecutions == before.execs {
				continue
			}
			if idx, ok := updatedAt[ev.TradeID]; ok {
				out[idx] = ev
				continue
			}
			updatedAt[ev.TradeID] = len(out)
			out = append(out, ev)
		}
	}
	return out
}

// enrichTrades classifies each trade, computes its analytics snapshot, and
// returns the Greeks rows to persist. Provider outages degrade gracefully:
// missing market context suppresses the dependent numbers and flips the
// analytics partial flag rather than failing the replay.
func (c *Core) enrichTrades(ctx context.Context, underlying string, trades []*models.Trade, prior map[string]priorState) []models.LegGreeks {
	spot := c.lastClose(ctx, underlying)
	rate := c.riskFree(ctx)
	margin := c.marginFor(ctx, underlying)
	now := time.Now().UTC()

	snapshots := make(map[string]*marketdata.GreeksSnapshot)
	var persist []models.LegGreeks

	for _, tr := range trades {
		stage := snapshotStage(tr, prior)
		greeks := c.tradeGreeks(ctx, underlying, tr, stage, snapshots, &persist)

		hints := &strategy.Hints{Spot: spot, Delta: deltaHints(greeks)}
		tr.StrategyType = strategy.Classify(tr.Legs, hints)

		tr.Analytics = analytics.Analyze(tr, analytics.Inputs{
			Spot:     spot,
			IV:       meanIV(greeks),
			RiskFree: rate,
			Greeks:   greeks,
			Margin:   margin,
			Now:      now,
		})
	}
	return persist
}

// snapshotStage decides whether this replay captures Greeks for the trade:
// newly materialized open trades snapshot at open, trades that reached flat
// in this batch snapshot at close. Unchanged trades keep their stored
// snapshots untouched.
func snapshotStage(tr *models.Trade, prior map[string]priorState) models.GreeksStage {
	before, existed := prior[tr.ID]
	switch tr.Status {
	case models.TradeOpen:
		if !existed {
			return models.GreeksAtOpen
		}
	case models.TradeClosed:
		if !existed || before.status != models.TradeClosed {
			return models.GreeksAtClose
		}
	}
	return ""
}

// tradeGreeks assembles the per-leg Greeks map for one trade. Open trades
// and trades closing in this batch fetch live snapshots (cached per leg key
// across the partition); settled trades reuse their stored close snapshots.
func (c *Core) tradeGreeks(ctx context.Context, underlying string, tr *models.Trade,
	stage models.GreeksStage, cache map[string]*marketdata.GreeksSnapshot, persist *[]models.LegGreeks) map[string]models.LegGreeks {

	greeks := make(map[string]models.LegGreeks)

	if tr.Status == models.TradeClosed && stage == "" {
		stored, err := c.storage.ListLegGreeks(ctx, tr.ID)
		if err != nil {
			c.log.WithError(err).WithField("trade_id", tr.ID).Debug("stored greeks unavailable")
			return greeks
		}
		for _, g := range stored {
			if g.Stage == models.GreeksAtClose {
				greeks[g.LegKey] = g
			}
		}
		return greeks
	}

	for _, leg := range tr.Legs {
		if leg.SecurityType != models.SecurityOption {
			continue
		}
		snap := c.legSnapshot(ctx, underlying, leg, cache)
		if snap == nil {
			continue
		}
		lg := models.LegGreeks{
			TradeID:    tr.ID,
			LegKey:     leg.LegKey,
			Stage:      stage,
			CapturedAt: snap.AsOf,
			Delta:      snap.Delta,
			Gamma:      snap.Gamma,
			Theta:      snap.Theta,
			Vega:       snap.Vega,
			IV:         snap.IV,
		}
		greeks[leg.LegKey] = lg
		if stage != "" {
			*persist = append(*persist, lg)
		}
	}
	return greeks
}

// legSnapshot fetches one option leg's Greeks, caching hits and misses per
// leg key so a partition's trades share each contract's lookup.
func (c *Core) legSnapshot(ctx context.Context, underlying string, leg models.TradeLeg,
	cache map[string]*marketdata.GreeksSnapshot) *marketdata.GreeksSnapshot {
	if c.provider == nil {
		return nil
	}
	if snap, ok := cache[leg.LegKey]; ok {
		return snap
	}
	snap, err := c.provider.OptionGreeks(ctx, underlying, leg.OptionType, leg.Strike, leg.Expiration)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"underlying": underlying,
			"leg_key":    leg.LegKey,
		}).Debug("greeks unavailable for leg")
		cache[leg.LegKey] = nil
		return nil
	}
	cache[leg.LegKey] = &snap
	return &snap
}

func (c *Core) lastClose(ctx context.Context, underlying string) decimal.Decimal {
	if c.provider == nil {
		return decimal.Zero
	}
	q, err := c.provider.LastClose(ctx, underlying)
	if err != nil {
		c.log.WithError(err).WithField("underlying", underlying).Debug("last close unavailable")
		return decimal.Zero
	}
	return q.Close
}

func (c *Core) riskFree(ctx context.Context) decimal.Decimal {
	if c.rates == nil {
		return decimal.Zero
	}
	rate, err := c.rates.RiskFreeRate(ctx)
	if err != nil {
		// The rate provider returns a usable fallback alongside the error.
		c.log.WithError(err).Warn("risk-free rate degraded")
	}
	return rate
}

func (c *Core) marginFor(ctx context.Context, underlying string) models.MarginSettings {
	ms, err := c.storage.GetMarginSettings(ctx, underlying)
	if err == nil {
		return ms
	}
	if !errors.Is(err, storage.ErrNotFound) {
		c.log.WithError(err).WithField("underlying", underlying).Warn("margin settings lookup failed")
	}
	if c.defaultMargin != nil {
		return c.defaultMargin(underlying)
	}
	return models.DefaultMarginSettings(underlying)
}

func deltaHints(greeks map[string]models.LegGreeks) map[string]decimal.Decimal {
	if len(greeks) == 0 {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(greeks))
	for key, g := range greeks {
		out[key] = g.Delta
	}
	return out
}

// meanIV averages the implied volatility across leg snapshots, the trade
// sigma used for probability of profit.
func meanIV(greeks map[string]models.LegGreeks) decimal.Decimal {
	if len(greeks) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, g := range greeks {
		sum = sum.Add(g.IV)
	}
	return sum.Div(decimal.NewFromInt(int64(len(greeks))))
}

// DetectRolls runs the batch roll pass over all trades and persists new
// links. Idempotent: rerunning over linked trades finds nothing new.
func (c *Core) DetectRolls(ctx context.Context) (models.SyncStats, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	var stats models.SyncStats
	trades, err := c.storage.ListTrades(ctx, storage.TradeFilter{})
	if err != nil {
		return stats, fmt.Errorf("list trades: %w", err)
	}
	stats.Fetched = len(trades)
	if len(trades) == 0 {
		return stats, nil
	}

	execs, err := c.storage.ListExecutions(ctx, "")
	if err != nil {
		return stats, fmt.Errorf("list executions: %w", err)
	}
	orders := make(rolls.OrderIndex)
	for i := range execs {
		e := &execs[i]
		if e.TradeID == "" {
			continue
		}
		orders.Add(e.TradeID, e.OrderID)
		orders.Add(e.TradeID, e.PermID)
	}

	detector := rolls.NewDetector(c.rollWindow, c.log)
	events, derr := detector.Detect(trades, orders)
	if derr != nil {
		if !errors.Is(derr, rolls.ErrLinkConflict) {
			return stats, derr
		}
		stats.Errors++
		stats.Message = derr.Error()
	}
	stats.New = len(events)

	if err := c.storage.UpdateRollLinks(ctx, trades); err != nil {
		return stats, fmt.Errorf("persist roll links: %w", err)
	}
	for _, ev := range events {
		c.emit(ev)
	}
	c.log.WithFields(logrus.Fields{"trades": len(trades), "linked": len(events)}).Info("roll detection complete")
	return stats, nil
}

// IntegrityReport carries the advisory findings plus the batch stats surface.
type IntegrityReport struct {
	Findings []integrity.Finding `json:"findings"`
	Stats    models.SyncStats    `json:"stats"`
}

// CheckIntegrity runs the advisory heuristics over the full execution
// history. Findings flag suspicious data; nothing is modified.
func (c *Core) CheckIntegrity(ctx context.Context) (*IntegrityReport, error) {
	execs, err := c.storage.ListExecutions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	closes := make(map[string]decimal.Decimal)
	if c.provider != nil {
		seen := make(map[string]struct{})
		for i := range execs {
			u := execs[i].Underlying
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			if v := c.lastClose(ctx, u); v.Sign() > 0 {
				closes[u] = v
			}
		}
	}

	findings := c.checker.Check(execs, closes)
	report := &IntegrityReport{
		Findings: findings,
		Stats: models.SyncStats{
			Fetched: len(execs),
			Message: fmt.Sprintf("%d finding(s)", len(findings)),
		},
	}
	return report, nil
}

// RegisterSplit stores a split and adds it to the live calendar. Stored
// executions keep their as-reported numbers; run ReprocessAll so replays pick
// the new split up and restate the affected trades.
func (c *Core) RegisterSplit(ctx context.Context, split *models.StockSplit) error {
	if err := c.storage.SaveSplit(ctx, split); err != nil {
		return err
	}
	return c.calendar.Register(*split)
}

func (c *Core) emit(ev models.Event) {
	select {
	case c.events <- ev:
	default:
		c.droppedEvents.Add(1)
		c.log.WithFields(logrus.Fields{
			"type":     string(ev.Type),
			"trade_id": ev.TradeID,
		}).Debug("event buffer full, dropping")
	}
}

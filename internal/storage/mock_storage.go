package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// MockStorage implements Interface in memory for testing.
type MockStorage struct {
	mu sync.Mutex

	executions map[string]models.Execution
	trades     map[string]*models.Trade
	ledger     map[string][]models.LedgerEntry
	greeks     map[string][]models.LegGreeks
	splits     []models.StockSplit
	margins    map[string]models.MarginSettings
	tags       map[string]map[string]struct{}

	saveError        error
	replaceError     error
	replaceCallCount int
	nextSplitID      int64
}

// NewMockStorage creates an empty mock storage for testing.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		executions: make(map[string]models.Execution),
		trades:     make(map[string]*models.Trade),
		ledger:     make(map[string][]models.LedgerEntry),
		greeks:     make(map[string][]models.LegGreeks),
		margins:    make(map[string]models.MarginSettings),
		tags:       make(map[string]map[string]struct{}),
	}
}

func (m *MockStorage) SaveExecutions(_ context.Context, execs []models.Execution) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return 0, m.saveError
	}
	inserted := 0
	for _, e := range execs {
		if _, ok := m.executions[e.ExecID]; ok {
			continue
		}
		m.executions[e.ExecID] = e
		inserted++
	}
	return inserted, nil
}

func (m *MockStorage) ListExecutions(_ context.Context, underlying string) ([]models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Execution
	for _, e := range m.executions {
		if underlying == "" || e.Underlying == underlying {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecutionTime.Equal(out[j].ExecutionTime) {
			return out[i].ExecutionTime.Before(out[j].ExecutionTime)
		}
		return out[i].ExecID < out[j].ExecID
	})
	return out, nil
}

func (m *MockStorage) Underlyings(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for _, e := range m.executions {
		seen[e.Underlying] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MockStorage) ReplaceDerived(_ context.Context, underlying string, trades []*models.Trade, entries []models.LedgerEntry, execTrades map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceCallCount++
	if m.replaceError != nil {
		return m.replaceError
	}
	for id, tr := range m.trades {
		if tr.Underlying == underlying {
			delete(m.trades, id)
		}
	}
	for _, tr := range trades {
		cp := *tr
		m.trades[tr.ID] = &cp
	}
	m.ledger[underlying] = append([]models.LedgerEntry(nil), entries...)
	for execID, e := range m.executions {
		if e.Underlying == underlying {
			e.TradeID = execTrades[execID]
			m.executions[execID] = e
		}
	}
	return nil
}

func (m *MockStorage) UpdateRollLinks(_ context.Context, trades []*models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range trades {
		stored, ok := m.trades[tr.ID]
		if !ok {
			return fmt.Errorf("trade %s: %w", tr.ID, ErrNotFound)
		}
		stored.RollChainID = tr.RollChainID
		stored.RolledFromTradeID = tr.RolledFromTradeID
		stored.RolledToTradeID = tr.RolledToTradeID
		stored.IsRoll = tr.IsRoll
	}
	return nil
}

func (m *MockStorage) GetTrade(_ context.Context, id string) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	cp := *tr
	cp.Tags = m.tagsLocked(id)
	cp.LegGreeks = append([]models.LegGreeks(nil), m.greeks[id]...)
	return &cp, nil
}

func (m *MockStorage) ListTrades(_ context.Context, f TradeFilter) ([]*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Trade
	for id, tr := range m.trades {
		if f.Underlying != "" && tr.Underlying != f.Underlying {
			continue
		}
		if f.Status != "" && tr.Status != f.Status {
			continue
		}
		if f.Strategy != "" && tr.StrategyType != f.Strategy {
			continue
		}
		if f.Tag != "" {
			if _, ok := m.tags[id][f.Tag]; !ok {
				continue
			}
		}
		cp := *tr
		cp.Tags = m.tagsLocked(id)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.After(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MockStorage) GetRollChain(_ context.Context, chainID string) ([]*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Trade
	for _, tr := range m.trades {
		if tr.RollChainID == chainID {
			cp := *tr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MockStorage) ListLedger(_ context.Context, underlying string) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if underlying != "" {
		return append([]models.LedgerEntry(nil), m.ledger[underlying]...), nil
	}
	var out []models.LedgerEntry
	for _, entries := range m.ledger {
		out = append(out, entries...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStorage) SaveLegGreeks(_ context.Context, greeks []models.LegGreeks) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range greeks {
		existing := m.greeks[g.TradeID]
		replaced := false
		for i := range existing {
			if existing[i].LegKey == g.LegKey && existing[i].Stage == g.Stage {
				existing[i] = g
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, g)
		}
		m.greeks[g.TradeID] = existing
	}
	return nil
}

func (m *MockStorage) ListLegGreeks(_ context.Context, tradeID string) ([]models.LegGreeks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.LegGreeks(nil), m.greeks[tradeID]...), nil
}

func (m *MockStorage) SaveSplit(_ context.Context, split *models.StockSplit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := split.Validate(); err != nil {
		return err
	}
	for _, existing := range m.splits {
		if existing.Symbol == split.Symbol && existing.SplitDate.Equal(split.SplitDate) {
			return fmt.Errorf("%s on %s: %w", split.Symbol,
				split.SplitDate.Format("2006-01-02"), ErrDuplicateSplit)
		}
	}
	m.nextSplitID++
	split.ID = m.nextSplitID
	m.splits = append(m.splits, *split)
	return nil
}

func (m *MockStorage) ListSplits(_ context.Context) ([]models.StockSplit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.StockSplit(nil), m.splits...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SplitDate.Equal(out[j].SplitDate) {
			return out[i].SplitDate.Before(out[j].SplitDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MockStorage) GetMarginSettings(_ context.Context, underlying string) (models.MarginSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.margins[underlying]; ok {
		return ms, nil
	}
	return models.DefaultMarginSettings(underlying), nil
}

func (m *MockStorage) SaveMarginSettings(_ context.Context, ms models.MarginSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.margins[ms.Underlying] = ms
	return nil
}

func (m *MockStorage) AddTradeTag(_ context.Context, tradeID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tags[tradeID] == nil {
		m.tags[tradeID] = make(map[string]struct{})
	}
	m.tags[tradeID][tag] = struct{}{}
	return nil
}

func (m *MockStorage) RemoveTradeTag(_ context.Context, tradeID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tags[tradeID], tag)
	return nil
}

func (m *MockStorage) Close() error { return nil }

func (m *MockStorage) tagsLocked(tradeID string) []string {
	if len(m.tags[tradeID]) == 0 {
		return nil
	}
	out := make([]string, 0, len(m.tags[tradeID]))
	for tag := range m.tags[tradeID] {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Mock control methods for testing

// SetSaveError makes SaveExecutions fail with err.
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

// SetReplaceError makes ReplaceDerived fail with err.
func (m *MockStorage) SetReplaceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceError = err
}

// ReplaceCallCount reports how many times ReplaceDerived ran.
func (m *MockStorage) ReplaceCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceCallCount
}

// PutTrade seeds a trade directly, bypassing the derived-state pipeline.
func (m *MockStorage) PutTrade(tr *models.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tr
	m.trades[tr.ID] = &cp
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)

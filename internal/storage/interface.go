package storage

import (
	"context"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// TradeFilter narrows ListTrades. Zero values mean no constraint.
type TradeFilter struct {
	Underlying string
	Status     models.TradeStatus
	Strategy   models.StrategyType
	Tag        string
	Limit      int
	Offset     int
}

// Interface is the persistence contract for the journal.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can call them from multiple goroutines.
//
// Executions are the source of truth and are never deleted; derived state
// (trades, ledger rows, execution back-links) is replaced atomically per
// underlying partition.
type Interface interface {
	// Executions
	SaveExecutions(ctx context.Context, execs []models.Execution) (int, error)
	ListExecutions(ctx context.Context, underlying string) ([]models.Execution, error)
	Underlyings(ctx context.Context) ([]string, error)

	// Derived state
	ReplaceDerived(ctx context.Context, underlying string, trades []*models.Trade, entries []models.LedgerEntry, execTrades map[string]string) error
	UpdateRollLinks(ctx context.Context, trades []*models.Trade) error

	// Trades
	GetTrade(ctx context.Context, id string) (*models.Trade, error)
	ListTrades(ctx context.Context, f TradeFilter) ([]*models.Trade, error)
	GetRollChain(ctx context.Context, chainID string) ([]*models.Trade, error)

	// Position ledger
	ListLedger(ctx context.Context, underlying string) ([]models.LedgerEntry, error)

	// Greeks snapshots
	SaveLegGreeks(ctx context.Context, greeks []models.LegGreeks) error
	ListLegGreeks(ctx context.Context, tradeID string) ([]models.LegGreeks, error)

	// Split calendar
	SaveSplit(ctx context.Context, split *models.StockSplit) error
	ListSplits(ctx context.Context) ([]models.StockSplit, error)

	// Margin settings
	GetMarginSettings(ctx context.Context, underlying string) (models.MarginSettings, error)
	SaveMarginSettings(ctx context.Context, ms models.MarginSettings) error

	// User tags
	AddTradeTag(ctx context.Context, tradeID, tag string) error
	RemoveTradeTag(ctx context.Context, tradeID, tag string) error

	Close() error
}

// NewStorage opens the default SQLite-backed implementation.
func NewStorage(path string) (Interface, error) {
	return OpenSQLite(path)
}

// Ensure SQLiteStorage implements Interface
var _ Interface = (*SQLiteStorage)(nil)

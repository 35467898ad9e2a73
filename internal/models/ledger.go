package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerStatus is the state of a ledger row.
type LedgerStatus string

const (
	// LedgerOpen means the leg holds non-zero quantity.
	LedgerOpen LedgerStatus = "OPEN"
	// LedgerClosed means the leg returned to flat. Closed rows are retained
	// for history; a re-open creates a new row.
	LedgerClosed LedgerStatus = "CLOSED"
)

// LedgerEntry is the running per-leg position state for one
// (underlying, leg_key) lot. Quantity is signed: positive long, negative
// short. AvgCost is per unit and always positive.
type LedgerEntry struct {
	ID          int64           `json:"id"`
	Underlying  string          `json:"underlying"`
	LegKey      string          `json:"leg_key"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Status      LedgerStatus    `json:"status"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
	TradeID     string          `json:"trade_id,omitempty"`
}

// IsFlat reports whether the lot holds no quantity.
func (e *LedgerEntry) IsFlat() bool { return e.Quantity.IsZero() }

// Validate enforces the row invariants, chiefly status=CLOSED iff quantity=0.
func (e *LedgerEntry) Validate() error {
	switch e.Status {
	case LedgerOpen:
		if e.Quantity.IsZero() {
			return fmt.Errorf("ledger %s/%s: OPEN with zero quantity", e.Underlying, e.LegKey)
		}
		if e.ClosedAt != nil {
			return fmt.Errorf("ledger %s/%s: OPEN with closed_at set", e.Underlying, e.LegKey)
		}
	case LedgerClosed:
		if !e.Quantity.IsZero() {
			return fmt.Errorf("ledger %s/%s: CLOSED with quantity %s", e.Underlying, e.LegKey, e.Quantity)
		}
		if e.ClosedAt == nil {
			return fmt.Errorf("ledger %s/%s: CLOSED without closed_at", e.Underlying, e.LegKey)
		}
	default:
		return fmt.Errorf("ledger %s/%s: unknown status %q", e.Underlying, e.LegKey, e.Status)
	}
	if e.AvgCost.Sign() < 0 {
		return fmt.Errorf("ledger %s/%s: negative avg_cost %s", e.Underlying, e.LegKey, e.AvgCost)
	}
	if e.OpenedAt.IsZero() {
		return fmt.Errorf("ledger %s/%s: missing opened_at", e.Underlying, e.LegKey)
	}
	return nil
}

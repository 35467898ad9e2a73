package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the lifecycle state of a logical trade.
type TradeStatus string

const (
	// TradeOpen means at least one leg still holds quantity.
	TradeOpen TradeStatus = "OPEN"
	// TradeClosed means every leg of the trade returned to flat.
	TradeClosed TradeStatus = "CLOSED"
)

// Valid returns true if the TradeStatus is one of the defined constants.
func (s TradeStatus) Valid() bool {
	return s == TradeOpen || s == TradeClosed
}

// StrategyType tags a trade with the strategy its leg signature matches.
type StrategyType string

const (
	StrategyStock         StrategyType = "STOCK"
	StrategySingle        StrategyType = "SINGLE"
	StrategyVerticalCall  StrategyType = "VERTICAL_CALL"
	StrategyVerticalPut   StrategyType = "VERTICAL_PUT"
	StrategyCalendarCall  StrategyType = "CALENDAR_CALL"
	StrategyCalendarPut   StrategyType = "CALENDAR_PUT"
	StrategyStraddle      StrategyType = "STRADDLE"
	StrategyStrangle      StrategyType = "STRANGLE"
	StrategyIronCondor    StrategyType = "IRON_CONDOR"
	StrategyIronButterfly StrategyType = "IRON_BUTTERFLY"
	StrategyPMCC          StrategyType = "PMCC"
	StrategyCoveredCall   StrategyType = "COVERED_CALL"
	StrategyCustom        StrategyType = "CUSTOM"
)

// TradeLeg is one line item of a trade: the distinct instrument plus the net
// signed opening quantity (positive long, negative short).
type TradeLeg struct {
	LegKey       string          `json:"leg_key"`
	SecurityType SecurityType    `json:"security_type"`
	OptionType   OptionType      `json:"option_type,omitempty"`
	Strike       decimal.Decimal `json:"strike"`
	Expiration   time.Time       `json:"expiration,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	Multiplier   decimal.Decimal `json:"multiplier"`
}

// IsShort reports whether the leg was opened net short.
func (l *TradeLeg) IsShort() bool { return l.Quantity.Sign() < 0 }

// IsLong reports whether the leg was opened net long.
func (l *TradeLeg) IsLong() bool { return l.Quantity.Sign() > 0 }

// GreeksStage distinguishes the open-time and close-time Greek snapshots.
type GreeksStage string

const (
	// GreeksAtOpen is the snapshot captured when the trade opened.
	GreeksAtOpen GreeksStage = "open"
	// GreeksAtClose is the snapshot captured when the trade closed.
	GreeksAtClose GreeksStage = "close"
)

// LegGreeks is a per-leg Greeks snapshot persisted in trade_leg_greeks.
type LegGreeks struct {
	TradeID    string          `json:"trade_id"`
	LegKey     string          `json:"leg_key"`
	Stage      GreeksStage     `json:"stage"`
	CapturedAt time.Time       `json:"captured_at"`
	Delta      decimal.Decimal `json:"delta"`
	Gamma      decimal.Decimal `json:"gamma"`
	Theta      decimal.Decimal `json:"theta"`
	Vega       decimal.Decimal `json:"vega"`
	IV         decimal.Decimal `json:"iv"`
}

// Trade is the business-level group of fills forming one logical position.
// OpeningCost is the signed sum of net_amount over opening executions,
// pre-commission: credits positive, debits negative.
type Trade struct {
	ID                  string           `json:"id"`
	Underlying          string           `json:"underlying"`
	StrategyType        StrategyType     `json:"strategy_type"`
	Status              TradeStatus      `json:"status"`
	OpenedAt            time.Time        `json:"opened_at"`
	ClosedAt            *time.Time       `json:"closed_at,omitempty"`
	NumLegs             int              `json:"num_legs"`
	NumExecutions       int              `json:"num_executions"`
	OpeningCost         decimal.Decimal  `json:"opening_cost"`
	RealizedPnL         decimal.Decimal  `json:"realized_pnl"`
	TotalCommission     decimal.Decimal  `json:"total_commission"`
	WashSaleAdjustment  decimal.Decimal  `json:"wash_sale_adjustment"`
	RollChainID         string           `json:"roll_chain_id,omitempty"`
	RolledFromTradeID   string           `json:"rolled_from_trade_id,omitempty"`
	RolledToTradeID     string           `json:"rolled_to_trade_id,omitempty"`
	IsRoll              bool             `json:"is_roll"`
	IsAssignment        bool             `json:"is_assignment"`
	AssignedFromTradeID string           `json:"assigned_from_trade_id,omitempty"`
	Tags                []string         `json:"tags,omitempty"`
	Legs                []TradeLeg       `json:"legs,omitempty"`
	Analytics           *TradeAnalytics  `json:"analytics,omitempty"`
	LegGreeks           []LegGreeks      `json:"leg_greeks,omitempty"`
}

// TradeAnalytics is the analytics snapshot attached to a trade. Unbounded
// sides (naked max risk, long-call max profit) stay nil.
type TradeAnalytics struct {
	MaxProfit           *decimal.Decimal  `json:"max_profit,omitempty"`
	MaxRisk             *decimal.Decimal  `json:"max_risk,omitempty"`
	Breakevens          []decimal.Decimal `json:"breakevens,omitempty"`
	NetDelta            *decimal.Decimal  `json:"net_delta,omitempty"`
	NetTheta            *decimal.Decimal  `json:"net_theta,omitempty"`
	ProbabilityOfProfit *decimal.Decimal  `json:"probability_of_profit,omitempty"`
	Collateral          *decimal.Decimal  `json:"collateral,omitempty"`
	Partial             bool              `json:"partial"`
}

// IsCredit reports whether the trade opened for a net credit.
func (t *Trade) IsCredit() bool { return t.OpeningCost.Sign() > 0 }

// NearestExpiration returns the earliest option expiration across legs, or a
// zero time for stock-only trades.
func (t *Trade) NearestExpiration() time.Time {
	var nearest time.Time
	for _, leg := range t.Legs {
		if leg.SecurityType != SecurityOption || leg.Expiration.IsZero() {
			continue
		}
		if nearest.IsZero() || leg.Expiration.Before(nearest) {
			nearest = leg.Expiration
		}
	}
	return nearest
}

// DTE returns whole days between now and the nearest expiration, clamped to
// zero so trades at or past expiry never report negative values.
func (t *Trade) DTE(now time.Time) int {
	exp := t.NearestExpiration()
	if exp.IsZero() {
		return 0
	}
	n := now.UTC().Truncate(24 * time.Hour)
	e := exp.UTC().Truncate(24 * time.Hour)
	days := int(e.Sub(n).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// ValidateCounts checks the derivable bookkeeping columns against the
// executions claimed by the trade.
func (t *Trade) ValidateCounts(execs []Execution) error {
	if len(execs) != t.NumExecutions {
		return fmt.Errorf("trade %s: num_executions=%d but %d executions reference it",
			t.ID, t.NumExecutions, len(execs))
	}
	legs := make(map[string]struct{}, len(execs))
	for i := range execs {
		legs[execs[i].LegKey()] = struct{}{}
	}
	if len(legs) != t.NumLegs {
		return fmt.Errorf("trade %s: num_legs=%d but executions span %d leg keys",
			t.ID, t.NumLegs, len(legs))
	}
	return nil
}

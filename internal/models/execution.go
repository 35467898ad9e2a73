// Package models defines the journal's persistent domain types: executions,
// ledger entries, trades, stock splits, and margin settings. Executions are
// the sole source of truth; everything else is derivable from them.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Decimal scales used throughout the journal.
const (
	QuantityScale = 4 // admits fractional shares
	PriceScale    = 4
	MoneyScale    = 2
	GreekScale    = 6
)

// StockLegKey is the leg key used for share positions; option legs use
// YYYYMMDD_strike_{C|P}.
const StockLegKey = "STK"

// SecurityType identifies the instrument class of an execution.
type SecurityType string

const (
	// SecurityOption is an equity option contract.
	SecurityOption SecurityType = "OPT"
	// SecurityStock is common stock.
	SecurityStock SecurityType = "STK"
)

// Valid returns true if the SecurityType is one of the defined constants.
func (s SecurityType) Valid() bool {
	switch s {
	case SecurityOption, SecurityStock:
		return true
	default:
		return false
	}
}

// OptionType is the option right: call, put, or empty for stock.
type OptionType string

const (
	// OptionCall is a call option.
	OptionCall OptionType = "C"
	// OptionPut is a put option.
	OptionPut OptionType = "P"
	// OptionNone marks non-option executions.
	OptionNone OptionType = ""
)

// Valid returns true if the OptionType is one of the defined constants.
func (o OptionType) Valid() bool {
	switch o {
	case OptionCall, OptionPut, OptionNone:
		return true
	default:
		return false
	}
}

// Side is the broker fill direction.
type Side string

const (
	// SideBuy is a buy fill (BOT in broker reports).
	SideBuy Side = "BOT"
	// SideSell is a sell fill (SLD in broker reports).
	SideSell Side = "SLD"
)

// Valid returns true if the Side is one of the defined constants.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OpenCloseIndicator is the broker-supplied open/close hint on a fill. The
// ledger derives its own tag and treats this value as advisory.
type OpenCloseIndicator string

const (
	// IndicatorOpen marks an opening fill.
	IndicatorOpen OpenCloseIndicator = "O"
	// IndicatorClose marks a closing fill.
	IndicatorClose OpenCloseIndicator = "C"
	// IndicatorNone means the broker supplied no hint.
	IndicatorNone OpenCloseIndicator = ""
)

// Execution is one atomic broker fill, immutable once recorded.
// NetAmount is price*|quantity|*multiplier signed negative for buys and
// positive for sells, and never includes commission.
type Execution struct {
	ExecID             string             `json:"exec_id"`
	OrderID            string             `json:"order_id,omitempty"`
	PermID             string             `json:"perm_id,omitempty"`
	Underlying         string             `json:"underlying"`
	SecurityType       SecurityType       `json:"security_type"`
	OptionType         OptionType         `json:"option_type,omitempty"`
	Strike             decimal.Decimal    `json:"strike"`
	Expiration         time.Time          `json:"expiration,omitempty"`
	Multiplier         decimal.Decimal    `json:"multiplier"`
	Side               Side               `json:"side"`
	Quantity           decimal.Decimal    `json:"quantity"`
	Price              decimal.Decimal    `json:"price"`
	Commission         decimal.Decimal    `json:"commission"`
	NetAmount          decimal.Decimal    `json:"net_amount"`
	ExecutionTime      time.Time          `json:"execution_time"`
	AccountID          string             `json:"account_id"`
	OpenCloseIndicator OpenCloseIndicator `json:"open_close_indicator,omitempty"`
	TradeID            string             `json:"trade_id,omitempty"`
}

// LegKey returns the canonical per-underlying leg identifier:
// YYYYMMDD_strike_C or YYYYMMDD_strike_P for options, "STK" for stock.
func (e *Execution) LegKey() string {
	if e.SecurityType == SecurityStock {
		return StockLegKey
	}
	return fmt.Sprintf("%s_%s_%s", e.Expiration.Format("20060102"), FormatStrike(e.Strike), e.OptionType)
}

// SignedQuantity returns the ledger delta for this fill: positive for buys,
// negative for sells.
func (e *Execution) SignedQuantity() decimal.Decimal {
	q := e.Quantity.Abs()
	if e.Side == SideSell {
		return q.Neg()
	}
	return q
}

// GrossAmount returns price*|quantity|*multiplier, always positive.
func (e *Execution) GrossAmount() decimal.Decimal {
	return e.Price.Mul(e.Quantity.Abs()).Mul(e.Multiplier)
}

// SignedNetAmount computes the canonical net amount for the fill from its
// price, quantity, and multiplier: negative for buys, positive for sells.
func (e *Execution) SignedNetAmount() decimal.Decimal {
	gross := e.GrossAmount()
	if e.Side == SideBuy {
		return gross.Neg()
	}
	return gross
}

// Validate checks the fields every downstream consumer relies on.
func (e *Execution) Validate() error {
	if e.ExecID == "" {
		return fmt.Errorf("execution missing exec_id")
	}
	if e.Underlying == "" {
		return fmt.Errorf("execution %s: missing underlying", e.ExecID)
	}
	if !e.SecurityType.Valid() {
		return fmt.Errorf("execution %s: invalid security_type %q", e.ExecID, e.SecurityType)
	}
	if !e.Side.Valid() {
		return fmt.Errorf("execution %s: invalid side %q", e.ExecID, e.Side)
	}
	if e.Quantity.Sign() <= 0 {
		return fmt.Errorf("execution %s: quantity must be positive, got %s", e.ExecID, e.Quantity)
	}
	if e.Price.Sign() < 0 {
		return fmt.Errorf("execution %s: negative price %s", e.ExecID, e.Price)
	}
	if e.ExecutionTime.IsZero() {
		return fmt.Errorf("execution %s: missing execution_time", e.ExecID)
	}
	if e.AccountID == "" {
		return fmt.Errorf("execution %s: missing account_id", e.ExecID)
	}
	if e.SecurityType == SecurityOption {
		if e.OptionType != OptionCall && e.OptionType != OptionPut {
			return fmt.Errorf("execution %s: option without C/P right", e.ExecID)
		}
		if e.Strike.Sign() <= 0 {
			return fmt.Errorf("execution %s: option strike must be positive", e.ExecID)
		}
		if e.Expiration.IsZero() {
			return fmt.Errorf("execution %s: option without expiration", e.ExecID)
		}
	}
	return nil
}

// FormatStrike renders a strike price without trailing zeros so leg keys stay
// stable regardless of how the decimal was constructed (580.00 -> "580",
// 580.50 -> "580.5").
func FormatStrike(d decimal.Decimal) string {
	s := d.String()
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

// SortExecutions orders executions by (execution_time, exec_id) ascending,
// the total order the ledger and grouping engine require. Ties at the same
// instant break lexicographically by exec_id.
func SortExecutions(execs []Execution) {
	sort.Slice(execs, func(i, j int) bool {
		if !execs[i].ExecutionTime.Equal(execs[j].ExecutionTime) {
			return execs[i].ExecutionTime.Before(execs[j].ExecutionTime)
		}
		return execs[i].ExecID < execs[j].ExecID
	})
}

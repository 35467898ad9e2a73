// Package ledger implements the per-leg position state machine. Each
// (underlying, leg_key) lot consumes executions in time order and maintains
// signed quantity, weighted average cost, realized P&L, and OPEN/CLOSED
// status. Every mutation is reported as an Effect so the grouping engine can
// attribute opens and closes to trades.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// IntegrityError reports an execution the ledger cannot apply without
// contradicting history. Ingestion for the affected leg halts until manual
// resolution or a full reprocess.
type IntegrityError struct {
	Underlying string
	LegKey     string
	ExecID     string
	Reason     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity %s/%s exec %s: %s", e.Underlying, e.LegKey, e.ExecID, e.Reason)
}

// Effect is one ledger mutation caused by applying an execution. A cross-zero
// execution produces two effects sharing the exec_id: a Close on the old row
// and an Open on a fresh one.
type Effect struct {
	Entry       *models.LedgerEntry
	ExecID      string
	Tag         models.OpenCloseIndicator
	Quantity    decimal.Decimal // unsigned portion consumed by this effect
	Price       decimal.Decimal
	RealizedPnL decimal.Decimal // zero for opens
	NewRow      bool
}

type legAddr struct {
	underlying string
	legKey     string
}

type legState struct {
	curr       *models.LedgerEntry // open row, nil when flat
	lastTime   time.Time
	lastExecID string
	halted     bool
	haltReason string
}

// HaltedLeg identifies a leg whose ingestion stopped on an integrity error.
type HaltedLeg struct {
	Underlying string `json:"underlying"`
	LegKey     string `json:"leg_key"`
	Reason     string `json:"reason"`
}

// Ledger holds the running state for every leg it has seen. It is not
// goroutine-safe; the pipeline feeds each underlying partition from a single
// goroutine.
type Ledger struct {
	log     *logrus.Logger
	states  map[legAddr]*legState
	entries []*models.LedgerEntry // every row ever created, in creation order
	nextSeq int64
}

// New returns an empty ledger.
func New(log *logrus.Logger) *Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{log: log, states: make(map[legAddr]*legState), nextSeq: 1}
}

// Restore seeds the ledger with previously persisted rows so an incremental
// sync continues where the last batch committed. Open rows become live lots;
// closed rows are retained for history.
func (l *Ledger) Restore(rows []models.LedgerEntry) {
	for i := range rows {
		row := rows[i]
		entry := &row
		l.entries = append(l.entries, entry)
		if entry.ID >= l.nextSeq {
			l.nextSeq = entry.ID + 1
		}
		if entry.Status != models.LedgerOpen {
			continue
		}
		addr := legAddr{entry.Underlying, entry.LegKey}
		st := l.state(addr)
		st.curr = entry
		if entry.OpenedAt.After(st.lastTime) {
			st.lastTime = entry.OpenedAt
		}
	}
}

// Entries returns every ledger row in creation order, open and closed.
func (l *Ledger) Entries() []*models.LedgerEntry {
	return l.entries
}

// OpenEntry returns the live row for a leg, or nil when flat.
func (l *Ledger) OpenEntry(underlying, legKey string) *models.LedgerEntry {
	st, ok := l.states[legAddr{underlying, legKey}]
	if !ok {
		return nil
	}
	return st.curr
}

// HaltedLegs lists legs stopped on integrity errors, for the stats surface.
func (l *Ledger) HaltedLegs() []HaltedLeg {
	var out []HaltedLeg
	for addr, st := range l.states {
		if st.halted {
			out = append(out, HaltedLeg{Underlying: addr.underlying, LegKey: addr.legKey, Reason: st.haltReason})
		}
	}
	return out
}

func (l *Ledger) state(addr legAddr) *legState {
	st, ok := l.states[addr]
	if !ok {
		st = &legState{}
		l.states[addr] = st
	}
	return st
}

// Apply runs one execution through the leg's state machine and returns the
// resulting effects. The derived Open/Close tag overrides (or supplies) the
// execution's open_close_indicator; a broker-supplied value that disagrees is
// logged and counted by the caller, never trusted for arithmetic.
func (l *Ledger) Apply(exec *models.Execution) ([]Effect, error) {
	addr := legAddr{exec.Underlying, exec.LegKey()}
	st := l.state(addr)

	if st.halted {
		return nil, &IntegrityError{
			Underlying: addr.underlying,
			LegKey:     addr.legKey,
			ExecID:     exec.ExecID,
			Reason:     "leg halted: " + st.haltReason,
		}
	}

	delta := exec.SignedQuantity()

	if st.regressed(exec) {
		if err := l.checkRegression(st, exec, delta); err != nil {
			st.halted = true
			st.haltReason = err.Reason
			return nil, err
		}
		l.log.WithFields(logrus.Fields{
			"underlying": addr.underlying,
			"leg_key":    addr.legKey,
			"exec_id":    exec.ExecID,
			"exec_time":  exec.ExecutionTime,
			"last_time":  st.lastTime,
		}).Warn("out-of-order execution applied")
	}

	var effects []Effect
	switch {
	case st.curr == nil:
		effects = append(effects, l.open(st, exec, delta))
	case st.curr.Quantity.Sign() == delta.Sign():
		effects = append(effects, l.add(st, exec, delta))
	default:
		absDelta := delta.Abs()
		absHeld := st.curr.Quantity.Abs()
		switch absDelta.Cmp(absHeld) {
		case -1:
			effects = append(effects, l.reduce(st, exec, delta))
		case 0:
			effects = append(effects, l.flatten(st, exec, absHeld))
		default:
			// Cross-zero: flatten the existing lot at the fill price, then
			// open the remainder in the opposite direction on a new row.
			// Both halves carry the execution's time and id for audit.
			effects = append(effects, l.flatten(st, exec, absHeld))
			remainder := delta.Add(negSign(delta, absHeld))
			effects = append(effects, l.open(st, exec, remainder))
		}
	}

	l.tagExecution(exec, effects)

	if !st.regressed(exec) {
		st.lastTime = exec.ExecutionTime
		st.lastExecID = exec.ExecID
	}
	return effects, nil
}

// regressed reports whether the execution arrives behind the leg's
// high-water mark in (execution_time, exec_id) order.
func (st *legState) regressed(exec *models.Execution) bool {
	if st.lastTime.IsZero() {
		return false
	}
	if exec.ExecutionTime.Before(st.lastTime) {
		return true
	}
	return exec.ExecutionTime.Equal(st.lastTime) && exec.ExecID < st.lastExecID
}

// checkRegression decides whether a time-regressed execution can apply
// without contradicting history. Additions and in-capacity reductions apply
// (with a warning); a reduction past flat cannot be reconciled and halts the
// leg.
func (l *Ledger) checkRegression(st *legState, exec *models.Execution, delta decimal.Decimal) *IntegrityError {
	if st.curr == nil || st.curr.Quantity.Sign() == delta.Sign() {
		return nil
	}
	if delta.Abs().LessThanOrEqual(st.curr.Quantity.Abs()) {
		return nil
	}
	return &IntegrityError{
		Underlying: exec.Underlying,
		LegKey:     exec.LegKey(),
		ExecID:     exec.ExecID,
		Reason: fmt.Sprintf("out-of-order execution at %s (last %s) would close %s against %s held",
			exec.ExecutionTime.Format(time.RFC3339), st.lastTime.Format(time.RFC3339),
			delta.Abs(), st.curr.Quantity.Abs()),
	}
}

// open starts a fresh row: FLAT -> OPEN.
func (l *Ledger) open(st *legState, exec *models.Execution, delta decimal.Decimal) Effect {
	entry := &models.LedgerEntry{
		ID:          l.nextSeq,
		Underlying:  exec.Underlying,
		LegKey:      exec.LegKey(),
		Quantity:    delta,
		AvgCost:     exec.Price,
		TotalCost:   exec.Price.Mul(delta.Abs()).Mul(exec.Multiplier).RoundBank(models.MoneyScale),
		RealizedPnL: decimal.Zero,
		Status:      models.LedgerOpen,
		OpenedAt:    exec.ExecutionTime,
	}
	l.nextSeq++
	l.entries = append(l.entries, entry)
	st.curr = entry
	return Effect{
		Entry:    entry,
		ExecID:   exec.ExecID,
		Tag:      models.IndicatorOpen,
		Quantity: delta.Abs(),
		Price:    exec.Price,
		NewRow:   true,
	}
}

// add accumulates a same-sign fill into the open lot with a weighted average
// cost update.
func (l *Ledger) add(st *legState, exec *models.Execution, delta decimal.Decimal) Effect {
	entry := st.curr
	held := entry.Quantity.Abs()
	added := delta.Abs()
	newQty := held.Add(added)

	entry.AvgCost = entry.AvgCost.Mul(held).Add(exec.Price.Mul(added)).Div(newQty)
	entry.Quantity = entry.Quantity.Add(delta)
	entry.TotalCost = entry.AvgCost.Mul(newQty).Mul(exec.Multiplier).RoundBank(models.MoneyScale)

	return Effect{
		Entry:    entry,
		ExecID:   exec.ExecID,
		Tag:      models.IndicatorOpen,
		Quantity: added,
		Price:    exec.Price,
	}
}

// reduce closes part of the lot, realizing P&L on the closed portion against
// the average cost basis. Average cost is unchanged.
func (l *Ledger) reduce(st *legState, exec *models.Execution, delta decimal.Decimal) Effect {
	entry := st.curr
	closed := delta.Abs()
	pnl := realizedPnL(entry, exec.Price, closed, exec.Multiplier)

	entry.Quantity = entry.Quantity.Add(delta)
	entry.RealizedPnL = entry.RealizedPnL.Add(pnl)
	entry.TotalCost = entry.AvgCost.Mul(entry.Quantity.Abs()).Mul(exec.Multiplier).RoundBank(models.MoneyScale)

	return Effect{
		Entry:       entry,
		ExecID:      exec.ExecID,
		Tag:         models.IndicatorClose,
		Quantity:    closed,
		Price:       exec.Price,
		RealizedPnL: pnl,
	}
}

// flatten closes the lot completely: quantity zero, status CLOSED, closed_at
// stamped. The row is retained for history; a later re-open creates a new row.
func (l *Ledger) flatten(st *legState, exec *models.Execution, closed decimal.Decimal) Effect {
	entry := st.curr
	pnl := realizedPnL(entry, exec.Price, closed, exec.Multiplier)

	entry.Quantity = decimal.Zero
	entry.RealizedPnL = entry.RealizedPnL.Add(pnl)
	entry.TotalCost = decimal.Zero
	entry.Status = models.LedgerClosed
	closedAt := exec.ExecutionTime
	entry.ClosedAt = &closedAt
	st.curr = nil

	return Effect{
		Entry:       entry,
		ExecID:      exec.ExecID,
		Tag:         models.IndicatorClose,
		Quantity:    closed,
		Price:       exec.Price,
		RealizedPnL: pnl,
	}
}

// realizedPnL computes the P&L realized by closing `closed` units at `price`
// against the entry's average cost: (price - avg)*q*m for longs,
// (avg - price)*q*m for shorts.
func realizedPnL(entry *models.LedgerEntry, price, closed, multiplier decimal.Decimal) decimal.Decimal {
	perUnit := price.Sub(entry.AvgCost)
	if entry.Quantity.Sign() < 0 {
		perUnit = entry.AvgCost.Sub(price)
	}
	return perUnit.Mul(closed).Mul(multiplier).RoundBank(models.MoneyScale)
}

// tagExecution writes the derived indicator back onto the execution and logs
// when a broker-supplied hint disagrees. For cross-zero fills the closing
// portion's tag wins, matching the order the effects occurred.
func (l *Ledger) tagExecution(exec *models.Execution, effects []Effect) {
	if len(effects) == 0 {
		return
	}
	derived := effects[0].Tag
	if exec.OpenCloseIndicator != models.IndicatorNone && exec.OpenCloseIndicator != derived {
		l.log.WithFields(logrus.Fields{
			"exec_id":  exec.ExecID,
			"supplied": string(exec.OpenCloseIndicator),
			"derived":  string(derived),
		}).Warn("broker open/close indicator disagrees with ledger")
	}
	exec.OpenCloseIndicator = derived
}

// negSign returns -abs with the sign of delta: the helper for computing the
// cross-zero remainder delta + (-sign(delta) * held).
func negSign(delta, abs decimal.Decimal) decimal.Decimal {
	if delta.Sign() < 0 {
		return abs
	}
	return abs.Neg()
}

// Package grouping partitions ledger-tagged executions into logical
// multi-leg trades: opens within the same order or a short window form one
// trade, closes attach back to the open trade holding the matching leg, and
// a trade closes when every lot it owns returns to flat.
package grouping

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/ledger"
	"github.com/Tommyk15/trading-journal/internal/models"
)

// DefaultOpenWindow is W_open: opening executions across adjacent orders
// within this span group into one trade.
const DefaultOpenWindow = 5 * time.Minute

// tradeNamespace seeds deterministic trade IDs so a reprocess over the same
// execution set materializes identical trades.
var tradeNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8") // uuid.NameSpaceDNS

// legLot tracks one leg's open quantity within a single trade's cost-basis
// lot. remaining is unsigned.
type legLot struct {
	leg       models.TradeLeg
	remaining decimal.Decimal
}

type openTrade struct {
	trade        *models.Trade
	lots         map[string]*legLot
	lastOpenTime time.Time
	orderIDs     map[string]struct{}
	permIDs      map[string]struct{}
}

func (ot *openTrade) capacity(legKey string) decimal.Decimal {
	lot, ok := ot.lots[legKey]
	if !ok {
		return decimal.Zero
	}
	return lot.remaining
}

func (ot *openTrade) matchesOrder(exec *models.Execution) bool {
	if exec.PermID != "" {
		if _, ok := ot.permIDs[exec.PermID]; ok {
			return true
		}
	}
	if exec.OrderID != "" {
		if _, ok := ot.orderIDs[exec.OrderID]; ok {
			return true
		}
	}
	return false
}

func (ot *openTrade) isFlat() bool {
	for _, lot := range ot.lots {
		if !lot.remaining.IsZero() {
			return false
		}
	}
	return true
}

// Engine materializes trades from the effect stream. Like the ledger it is
// single-goroutine per underlying partition.
type Engine struct {
	log        *logrus.Logger
	openWindow time.Duration
	trades     []*models.Trade
	byID       map[string]*models.Trade
	open       map[string][]*openTrade // underlying -> open trades, oldest first
	events     []models.Event
}

// NewEngine returns an engine with the given opening window; zero means
// DefaultOpenWindow.
func NewEngine(openWindow time.Duration, log *logrus.Logger) *Engine {
	if openWindow <= 0 {
		openWindow = DefaultOpenWindow
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		log:        log,
		openWindow: openWindow,
		byID:       make(map[string]*models.Trade),
		open:       make(map[string][]*openTrade),
	}
}

// Trades returns every materialized trade in creation order.
func (e *Engine) Trades() []*models.Trade {
	return e.trades
}

// Trade looks a trade up by ID.
func (e *Engine) Trade(id string) *models.Trade {
	return e.byID[id]
}

// DrainEvents returns and clears the accumulated event list.
func (e *Engine) DrainEvents() []models.Event {
	out := e.events
	e.events = nil
	return out
}

// Apply routes one execution's ledger effects into trades. The execution's
// TradeID back-link is set to the trade its first effect attached to; a
// cross-zero fill therefore belongs to the trade it closed, while the
// remainder still opens (and funds) a fresh trade.
func (e *Engine) Apply(exec *models.Execution, effects []ledger.Effect) error {
	if len(effects) == 0 {
		return nil
	}

	for i := range effects {
		eff := &effects[i]
		var ot *openTrade
		switch eff.Tag {
		case models.IndicatorOpen:
			ot = e.attachOpen(exec, eff)
		case models.IndicatorClose:
			var err error
			ot, err = e.attachClose(exec, eff)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("effect for exec %s carries no open/close tag", eff.ExecID)
		}

		if i == 0 && ot != nil {
			e.backLink(exec, ot.trade)
		}
	}
	return nil
}

// attachOpen finds or creates the trade an opening portion belongs to.
// Matching precedence: same perm_id or order_id always groups; a leg already
// open in a trade scales in; otherwise any open trade whose last opening
// execution is within the window absorbs the new leg; else a new trade.
func (e *Engine) attachOpen(exec *models.Execution, eff *ledger.Effect) *openTrade {
	legKey := eff.Entry.LegKey
	created := false
	ot := e.findOpenHome(exec, legKey)
	if ot == nil {
		ot = e.newTrade(exec)
		created = true
	}

	lot, ok := ot.lots[legKey]
	if !ok {
		lot = &legLot{
			leg: models.TradeLeg{
				LegKey:       legKey,
				SecurityType: exec.SecurityType,
				OptionType:   exec.OptionType,
				Strike:       exec.Strike,
				Expiration:   exec.Expiration,
				Multiplier:   exec.Multiplier,
			},
			remaining: decimal.Zero,
		}
		ot.lots[legKey] = lot
	}

	signedQty := eff.Quantity
	if exec.Side == models.SideSell {
		signedQty = signedQty.Neg()
	}
	lot.leg.Quantity = lot.leg.Quantity.Add(signedQty)
	lot.remaining = lot.remaining.Add(eff.Quantity)

	portionNet := openPortionNet(exec, eff)
	ot.trade.OpeningCost = ot.trade.OpeningCost.Add(portionNet).RoundBank(models.MoneyScale)

	if exec.ExecutionTime.After(ot.lastOpenTime) {
		ot.lastOpenTime = exec.ExecutionTime
	}
	e.recordOrderIDs(ot, exec)
	e.refreshLegs(ot)

	// The ledger row's weak link points at whichever trade currently owns
	// the lot it tracks.
	eff.Entry.TradeID = ot.trade.ID

	if !created {
		e.emit(models.EventTradeUpdated, ot.trade)
	}
	return ot
}

// attachClose routes a closing portion to open trades holding the leg.
// Tie-break order per ambiguity: earliest-opened trade whose lot can absorb
// the whole portion; otherwise the trade leaving the smallest residual, with
// the remainder cascading to the next candidate.
func (e *Engine) attachClose(exec *models.Execution, eff *ledger.Effect) (*openTrade, error) {
	underlying := exec.Underlying
	legKey := eff.Entry.LegKey
	remaining := eff.Quantity
	pnlLeft := eff.RealizedPnL
	var first *openTrade

	for remaining.Sign() > 0 {
		candidates := e.closeCandidates(underlying, legKey)
		if len(candidates) == 0 {
			e.log.WithFields(logrus.Fields{
				"underlying": underlying,
				"leg_key":    legKey,
				"exec_id":    exec.ExecID,
				"quantity":   remaining.String(),
			}).Warn("closing execution found no open trade to attach to")
			return first, nil
		}

		ot := pickCloseTarget(candidates, legKey, remaining)
		lot := ot.lots[legKey]
		portion := decimal.Min(remaining, lot.remaining)

		// Attribute realized P&L proportionally; the final portion takes the
		// remainder so the shares sum exactly to the ledger's number.
		var pnlShare decimal.Decimal
		if portion.Equal(remaining) {
			pnlShare = pnlLeft
		} else {
			pnlShare = eff.RealizedPnL.Mul(portion).Div(eff.Quantity).RoundBank(models.MoneyScale)
		}
		pnlLeft = pnlLeft.Sub(pnlShare)

		lot.remaining = lot.remaining.Sub(portion)
		ot.trade.RealizedPnL = ot.trade.RealizedPnL.Add(pnlShare)
		remaining = remaining.Sub(portion)

		if first == nil {
			first = ot
		}
		if ot.isFlat() {
			e.closeTrade(ot, exec.ExecutionTime)
		} else {
			e.emit(models.EventTradeUpdated, ot.trade)
		}
	}
	return first, nil
}

// closeCandidates returns open trades holding unfilled quantity on the leg,
// oldest first.
func (e *Engine) closeCandidates(underlying, legKey string) []*openTrade {
	var out []*openTrade
	for _, ot := range e.open[underlying] {
		if ot.capacity(legKey).Sign() > 0 {
			out = append(out, ot)
		}
	}
	return out
}

// pickCloseTarget applies the attachment tie-breaks: the earliest-opened
// trade whose lot absorbs the whole portion wins; failing that, the trade
// leaving the smallest residual (largest capacity), earliest first on ties.
func pickCloseTarget(candidates []*openTrade, legKey string, qty decimal.Decimal) *openTrade {
	for _, ot := range candidates {
		if ot.capacity(legKey).GreaterThanOrEqual(qty) {
			return ot
		}
	}
	best := candidates[0]
	for _, ot := range candidates[1:] {
		if ot.capacity(legKey).GreaterThan(best.capacity(legKey)) {
			best = ot
		}
	}
	return best
}

func (e *Engine) findOpenHome(exec *models.Execution, legKey string) *openTrade {
	trades := e.open[exec.Underlying]

	for _, ot := range trades {
		if ot.matchesOrder(exec) {
			return ot
		}
	}
	for _, ot := range trades {
		if _, ok := ot.lots[legKey]; ok {
			return ot
		}
	}
	for _, ot := range trades {
		if !ot.lastOpenTime.IsZero() {
			delta := exec.ExecutionTime.Sub(ot.lastOpenTime)
			if delta < 0 {
				delta = -delta
			}
			if delta <= e.openWindow {
				return ot
			}
		}
	}
	return nil
}

func (e *Engine) newTrade(exec *models.Execution) *openTrade {
	id := uuid.NewSHA1(tradeNamespace, []byte(exec.Underlying+"|"+exec.ExecID)).String()
	trade := &models.Trade{
		ID:                 id,
		Underlying:         exec.Underlying,
		StrategyType:       models.StrategyCustom,
		Status:             models.TradeOpen,
		OpenedAt:           exec.ExecutionTime,
		OpeningCost:        decimal.Zero,
		RealizedPnL:        decimal.Zero,
		TotalCommission:    decimal.Zero,
		WashSaleAdjustment: decimal.Zero,
	}
	ot := &openTrade{
		trade:    trade,
		lots:     make(map[string]*legLot),
		orderIDs: make(map[string]struct{}),
		permIDs:  make(map[string]struct{}),
	}
	e.trades = append(e.trades, trade)
	e.byID[trade.ID] = trade
	e.open[exec.Underlying] = append(e.open[exec.Underlying], ot)
	e.emit(models.EventTradeCreated, trade)
	return ot
}

func (e *Engine) closeTrade(ot *openTrade, at time.Time) {
	closedAt := at
	ot.trade.Status = models.TradeClosed
	ot.trade.ClosedAt = &closedAt

	list := e.open[ot.trade.Underlying]
	for i, cand := range list {
		if cand == ot {
			e.open[ot.trade.Underlying] = append(list[:i], list[i+1:]...)
			break
		}
	}
	e.emit(models.EventTradeClosed, ot.trade)
}

func (e *Engine) backLink(exec *models.Execution, trade *models.Trade) {
	exec.TradeID = trade.ID
	trade.NumExecutions++
	trade.TotalCommission = trade.TotalCommission.Add(exec.Commission).RoundBank(models.MoneyScale)
}

func (e *Engine) recordOrderIDs(ot *openTrade, exec *models.Execution) {
	if exec.OrderID != "" {
		ot.orderIDs[exec.OrderID] = struct{}{}
	}
	if exec.PermID != "" {
		ot.permIDs[exec.PermID] = struct{}{}
	}
}

// refreshLegs rebuilds the trade's leg list from its lots, ordered by leg key
// for deterministic output.
func (e *Engine) refreshLegs(ot *openTrade) {
	legs := make([]models.TradeLeg, 0, len(ot.lots))
	for _, lot := range ot.lots {
		legs = append(legs, lot.leg)
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].LegKey < legs[j].LegKey })
	ot.trade.Legs = legs
	ot.trade.NumLegs = len(legs)
}

func (e *Engine) emit(t models.EventType, trade *models.Trade) {
	e.events = append(e.events, models.Event{
		Type:       t,
		TradeID:    trade.ID,
		Underlying: trade.Underlying,
		At:         time.Now().UTC(),
	})
}

// openPortionNet computes the signed net amount of the opening portion of an
// execution: portion*price*multiplier, negative for buys, positive for
// sells. For whole-execution opens this equals the execution's net_amount.
func openPortionNet(exec *models.Execution, eff *ledger.Effect) decimal.Decimal {
	gross := eff.Price.Mul(eff.Quantity).Mul(exec.Multiplier)
	if exec.Side == models.SideBuy {
		return gross.Neg()
	}
	return gross
}

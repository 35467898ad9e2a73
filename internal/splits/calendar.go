// Package splits maintains the stock-split calendar and applies retroactive
// split adjustments to execution quantities and prices.
package splits

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// Calendar is the process-wide split registry. Reads vastly outnumber writes;
// the per-symbol slices are kept sorted by (split_date, id) and guarded by a
// single RWMutex.
type Calendar struct {
	mu       sync.RWMutex
	bySymbol map[string][]models.StockSplit
	nextID   int64
}

// NewCalendar returns an empty calendar.
func NewCalendar() *Calendar {
	return &Calendar{bySymbol: make(map[string][]models.StockSplit), nextID: 1}
}

// NewCalendarFromSplits seeds a calendar from persisted rows, preserving
// their IDs.
func NewCalendarFromSplits(all []models.StockSplit) (*Calendar, error) {
	c := NewCalendar()
	for _, s := range all {
		if err := c.Register(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a split to the calendar. A zero ID gets the next synthetic
// one so same-date ordering stays deterministic.
func (c *Calendar) Register(s models.StockSplit) error {
	if err := s.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s.ID == 0 {
		s.ID = c.nextID
	}
	if s.ID >= c.nextID {
		c.nextID = s.ID + 1
	}

	list := append(c.bySymbol[s.Symbol], s)
	sort.Slice(list, func(i, j int) bool {
		if !list[i].SplitDate.Equal(list[j].SplitDate) {
			return list[i].SplitDate.Before(list[j].SplitDate)
		}
		return list[i].ID < list[j].ID
	})
	c.bySymbol[s.Symbol] = list
	return nil
}

// Splits returns the registered splits for a symbol in (split_date, id)
// order. The returned slice is a copy.
func (c *Calendar) Splits(symbol string) []models.StockSplit {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := c.bySymbol[symbol]
	out := make([]models.StockSplit, len(list))
	copy(out, list)
	return out
}

// Symbols returns every symbol with at least one registered split.
func (c *Calendar) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.bySymbol))
	for sym := range c.bySymbol {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Adjust applies every split strictly after executionTime to the given
// quantity and price. Quantity scales by ratio_to/ratio_from, price by the
// inverse, so qty*price is preserved modulo the final banker's rounding at
// 4 decimals. The ratio products compose before the single division to keep
// the arithmetic exact up to that one rounding step. Returns the adjusted
// pair and the splits applied, oldest first.
func (c *Calendar) Adjust(symbol string, executionTime time.Time, qty, price decimal.Decimal) (decimal.Decimal, decimal.Decimal, []models.StockSplit) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var applied []models.StockSplit
	toProd, fromProd := decimal.NewFromInt(1), decimal.NewFromInt(1)
	for _, s := range c.bySymbol[symbol] {
		if !s.AppliesTo(executionTime) {
			continue
		}
		toProd = toProd.Mul(s.RatioTo)
		fromProd = fromProd.Mul(s.RatioFrom)
		applied = append(applied, s)
	}
	if len(applied) == 0 {
		return qty, price, nil
	}
	adjQty := qty.Mul(toProd).Div(fromProd).RoundBank(models.QuantityScale)
	adjPrice := price.Mul(fromProd).Div(toProd).RoundBank(models.PriceScale)
	return adjQty, adjPrice, applied
}

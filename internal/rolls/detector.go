// Package rolls links a closed trade to the trade that replaced it: same
// underlying, opened within the roll window of the close (or the same
// trading day when both sides came from one order), with at least one leg
// carried to new terms. Linked trades share a chain ID so a position rolled
// month after month reads as one campaign.
package rolls

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// DefaultWindow is W_roll: the close-to-open gap inside which two trades are
// roll candidates without order evidence.
const DefaultWindow = 10 * time.Minute

// ErrLinkConflict reports a link that would corrupt a chain, such as a cycle
// introduced by inconsistent stored links.
var ErrLinkConflict = errors.New("rolls: link conflict")

// chainNamespace seeds deterministic chain IDs from the first trade of the
// chain, keeping IDs stable across reprocessing.
var chainNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8") // uuid.NameSpaceURL

// OrderIndex maps trade IDs to the broker order and perm IDs of their
// executions. Shared IDs extend the roll window to the whole trading day.
type OrderIndex map[string]map[string]struct{}

// Add records an order or perm ID for a trade.
func (ix OrderIndex) Add(tradeID, orderID string) {
	if orderID == "" {
		return
	}
	set, ok := ix[tradeID]
	if !ok {
		set = make(map[string]struct{})
		ix[tradeID] = set
	}
	set[orderID] = struct{}{}
}

func (ix OrderIndex) shares(a, b string) bool {
	sa, sb := ix[a], ix[b]
	if len(sa) > len(sb) {
		sa, sb = sb, sa
	}
	for id := range sa {
		if _, ok := sb[id]; ok {
			return true
		}
	}
	return false
}

// Detector batch-links rolls over a trade population.
type Detector struct {
	log    *logrus.Logger
	window time.Duration
}

// NewDetector returns a detector with the given window; zero means
// DefaultWindow.
func NewDetector(window time.Duration, log *logrus.Logger) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Detector{log: log, window: window}
}

// Detect scans closed trades newest first and writes roll links in place.
// Re-running over already linked trades is a no-op. It returns one event per
// new link; conflicting stored links are skipped and reported together as an
// ErrLinkConflict after the pass completes.
func (d *Detector) Detect(trades []*models.Trade, orders OrderIndex) ([]models.Event, error) {
	closed := make([]*models.Trade, 0, len(trades))
	for _, tr := range trades {
		if tr.Status == models.TradeClosed && tr.ClosedAt != nil {
			closed = append(closed, tr)
		}
	}
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].ClosedAt.After(*closed[j].ClosedAt)
	})

	byID := make(map[string]*models.Trade, len(trades))
	for _, tr := range trades {
		byID[tr.ID] = tr
	}

	type pair struct{ a, b *models.Trade }
	var linked []pair
	conflicts := 0
	for _, a := range closed {
		if a.RolledToTradeID != "" {
			continue
		}
		b := d.findSuccessor(a, trades, orders)
		if b == nil {
			continue
		}
		if createsCycle(a, b, byID) {
			d.log.WithFields(logrus.Fields{
				"from_trade": a.ID,
				"to_trade":   b.ID,
			}).Error("roll link would close a cycle, skipping")
			conflicts++
			continue
		}
		a.RolledToTradeID = b.ID
		b.RolledFromTradeID = a.ID
		b.IsRoll = true
		linked = append(linked, pair{a, b})
	}

	normalizeChains(trades, byID)

	var events []models.Event
	for _, p := range linked {
		events = append(events, models.Event{
			Type:        models.EventRollLinked,
			TradeID:     p.b.ID,
			Underlying:  p.b.Underlying,
			RollChainID: p.b.RollChainID,
			At:          time.Now().UTC(),
		})
		d.log.WithFields(logrus.Fields{
			"underlying": p.a.Underlying,
			"from_trade": p.a.ID,
			"to_trade":   p.b.ID,
			"chain_id":   p.b.RollChainID,
		}).Info("roll linked")
	}

	if conflicts > 0 {
		return events, fmt.Errorf("%w: %d link(s) skipped", ErrLinkConflict, conflicts)
	}
	return events, nil
}

// normalizeChains assigns every linked chain the ID derived from its head
// trade, walking each chain once. A head that already carries an ID keeps
// it, so re-runs leave stored chains untouched.
func normalizeChains(trades []*models.Trade, byID map[string]*models.Trade) {
	for _, tr := range trades {
		if tr.RolledToTradeID == "" || tr.RolledFromTradeID != "" {
			continue
		}
		id := tr.RollChainID
		if id == "" {
			id = uuid.NewSHA1(chainNamespace, []byte("chain|"+tr.ID)).String()
		}
		seen := make(map[string]struct{})
		for cur := tr; cur != nil; {
			if _, ok := seen[cur.ID]; ok {
				break
			}
			seen[cur.ID] = struct{}{}
			cur.RollChainID = id
			if cur.RolledToTradeID == "" {
				break
			}
			cur = byID[cur.RolledToTradeID]
		}
	}
}

// findSuccessor picks the earliest-opened eligible trade after a's close.
func (d *Detector) findSuccessor(a *models.Trade, trades []*models.Trade, orders OrderIndex) *models.Trade {
	var best *models.Trade
	for _, b := range trades {
		if b.ID == a.ID || b.Underlying != a.Underlying {
			continue
		}
		if b.RolledFromTradeID != "" {
			continue
		}
		if b.OpenedAt.Before(*a.ClosedAt) {
			continue
		}
		gap := b.OpenedAt.Sub(*a.ClosedAt)
		if gap > d.window {
			if !orders.shares(a.ID, b.ID) || !sameTradingDay(*a.ClosedAt, b.OpenedAt) {
				continue
			}
		}
		if !legsCarryOver(a, b) {
			continue
		}
		if !structurallyCompatible(a, b) {
			continue
		}
		if best == nil || b.OpenedAt.Before(best.OpenedAt) {
			best = b
		}
	}
	return best
}

// createsCycle walks forward from b; reaching a again means the new link
// would close a loop.
func createsCycle(a, b *models.Trade, byID map[string]*models.Trade) bool {
	seen := make(map[string]struct{})
	for cur := b; cur != nil; {
		if cur.ID == a.ID {
			return true
		}
		if _, ok := seen[cur.ID]; ok {
			return true
		}
		seen[cur.ID] = struct{}{}
		if cur.RolledToTradeID == "" {
			return false
		}
		cur = byID[cur.RolledToTradeID]
	}
	return false
}

// legsCarryOver requires one leg of b to share (option_type, sign) with a
// leg of a while moving strike or expiration. Identical terms are a
// re-entry, not a roll.
func legsCarryOver(a, b *models.Trade) bool {
	for _, la := range a.Legs {
		if la.SecurityType != models.SecurityOption {
			continue
		}
		for _, lb := range b.Legs {
			if lb.SecurityType != models.SecurityOption {
				continue
			}
			if la.OptionType != lb.OptionType {
				continue
			}
			if la.Quantity.Sign() != lb.Quantity.Sign() {
				continue
			}
			if !la.Strike.Equal(lb.Strike) || !la.Expiration.Equal(lb.Expiration) {
				return true
			}
		}
	}
	return false
}

// structurallyCompatible accepts the same strategy tag, or a put/call
// vertical against an iron condor (rolling one side of the condor).
func structurallyCompatible(a, b *models.Trade) bool {
	if a.StrategyType == b.StrategyType {
		return true
	}
	isVertical := func(s models.StrategyType) bool {
		return s == models.StrategyVerticalCall || s == models.StrategyVerticalPut
	}
	isCondor := func(s models.StrategyType) bool {
		return s == models.StrategyIronCondor || s == models.StrategyIronButterfly
	}
	return (isVertical(a.StrategyType) && isCondor(b.StrategyType)) ||
		(isCondor(a.StrategyType) && isVertical(b.StrategyType))
}

func sameTradingDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// Chain returns all trades sharing a chain ID, ordered by opened_at.
func Chain(trades []*models.Trade, chainID string) []*models.Trade {
	if chainID == "" {
		return nil
	}
	var out []*models.Trade
	for _, tr := range trades {
		if tr.RollChainID == chainID {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

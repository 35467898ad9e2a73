package models

import "time"

// EventType identifies a journal event relayed to API consumers.
type EventType string

const (
	// EventTradeCreated fires when grouping materializes a new trade.
	EventTradeCreated EventType = "trade_created"
	// EventTradeUpdated fires when executions or analytics mutate a trade.
	EventTradeUpdated EventType = "trade_updated"
	// EventTradeClosed fires when every leg of a trade returns to flat.
	EventTradeClosed EventType = "trade_closed"
	// EventRollLinked fires when roll detection links two trades.
	EventRollLinked EventType = "roll_linked"
)

// Event is the envelope published on the journal's event stream.
type Event struct {
	Type        EventType `json:"type"`
	TradeID     string    `json:"trade_id"`
	Underlying  string    `json:"underlying"`
	RollChainID string    `json:"roll_chain_id,omitempty"`
	At          time.Time `json:"at"`
}

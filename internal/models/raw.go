package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawExecution is the loose fill shape produced by broker adapters and the
// Flex importer before normalization. Field encodings vary by source: sides
// arrive as BOT/SLD, BUY/SELL, or B/S; option rights as C/P or CALL/PUT;
// quantity may carry the side's sign; net_amount may be absent or, in
// historical Flex statements, have commission folded in.
type RawExecution struct {
	ExecID             string
	OrderID            string
	PermID             string
	Underlying         string
	SecurityType       string
	OptionType         string
	Strike             decimal.Decimal
	Expiration         time.Time
	Multiplier         decimal.Decimal
	Side               string
	Quantity           decimal.Decimal
	Price              decimal.Decimal
	Commission         decimal.Decimal
	NetAmount          decimal.Decimal
	ExecutionTime      time.Time
	AccountID          string
	OpenCloseIndicator string
}

// Package normalize canonicalizes raw broker fills into the journal's
// Execution shape: side and option-right aliases collapse to the BOT/SLD and
// C/P enums, the net-amount sign convention is enforced, and commission-in-net
// upstream encodings are detected and restored. Stored executions keep the
// broker's as-reported numbers; split adjustments are applied to working
// copies when the ledger replays, so registering a split later restates
// history on the next reprocess instead of requiring a re-import.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/models"
	"github.com/Tommyk15/trading-journal/internal/splits"
)

// netAmountTolerance is the allowance when checking whether an upstream
// net_amount had commission folded into it.
var netAmountTolerance = decimal.NewFromFloat(0.10)

// NormalizationError reports an incoming execution that cannot be
// canonicalized. The execution is dropped and the batch error counter
// incremented; nothing else in the batch is affected.
type NormalizationError struct {
	ExecID string
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize execution %s: field %s: %s", e.ExecID, e.Field, e.Reason)
}

// Normalizer converts RawExecution records into Executions, consulting the
// split calendar for retroactive adjustments.
type Normalizer struct {
	calendar *splits.Calendar
	log      *logrus.Logger
}

// New returns a Normalizer bound to the given split calendar.
func New(calendar *splits.Calendar, log *logrus.Logger) *Normalizer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Normalizer{calendar: calendar, log: log}
}

// Normalize canonicalizes one raw fill. Returns a NormalizationError when a
// required field is missing or unparseable.
func (n *Normalizer) Normalize(raw models.RawExecution) (models.Execution, error) {
	var zero models.Execution

	if raw.ExecID == "" {
		return zero, &NormalizationError{Field: "exec_id", Reason: "missing"}
	}
	if raw.Underlying == "" {
		return zero, &NormalizationError{ExecID: raw.ExecID, Field: "underlying", Reason: "missing"}
	}
	if raw.AccountID == "" {
		return zero, &NormalizationError{ExecID: raw.ExecID, Field: "account_id", Reason: "missing"}
	}
	if raw.ExecutionTime.IsZero() {
		return zero, &NormalizationError{ExecID: raw.ExecID, Field: "execution_time", Reason: "missing"}
	}

	secType, err := parseSecurityType(raw.SecurityType)
	if err != nil {
		return zero, &NormalizationError{ExecID: raw.ExecID, Field: "security_type", Reason: err.Error()}
	}
	side, err := parseSide(raw.Side)
	if err != nil {
		return zero, &NormalizationError{ExecID: raw.ExecID, Field: "side", Reason: err.Error()}
	}
	optType, err := parseOptionType(raw.OptionType)
	if err != nil {
		return zero, &NormalizationError{ExecID: raw.ExecID, Field: "option_type", Reason: err.Error()}
	}
	if secType == models.SecurityStock {
		optType = models.OptionNone
	}

	qty := raw.Quantity.Abs().RoundBank(models.QuantityScale)
	if qty.IsZero() {
		return zero, &NormalizationError{ExecID: raw.ExecID, Field: "quantity", Reason: "zero"}
	}
	price := raw.Price.RoundBank(models.PriceScale)
	if price.Sign() < 0 {
		return zero, &NormalizationError{ExecID: raw.ExecID, Field: "price", Reason: "negative"}
	}

	multiplier := raw.Multiplier
	if multiplier.IsZero() {
		if secType == models.SecurityOption {
			multiplier = decimal.NewFromInt(100)
		} else {
			multiplier = decimal.NewFromInt(1)
		}
	}

	exec := models.Execution{
		ExecID:             raw.ExecID,
		OrderID:            raw.OrderID,
		PermID:             raw.PermID,
		Underlying:         strings.ToUpper(strings.TrimSpace(raw.Underlying)),
		SecurityType:       secType,
		OptionType:         optType,
		Strike:             raw.Strike,
		Expiration:         normalizeExpiration(raw.Expiration),
		Multiplier:         multiplier,
		Side:               side,
		Quantity:           qty,
		Price:              price,
		Commission:         raw.Commission.Abs().RoundBank(models.MoneyScale),
		ExecutionTime:      raw.ExecutionTime.UTC(),
		AccountID:          raw.AccountID,
		OpenCloseIndicator: parseIndicator(raw.OpenCloseIndicator),
	}

	exec.NetAmount = exec.SignedNetAmount().RoundBank(models.MoneyScale)
	n.checkUpstreamNetAmount(raw, &exec)

	if err := exec.Validate(); err != nil {
		return zero, &NormalizationError{ExecID: raw.ExecID, Field: "execution", Reason: err.Error()}
	}
	return exec, nil
}

// AdjustForReplay returns a copy of a stored stock execution with every
// registered split strictly after its execution time applied. The calendar
// preserves qty*price, so the recomputed net amount matches the as-reported
// notional up to rounding. Options and symbols with no registered splits pass
// through unchanged.
func (n *Normalizer) AdjustForReplay(exec models.Execution) models.Execution {
	if n.calendar == nil || exec.SecurityType != models.SecurityStock {
		return exec
	}
	adjQty, adjPrice, applied := n.calendar.Adjust(exec.Underlying, exec.ExecutionTime, exec.Quantity, exec.Price)
	if len(applied) == 0 {
		return exec
	}
	n.log.WithFields(logrus.Fields{
		"exec_id":   exec.ExecID,
		"symbol":    exec.Underlying,
		"splits":    len(applied),
		"qty":       exec.Quantity.String(),
		"adj_qty":   adjQty.String(),
		"price":     exec.Price.String(),
		"adj_price": adjPrice.String(),
	}).Debug("applied split adjustment")
	exec.Quantity = adjQty
	exec.Price = adjPrice
	exec.NetAmount = exec.SignedNetAmount().RoundBank(models.MoneyScale)
	return exec
}

// checkUpstreamNetAmount compares the source's net_amount, when present,
// against price*|q|*multiplier computed from the raw (pre-split) values.
// Historical Flex statements deduct commission inside net_amount; adding the
// commission back should land within a dime of the notional. Anything else
// gets a warning since the canonical value always wins.
func (n *Normalizer) checkUpstreamNetAmount(raw models.RawExecution, exec *models.Execution) {
	if raw.NetAmount.IsZero() {
		return
	}
	rawGross := raw.Price.Mul(raw.Quantity.Abs()).Mul(exec.Multiplier)
	diff := raw.NetAmount.Abs().Sub(rawGross).Abs()
	if diff.LessThanOrEqual(netAmountTolerance) {
		return
	}
	restored := raw.NetAmount.Abs().Add(exec.Commission)
	if restored.Sub(rawGross).Abs().LessThanOrEqual(netAmountTolerance) {
		n.log.WithFields(logrus.Fields{
			"exec_id":  exec.ExecID,
			"upstream": raw.NetAmount.String(),
			"restored": exec.NetAmount.String(),
		}).Debug("restored commission-encoded net_amount")
		return
	}
	n.log.WithFields(logrus.Fields{
		"exec_id":  exec.ExecID,
		"upstream": raw.NetAmount.String(),
		"computed": exec.NetAmount.String(),
	}).Warn("upstream net_amount disagrees with price*qty*multiplier")
}

func parseSecurityType(s string) (models.SecurityType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPT", "OPTION":
		return models.SecurityOption, nil
	case "STK", "STOCK":
		return models.SecurityStock, nil
	default:
		return "", fmt.Errorf("unknown security type %q", s)
	}
}

func parseSide(s string) (models.Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BOT", "BUY", "B":
		return models.SideBuy, nil
	case "SLD", "SELL", "S":
		return models.SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

func parseOptionType(s string) (models.OptionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CALL":
		return models.OptionCall, nil
	case "P", "PUT":
		return models.OptionPut, nil
	case "":
		return models.OptionNone, nil
	default:
		return "", fmt.Errorf("unknown option type %q", s)
	}
}

func parseIndicator(s string) models.OpenCloseIndicator {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "O":
		return models.IndicatorOpen
	case "C":
		return models.IndicatorClose
	default:
		return models.IndicatorNone
	}
}

// normalizeExpiration truncates an expiration to a UTC date. Leg keys format
// it as YYYYMMDD, so intraday noise from upstream parsers must not leak in.
func normalizeExpiration(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

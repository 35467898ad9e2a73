// Package marketdata provides quote, option Greeks, and risk-free rate
// lookups for the analytics kernel. All provider access is best-effort:
// callers treat failures and stale snapshots as a signal to mark analytics
// partial, never as a reason to abort a sync.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// Quote is a last-close snapshot for an underlying.
type Quote struct {
	Symbol string          `json:"symbol"`
	Close  decimal.Decimal `json:"close"`
	AsOf   time.Time       `json:"as_of"`
	Stale  bool            `json:"stale"`
}

// GreeksSnapshot carries per-contract Greeks and implied volatility.
type GreeksSnapshot struct {
	Underlying string          `json:"underlying"`
	Contract   string          `json:"contract"`
	Delta      decimal.Decimal `json:"delta"`
	Gamma      decimal.Decimal `json:"gamma"`
	Theta      decimal.Decimal `json:"theta"`
	Vega       decimal.Decimal `json:"vega"`
	IV         decimal.Decimal `json:"iv"`
	AsOf       time.Time       `json:"as_of"`
	Stale      bool            `json:"stale"`
}

// Provider looks up quotes and option Greeks.
type Provider interface {
	LastClose(ctx context.Context, symbol string) (Quote, error)
	OptionGreeks(ctx context.Context, underlying string, optionType models.OptionType,
		strike decimal.Decimal, expiration time.Time) (GreeksSnapshot, error)
}

// RateProvider supplies the annualized risk-free rate used by the
// probability model. Implementations return a usable fallback value
// alongside a non-nil error when degraded.
type RateProvider interface {
	RiskFreeRate(ctx context.Context) (decimal.Decimal, error)
}

// ProviderError wraps a provider failure with its origin.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

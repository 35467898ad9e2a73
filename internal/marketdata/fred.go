package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	fredBaseURL = "https://api.stlouisfed.org/fred"

	// DGS3MO is the 3-month Treasury constant maturity series, a standard
	// proxy for the risk-free rate in options pricing.
	fredRateSeries = "DGS3MO"

	fredCacheTTL = 24 * time.Hour
)

// fallbackRiskFreeRate is used when FRED is unreachable and no cached value
// exists. 4% keeps probability estimates in a sane range either way.
var fallbackRiskFreeRate = decimal.NewFromFloat(0.04)

// FREDClient fetches the risk-free rate from the St. Louis Fed FRED API.
// Observations change once a day at most, so results are cached for 24 hours.
type FREDClient struct {
	client  *http.Client
	apiKey  string
	baseURL string
	logger  *logrus.Logger

	mu        sync.Mutex
	cached    decimal.Decimal
	cachedAt  time.Time
	haveValue bool
}

// NewFREDClient creates a FRED rate client.
func NewFREDClient(apiKey string, logger *logrus.Logger) *FREDClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FREDClient{
		client:  &http.Client{Timeout: 10 * time.Second},
		apiKey:  apiKey,
		baseURL: fredBaseURL,
		logger:  logger,
	}
}

var _ RateProvider = (*FREDClient)(nil)

// WithHTTPClient allows overriding the HTTP client (tests).
func (f *FREDClient) WithHTTPClient(c *http.Client) *FREDClient {
	if c != nil {
		f.client = c
	}
	return f
}

// WithBaseURL allows overriding the API URL (tests).
func (f *FREDClient) WithBaseURL(u string) *FREDClient {
	if u != "" {
		f.baseURL = strings.TrimRight(u, "/")
	}
	return f
}

// RiskFreeRate returns the latest DGS3MO observation as a decimal fraction
// (5.25% -> 0.0525). When the API is unreachable it returns the last cached
// value, or the 4% fallback, together with a non-nil error so callers can
// mark downstream numbers as degraded.
func (f *FREDClient) RiskFreeRate(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.haveValue && time.Since(f.cachedAt) < fredCacheTTL {
		return f.cached, nil
	}

	rate, err := f.fetchLatest(ctx)
	if err != nil {
		if f.haveValue {
			f.logger.WithError(err).Warn("FRED fetch failed, using cached risk-free rate")
			return f.cached, &ProviderError{Provider: "fred", Op: "risk_free_rate", Err: err}
		}
		f.logger.WithError(err).Warn("FRED fetch failed, using fallback risk-free rate")
		return fallbackRiskFreeRate, &ProviderError{Provider: "fred", Op: "risk_free_rate", Err: err}
	}

	f.cached = rate
	f.cachedAt = time.Now()
	f.haveValue = true
	return rate, nil
}

func (f *FREDClient) fetchLatest(ctx context.Context) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("series_id", fredRateSeries)
	params.Set("api_key", f.apiKey)
	params.Set("file_type", "json")
	params.Set("sort_order", "desc")
	params.Set("limit", "10")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.baseURL+"/series/observations?"+params.Encode(), http.NoBody)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "trading-journal/1.0 (+fred)")

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			f.logger.WithError(err).Debug("failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return decimal.Zero, &APIError{Status: resp.StatusCode, Body: "failed to read error body"}
		}
		return decimal.Zero, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		Observations []struct {
			Date  string `json:"date"`
			Value string `json:"value"`
		} `json:"observations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, err
	}

	// FRED reports missing observations (holidays) as ".", so walk the
	// descending list until a real number shows up.
	for _, obs := range payload.Observations {
		if obs.Value == "." || obs.Value == "" {
			continue
		}
		pct, err := decimal.NewFromString(obs.Value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse observation %q (%s): %w", obs.Value, obs.Date, err)
		}
		return pct.Div(decimal.NewFromInt(100)), nil
	}
	return decimal.Zero, fmt.Errorf("series %s returned no usable observations", fredRateSeries)
}

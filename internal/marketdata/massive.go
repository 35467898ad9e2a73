package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// MassiveClient talks to a Polygon-compatible aggregates/snapshot API using
// raw HTTP calls. Previous-close bars come from /v2/aggs, option Greeks from
// the /v3 options snapshot.
type MassiveClient struct {
	client  *http.Client
	apiKey  string
	baseURL string
	logger  *logrus.Logger
}

// NewMassiveClient creates a market data client.
func NewMassiveClient(apiKey string, logger *logrus.Logger) *MassiveClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MassiveClient{
		client:  &http.Client{Timeout: 10 * time.Second},
		apiKey:  apiKey,
		baseURL: "https://api.massive.com",
		logger:  logger,
	}
}

// Ensure MassiveClient implements Provider at compile time.
var _ Provider = (*MassiveClient)(nil)

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (m *MassiveClient) WithHTTPClient(c *http.Client) *MassiveClient {
	if c != nil {
		m.client = c
	}
	return m
}

// WithBaseURL allows overriding the API URL (tests).
func (m *MassiveClient) WithBaseURL(u string) *MassiveClient {
	if u != "" {
		m.baseURL = strings.TrimRight(u, "/")
	}
	return m
}

// LastClose fetches the previous trading day's close for a symbol.
func (m *MassiveClient) LastClose(ctx context.Context, symbol string) (Quote, error) {
	var resp struct {
		Status  string `json:"status"`
		Results []struct {
			Close float64 `json:"c"`
			Time  int64   `json:"t"`
		} `json:"results"`
	}

	path := fmt.Sprintf("/v2/aggs/ticker/%s/prev", url.PathEscape(strings.ToUpper(symbol)))
	params := url.Values{}
	params.Set("adjusted", "true")

	if err := m.doGet(ctx, path, params, &resp); err != nil {
		return Quote{}, &ProviderError{Provider: "massive", Op: "last_close " + symbol, Err: err}
	}
	if len(resp.Results) == 0 {
		return Quote{}, &ProviderError{Provider: "massive", Op: "last_close " + symbol,
			Err: fmt.Errorf("no previous close returned (status=%s)", resp.Status)}
	}

	r := resp.Results[0]
	return Quote{
		Symbol: strings.ToUpper(symbol),
		Close:  decimal.NewFromFloat(r.Close).RoundBank(models.PriceScale),
		AsOf:   time.UnixMilli(r.Time).UTC(),
	}, nil
}

// OptionGreeks fetches the Greeks snapshot for one contract.
func (m *MassiveClient) OptionGreeks(ctx context.Context, underlying string, optionType models.OptionType,
	strike decimal.Decimal, expiration time.Time) (GreeksSnapshot, error) {
	contract := occSymbol(underlying, expiration, optionType, strike)

	var resp struct {
		Status  string `json:"status"`
		Results struct {
			Greeks struct {
				Delta float64 `json:"delta"`
				Gamma float64 `json:"gamma"`
				Theta float64 `json:"theta"`
				Vega  float64 `json:"vega"`
			} `json:"greeks"`
			IV   float64 `json:"implied_volatility"`
			Day  struct {
				LastUpdated int64 `json:"last_updated"`
			} `json:"day"`
		} `json:"results"`
	}

	path := fmt.Sprintf("/v3/snapshot/options/%s/%s",
		url.PathEscape(strings.ToUpper(underlying)), url.PathEscape(contract))

	if err := m.doGet(ctx, path, nil, &resp); err != nil {
		return GreeksSnapshot{}, &ProviderError{Provider: "massive", Op: "option_greeks " + contract, Err: err}
	}

	asOf := time.Now().UTC()
	if resp.Results.Day.LastUpdated > 0 {
		// Snapshot timestamps arrive in nanoseconds.
		asOf = time.Unix(0, resp.Results.Day.LastUpdated).UTC()
	}

	g := resp.Results.Greeks
	return GreeksSnapshot{
		Underlying: strings.ToUpper(underlying),
		Contract:   contract,
		Delta:      decimal.NewFromFloat(g.Delta).RoundBank(models.GreekScale),
		Gamma:      decimal.NewFromFloat(g.Gamma).RoundBank(models.GreekScale),
		Theta:      decimal.NewFromFloat(g.Theta).RoundBank(models.GreekScale),
		Vega:       decimal.NewFromFloat(g.Vega).RoundBank(models.GreekScale),
		IV:         decimal.NewFromFloat(resp.Results.IV).RoundBank(models.GreekScale),
		AsOf:       asOf,
	}, nil
}

// occSymbol formats an OCC-style contract ticker:
// <root><YYMMDD><C|P><strike*1000 padded to 8 digits>, prefixed with "O:".
func occSymbol(underlying string, expiration time.Time, optionType models.OptionType, strike decimal.Decimal) string {
	right := "C"
	if optionType == models.OptionPut {
		right = "P"
	}
	strikeInt := int64(math.Round(strike.InexactFloat64() * 1000))
	return fmt.Sprintf("O:%s%s%s%08d",
		strings.ToUpper(underlying), expiration.UTC().Format("060102"), right, strikeInt)
}

func (m *MassiveClient) doGet(ctx context.Context, path string, params url.Values, response interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("apiKey", m.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path+"?"+params.Encode(), http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Add("Authorization", "Bearer "+m.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "trading-journal/1.0 (+marketdata)")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			m.logger.WithError(err).Debug("failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("GET %s -> failed to read error body", path)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("GET %s -> %s", path, string(body))}
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}

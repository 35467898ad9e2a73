package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// maxTradeLookbackDays is the deepest history the Client Portal trades
// endpoint serves. Anything older has to come in through the Flex importer.
const maxTradeLookbackDays = 7

// IBKRClient fetches executions from the Interactive Brokers Client Portal
// REST API. The IB Gateway or TWS must be running locally with an
// authenticated Client Portal session.
type IBKRClient struct {
	mu sync.Mutex

	client    *http.Client
	baseURL   string
	accountID string
	logger    *logrus.Logger
}

// IBKRConfig holds Client Portal connection settings.
type IBKRConfig struct {
	Host      string        // Gateway host (default: "localhost")
	Port      int           // Gateway port (default: 5000)
	AccountID string        // IB account ID; discovered when empty
	Timeout   time.Duration // HTTP timeout (default: 15s)
}

// NewIBKRClient creates a new Client Portal client.
func NewIBKRClient(cfg IBKRConfig, logger *logrus.Logger) *IBKRClient {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port <= 0 {
		port = 5000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &IBKRClient{
		baseURL:   fmt.Sprintf("https://%s:%d/v1/api", host, port),
		accountID: cfg.AccountID,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// Ensure IBKRClient implements Interface at compile time.
var _ Interface = (*IBKRClient)(nil)

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (ib *IBKRClient) WithHTTPClient(c *http.Client) *IBKRClient {
	if c != nil {
		ib.client = c
	}
	return ib
}

// WithBaseURL allows overriding the gateway URL (tests).
func (ib *IBKRClient) WithBaseURL(u string) *IBKRClient {
	if u != "" {
		ib.baseURL = strings.TrimRight(u, "/")
	}
	return ib
}

// AuthStatus checks the Client Portal session. The gateway reports
// authenticated=false when the web login has lapsed; there is no way to
// re-authenticate programmatically, so that state is surfaced as an error.
func (ib *IBKRClient) AuthStatus(ctx context.Context) error {
	var status struct {
		Authenticated bool `json:"authenticated"`
		Connected     bool `json:"connected"`
		Competing     bool `json:"competing"`
	}
	if err := ib.doGet(ctx, "/iserver/auth/status", nil, &status); err != nil {
		return fmt.Errorf("ibkr auth check: %w", err)
	}
	if !status.Authenticated {
		return fmt.Errorf("ibkr gateway session not authenticated; log in via Client Portal")
	}
	if status.Competing {
		ib.logger.Warn("ibkr session is competing with another login")
	}
	return nil
}

// ibkrTrade mirrors the subset of /iserver/account/{id}/trades we consume.
// The endpoint is loosely typed; numbers arrive as strings or floats
// depending on gateway version, hence json.Number throughout.
type ibkrTrade struct {
	ExecutionID  string      `json:"execution_id"`
	Symbol       string      `json:"symbol"`
	Side         string      `json:"side"`
	SecType      string      `json:"sec_type"`
	Size         json.Number `json:"size"`
	Price        json.Number `json:"price"`
	Commission   json.Number `json:"commission"`
	NetAmount    json.Number `json:"net_amount"`
	TradeTimeR   int64       `json:"trade_time_r"` // epoch millis
	Account      string      `json:"account"`
	OrderRef     string      `json:"order_ref"`
	ContractDesc string      `json:"contract_description_2"`
	OpenClose    string      `json:"open_close"`
}

// FetchExecutions pulls recent trades from the gateway. The endpoint caps
// history at seven days; the window is derived from since and clamped.
func (ib *IBKRClient) FetchExecutions(ctx context.Context, since time.Time) ([]models.RawExecution, error) {
	accountID, err := ib.ensureAccount(ctx)
	if err != nil {
		return nil, err
	}

	days := maxTradeLookbackDays
	if !since.IsZero() {
		d := int(math.Ceil(time.Since(since).Hours() / 24))
		if d < 1 {
			d = 1
		}
		if d < days {
			days = d
		}
	}

	params := url.Values{}
	params.Set("days", fmt.Sprintf("%d", days))

	var trades []ibkrTrade
	if err := ib.doGet(ctx, fmt.Sprintf("/iserver/account/%s/trades", accountID), params, &trades); err != nil {
		return nil, fmt.Errorf("ibkr fetch trades: %w", err)
	}

	raws := make([]models.RawExecution, 0, len(trades))
	for _, t := range trades {
		raw, err := ib.toRaw(t, accountID)
		if err != nil {
			ib.logger.WithFields(logrus.Fields{
				"execution_id": t.ExecutionID,
				"symbol":       t.Symbol,
			}).WithError(err).Warn("skipping undecodable ibkr trade")
			continue
		}
		if !since.IsZero() && raw.ExecutionTime.Before(since) {
			continue
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

// ensureAccount discovers the default account when none was configured.
func (ib *IBKRClient) ensureAccount(ctx context.Context) (string, error) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if ib.accountID != "" {
		return ib.accountID, nil
	}

	var accounts []struct {
		ID string `json:"id"`
	}
	if err := ib.doGet(ctx, "/portfolio/accounts", nil, &accounts); err != nil {
		return "", fmt.Errorf("ibkr discover accounts: %w", err)
	}
	if len(accounts) == 0 {
		return "", fmt.Errorf("ibkr: no accounts visible to this session")
	}
	ib.accountID = accounts[0].ID
	ib.logger.WithField("account_id", ib.accountID).Info("discovered ibkr account")
	return ib.accountID, nil
}

func (ib *IBKRClient) toRaw(t ibkrTrade, accountID string) (models.RawExecution, error) {
	var zero models.RawExecution

	qty, err := numberToDecimal(t.Size)
	if err != nil {
		return zero, fmt.Errorf("size: %w", err)
	}
	price, err := numberToDecimal(t.Price)
	if err != nil {
		return zero, fmt.Errorf("price: %w", err)
	}
	commission, _ := numberToDecimal(t.Commission)
	netAmount, _ := numberToDecimal(t.NetAmount)

	if t.Account != "" {
		accountID = t.Account
	}

	raw := models.RawExecution{
		ExecID:             t.ExecutionID,
		OrderID:            t.OrderRef,
		Underlying:         t.Symbol,
		SecurityType:       t.SecType,
		Side:               t.Side,
		Quantity:           qty,
		Price:              price,
		Commission:         commission,
		NetAmount:          netAmount,
		ExecutionTime:      time.UnixMilli(t.TradeTimeR).UTC(),
		AccountID:          accountID,
		OpenCloseIndicator: t.OpenClose,
	}

	if strings.EqualFold(t.SecType, "OPT") {
		expiry, strike, right, err := parseContractDescription(t.ContractDesc)
		if err != nil {
			return zero, fmt.Errorf("contract description %q: %w", t.ContractDesc, err)
		}
		raw.Expiration = expiry
		raw.Strike = strike
		raw.OptionType = right
	}

	return raw, nil
}

// parseContractDescription extracts option terms from the gateway's
// human-readable contract description, e.g. "Mar28'24 470 Put".
func parseContractDescription(desc string) (time.Time, decimal.Decimal, string, error) {
	fields := strings.Fields(desc)
	if len(fields) < 3 {
		return time.Time{}, decimal.Decimal{}, "", fmt.Errorf("too few fields")
	}

	right := ""
	switch strings.ToUpper(fields[len(fields)-1]) {
	case "CALL", "C":
		right = "C"
	case "PUT", "P":
		right = "P"
	default:
		return time.Time{}, decimal.Decimal{}, "", fmt.Errorf("unknown right %q", fields[len(fields)-1])
	}

	strike, err := decimal.NewFromString(fields[len(fields)-2])
	if err != nil {
		return time.Time{}, decimal.Decimal{}, "", fmt.Errorf("strike: %w", err)
	}

	expiry, err := time.Parse("Jan2'06", fields[0])
	if err != nil {
		return time.Time{}, decimal.Decimal{}, "", fmt.Errorf("expiry: %w", err)
	}

	return expiry.UTC(), strike, right, nil
}

func numberToDecimal(n json.Number) (decimal.Decimal, error) {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(s)
}

func (ib *IBKRClient) doGet(ctx context.Context, path string, params url.Values, response interface{}) error {
	endpoint := ib.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "trading-journal/1.0 (+ibkr)")

	resp, err := ib.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			ib.logger.WithError(err).Debug("failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("GET %s -> failed to read error body", path)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("GET %s -> %s", path, string(body))}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}

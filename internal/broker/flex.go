package broker

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// flexBaseURL is the Flex Web Service endpoint. Statement generation is
// asynchronous: SendRequest returns a reference code, GetStatement polls
// until the report is ready.
const flexBaseURL = "https://gdcdyn.interactivebrokers.com/Universal/servlet"

// Flex Web Service error codes that mean "try again shortly".
const (
	flexCodeInProgress      = "1019"
	flexCodeTooManyRequests = "1018"
)

// FlexClient imports executions from an IBKR Flex Query, either through the
// Flex Web Service two-step flow or from a local statement XML file.
// Historical Flex statements fold commission into netCash; the importer
// passes the raw value through and leaves restoration to the normalizer.
type FlexClient struct {
	client       *http.Client
	token        string
	queryID      string
	localFile    string
	baseURL      string
	pollInterval time.Duration
	maxPolls     int
	logger       *logrus.Logger
}

// NewFlexClient creates a Flex Web Service importer.
func NewFlexClient(token, queryID string, logger *logrus.Logger) *FlexClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FlexClient{
		client:       &http.Client{Timeout: 30 * time.Second},
		token:        token,
		queryID:      queryID,
		baseURL:      flexBaseURL,
		pollInterval: 5 * time.Second,
		maxPolls:     12,
		logger:       logger,
	}
}

// NewFlexFileImporter creates an importer that reads a statement XML from
// disk instead of calling the Flex Web Service.
func NewFlexFileImporter(path string, logger *logrus.Logger) *FlexClient {
	f := NewFlexClient("", "", logger)
	f.localFile = path
	return f
}

// Ensure FlexClient implements Interface at compile time.
var _ Interface = (*FlexClient)(nil)

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (f *FlexClient) WithHTTPClient(c *http.Client) *FlexClient {
	if c != nil {
		f.client = c
	}
	return f
}

// WithBaseURL allows overriding the Flex Web Service URL (tests).
func (f *FlexClient) WithBaseURL(u string) *FlexClient {
	if u != "" {
		f.baseURL = strings.TrimRight(u, "/")
	}
	return f
}

// WithPolling adjusts the GetStatement poll cadence (tests).
func (f *FlexClient) WithPolling(interval time.Duration, maxPolls int) *FlexClient {
	if interval > 0 {
		f.pollInterval = interval
	}
	if maxPolls > 0 {
		f.maxPolls = maxPolls
	}
	return f
}

// AuthStatus verifies the importer is usable. A real Flex round-trip burns a
// statement generation, so this only checks that the file exists or that
// credentials are configured.
func (f *FlexClient) AuthStatus(_ context.Context) error {
	if f.localFile != "" {
		if _, err := os.Stat(f.localFile); err != nil {
			return fmt.Errorf("flex statement file: %w", err)
		}
		return nil
	}
	if f.token == "" || f.queryID == "" {
		return fmt.Errorf("flex token and query id are required")
	}
	return nil
}

// FetchExecutions downloads (or reads) a Flex statement and converts its
// trade confirms to raw executions.
func (f *FlexClient) FetchExecutions(ctx context.Context, since time.Time) ([]models.RawExecution, error) {
	data, err := f.statementXML(ctx)
	if err != nil {
		return nil, err
	}
	return f.parseStatement(data, since)
}

func (f *FlexClient) statementXML(ctx context.Context) ([]byte, error) {
	if f.localFile != "" {
		data, err := os.ReadFile(f.localFile) // #nosec G304 -- operator-supplied statement path
		if err != nil {
			return nil, fmt.Errorf("reading flex statement file: %w", err)
		}
		return data, nil
	}

	refCode, stmtURL, err := f.sendRequest(ctx)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= f.maxPolls; attempt++ {
		data, retryable, err := f.getStatement(ctx, stmtURL, refCode)
		if err == nil {
			return data, nil
		}
		if !retryable {
			return nil, err
		}
		f.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     f.maxPolls,
		}).Debug("flex statement not ready yet")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.pollInterval):
		}
	}
	return nil, fmt.Errorf("flex statement not ready after %d polls", f.maxPolls)
}

// flexAck is the SendRequest acknowledgement, also returned by GetStatement
// while generation is still in progress.
type flexAck struct {
	XMLName       xml.Name `xml:"FlexStatementResponse"`
	Status        string   `xml:"Status"`
	ReferenceCode string   `xml:"ReferenceCode"`
	URL           string   `xml:"Url"`
	ErrorCode     string   `xml:"ErrorCode"`
	ErrorMessage  string   `xml:"ErrorMessage"`
}

func (f *FlexClient) sendRequest(ctx context.Context) (refCode, stmtURL string, err error) {
	params := url.Values{}
	params.Set("t", f.token)
	params.Set("q", f.queryID)
	params.Set("v", "3")

	data, err := f.doGet(ctx, f.baseURL+"/FlexStatementService.SendRequest", params)
	if err != nil {
		return "", "", fmt.Errorf("flex send request: %w", err)
	}

	var ack flexAck
	if err := xml.Unmarshal(data, &ack); err != nil {
		return "", "", fmt.Errorf("flex send request: parse response: %w", err)
	}
	if ack.Status != "Success" {
		return "", "", fmt.Errorf("flex send request failed: code=%s %s", ack.ErrorCode, ack.ErrorMessage)
	}

	stmtURL = ack.URL
	if stmtURL == "" {
		stmtURL = f.baseURL + "/FlexStatementService.GetStatement"
	}
	return ack.ReferenceCode, stmtURL, nil
}

func (f *FlexClient) getStatement(ctx context.Context, stmtURL, refCode string) (data []byte, retryable bool, err error) {
	params := url.Values{}
	params.Set("t", f.token)
	params.Set("q", refCode)
	params.Set("v", "3")

	data, err = f.doGet(ctx, stmtURL, params)
	if err != nil {
		return nil, false, fmt.Errorf("flex get statement: %w", err)
	}

	// A ready statement is a FlexQueryResponse document; anything else is
	// the ack envelope reporting progress or an error.
	if bytes.Contains(data[:min(len(data), 512)], []byte("<FlexQueryResponse")) {
		return data, false, nil
	}

	var ack flexAck
	if err := xml.Unmarshal(data, &ack); err != nil {
		return nil, false, fmt.Errorf("flex get statement: unrecognized response: %w", err)
	}
	if ack.ErrorCode == flexCodeInProgress || ack.ErrorCode == flexCodeTooManyRequests {
		return nil, true, fmt.Errorf("flex statement pending: code=%s", ack.ErrorCode)
	}
	return nil, false, fmt.Errorf("flex get statement failed: code=%s %s", ack.ErrorCode, ack.ErrorMessage)
}

func (f *FlexClient) doGet(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Add("User-Agent", "trading-journal/1.0 (+flex)")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			f.logger.WithError(err).Debug("failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return nil, &APIError{Status: resp.StatusCode, Body: "failed to read error body"}
		}
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

// ============ Statement parsing ============

type flexQueryResponse struct {
	XMLName    xml.Name        `xml:"FlexQueryResponse"`
	Statements []flexStatement `xml:"FlexStatements>FlexStatement"`
}

type flexStatement struct {
	AccountID     string      `xml:"accountId,attr"`
	TradeConfirms []flexTrade `xml:"TradeConfirms>TradeConfirm"`
	Trades        []flexTrade `xml:"Trades>Trade"`
}

// flexTrade covers both the Trade Confirmation and Activity statement
// flavors; attribute names differ between the two, so related pairs are
// coalesced during conversion.
type flexTrade struct {
	AccountID     string `xml:"accountId,attr"`
	Symbol        string `xml:"symbol,attr"`
	Underlying    string `xml:"underlyingSymbol,attr"`
	AssetCategory string `xml:"assetCategory,attr"`
	PutCall       string `xml:"putCall,attr"`
	Strike        string `xml:"strike,attr"`
	Expiry        string `xml:"expiry,attr"`
	Multiplier    string `xml:"multiplier,attr"`
	BuySell       string `xml:"buySell,attr"`
	Quantity      string `xml:"quantity,attr"`
	Price         string `xml:"price,attr"`
	TradePrice    string `xml:"tradePrice,attr"`
	Commission    string `xml:"commission,attr"`
	IBCommission  string `xml:"ibCommission,attr"`
	NetCash       string `xml:"netCash,attr"`
	TradeID       string `xml:"tradeID,attr"`
	ExecID        string `xml:"execID,attr"`
	IBExecID      string `xml:"ibExecID,attr"`
	OrderID       string `xml:"orderID,attr"`
	IBOrderID     string `xml:"ibOrderID,attr"`
	DateTime      string `xml:"dateTime,attr"`
	Code          string `xml:"code,attr"`
	OpenClose     string `xml:"openCloseIndicator,attr"`
}

func (f *FlexClient) parseStatement(data []byte, since time.Time) ([]models.RawExecution, error) {
	var qr flexQueryResponse
	if err := xml.Unmarshal(data, &qr); err != nil {
		return nil, fmt.Errorf("parse flex statement: %w", err)
	}

	var raws []models.RawExecution
	for _, st := range qr.Statements {
		trades := make([]flexTrade, 0, len(st.TradeConfirms)+len(st.Trades))
		trades = append(trades, st.TradeConfirms...)
		trades = append(trades, st.Trades...)

		for _, tc := range trades {
			raw, err := tc.toRaw(st.AccountID)
			if err != nil {
				f.logger.WithFields(logrus.Fields{
					"exec_id": raw.ExecID,
					"symbol":  tc.Symbol,
				}).WithError(err).Warn("skipping undecodable flex trade")
				continue
			}
			if !since.IsZero() && raw.ExecutionTime.Before(since) {
				continue
			}
			raws = append(raws, raw)
		}
	}
	return raws, nil
}

func (tc flexTrade) toRaw(stmtAccountID string) (models.RawExecution, error) {
	accountID := firstNonEmpty(tc.AccountID, stmtAccountID)
	execID := firstNonEmpty(tc.ExecID, tc.IBExecID, tc.TradeID)
	orderID := firstNonEmpty(tc.OrderID, tc.IBOrderID)
	underlying := firstNonEmpty(tc.Underlying, tc.Symbol)

	qty, err := parseFlexDecimal(tc.Quantity)
	if err != nil {
		return models.RawExecution{ExecID: execID}, fmt.Errorf("quantity: %w", err)
	}
	price, err := parseFlexDecimal(firstNonEmpty(tc.Price, tc.TradePrice))
	if err != nil {
		return models.RawExecution{ExecID: execID}, fmt.Errorf("price: %w", err)
	}
	commission, _ := parseFlexDecimal(firstNonEmpty(tc.Commission, tc.IBCommission))
	netCash, _ := parseFlexDecimal(tc.NetCash)
	multiplier, _ := parseFlexDecimal(tc.Multiplier)
	strike, _ := parseFlexDecimal(tc.Strike)

	execTime, err := parseFlexDateTime(tc.DateTime)
	if err != nil {
		return models.RawExecution{ExecID: execID}, fmt.Errorf("dateTime %q: %w", tc.DateTime, err)
	}

	var expiry time.Time
	if tc.Expiry != "" {
		expiry, err = time.Parse("20060102", tc.Expiry)
		if err != nil {
			return models.RawExecution{ExecID: execID}, fmt.Errorf("expiry %q: %w", tc.Expiry, err)
		}
	}

	return models.RawExecution{
		ExecID:             execID,
		OrderID:            orderID,
		Underlying:         underlying,
		SecurityType:       tc.AssetCategory,
		OptionType:         tc.PutCall,
		Strike:             strike,
		Expiration:         expiry,
		Multiplier:         multiplier,
		Side:               tc.BuySell,
		Quantity:           qty,
		Price:              price,
		Commission:         commission,
		NetAmount:          netCash,
		ExecutionTime:      execTime,
		AccountID:          accountID,
		OpenCloseIndicator: firstNonEmpty(tc.OpenClose, openCloseFromCode(tc.Code)),
	}, nil
}

// openCloseFromCode scans a Flex code list ("O", "C;P", "A;C") for the
// opening/closing markers. Other codes (assignment, expiration, partial) are
// irrelevant here.
func openCloseFromCode(code string) string {
	for _, c := range strings.Split(code, ";") {
		switch strings.TrimSpace(c) {
		case "O":
			return "O"
		case "C":
			return "C"
		}
	}
	return ""
}

func parseFlexDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(s)
}

// parseFlexDateTime handles the statement formats IBKR emits depending on
// the query's date settings. Flex statements carry no zone marker; values
// are taken as UTC and any offset correction is left to the operator's
// query configuration.
func parseFlexDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing")
	}
	for _, layout := range []string{"20060102;150405", "20060102,150405", "20060102 150405", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized format")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

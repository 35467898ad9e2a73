package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const flexConfirmXML = `<FlexQueryResponse queryName="journal" type="TCF">
  <FlexStatements count="1">
    <FlexStatement accountId="U1234567" fromDate="20240301" toDate="20240331">
      <TradeConfirms>
        <TradeConfirm accountId="U1234567" symbol="SPY   240328P00470000" underlyingSymbol="SPY"
          assetCategory="OPT" putCall="P" strike="470" expiry="20240328" multiplier="100"
          buySell="SELL" quantity="-1" price="2.50" commission="-1.05" netCash="248.95"
          execID="ex-opt-1" orderID="ord-77" dateTime="20240310;093005" code="O" />
        <TradeConfirm accountId="U1234567" symbol="SPY" assetCategory="STK"
          buySell="BUY" quantity="100" price="450.25" commission="-1.00" netCash="-45026.00"
          execID="ex-stk-1" orderID="ord-78" dateTime="20240311;101500" code="O" />
      </TradeConfirms>
    </FlexStatement>
  </FlexStatements>
</FlexQueryResponse>`

const flexActivityXML = `<FlexQueryResponse queryName="journal" type="AF">
  <FlexStatements count="1">
    <FlexStatement accountId="U1234567" fromDate="20240301" toDate="20240331">
      <Trades>
        <Trade accountId="U1234567" symbol="SPY" assetCategory="STK"
          buySell="SELL" quantity="-100" tradePrice="455.00" ibCommission="-1.00" netCash="45499.00"
          ibExecID="ex-stk-2" ibOrderID="ord-79" dateTime="20240312;143000" openCloseIndicator="C" />
      </Trades>
    </FlexStatement>
  </FlexStatements>
</FlexQueryResponse>`

func writeFlexFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "statement.xml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing statement: %v", err)
	}
	return path
}

func TestFlexFileImporter_TradeConfirms(t *testing.T) {
	imp := NewFlexFileImporter(writeFlexFile(t, flexConfirmXML), nil)

	if err := imp.AuthStatus(context.Background()); err != nil {
		t.Fatalf("AuthStatus: %v", err)
	}

	fills, err := imp.FetchExecutions(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("FetchExecutions: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("got %d fills, want 2", len(fills))
	}

	opt := fills[0]
	if opt.ExecID != "ex-opt-1" || opt.OrderID != "ord-77" {
		t.Errorf("ids = %s/%s", opt.ExecID, opt.OrderID)
	}
	if opt.Underlying != "SPY" {
		t.Errorf("underlying = %q, want SPY from underlyingSymbol", opt.Underlying)
	}
	if opt.OptionType != "P" || !opt.Strike.Equal(mustDecimal(t, "470")) {
		t.Errorf("option terms = %s %s", opt.OptionType, opt.Strike)
	}
	if got := opt.Expiration.Format("2006-01-02"); got != "2024-03-28" {
		t.Errorf("expiry = %s", got)
	}
	if got := opt.ExecutionTime.Format(time.RFC3339); got != "2024-03-10T09:30:05Z" {
		t.Errorf("execution time = %s", got)
	}
	// Commission-folded netCash passes through untouched; the normalizer
	// detects and restores it.
	if !opt.NetAmount.Equal(mustDecimal(t, "248.95")) {
		t.Errorf("net amount = %s, want raw 248.95", opt.NetAmount)
	}
	if opt.OpenCloseIndicator != "O" {
		t.Errorf("indicator = %q, want O from code attr", opt.OpenCloseIndicator)
	}

	stk := fills[1]
	if stk.SecurityType != "STK" || stk.Side != "BUY" {
		t.Errorf("stock fill = %s/%s", stk.SecurityType, stk.Side)
	}
}

func TestFlexFileImporter_ActivityTrades(t *testing.T) {
	imp := NewFlexFileImporter(writeFlexFile(t, flexActivityXML), nil)

	fills, err := imp.FetchExecutions(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("FetchExecutions: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(fills))
	}

	f := fills[0]
	if f.ExecID != "ex-stk-2" || f.OrderID != "ord-79" {
		t.Errorf("activity ids = %s/%s, want ibExecID/ibOrderID", f.ExecID, f.OrderID)
	}
	if !f.Price.Equal(mustDecimal(t, "455.00")) {
		t.Errorf("price = %s, want tradePrice 455.00", f.Price)
	}
	if f.OpenCloseIndicator != "C" {
		t.Errorf("indicator = %q, want C", f.OpenCloseIndicator)
	}
}

func TestFlexFileImporter_SinceFilter(t *testing.T) {
	imp := NewFlexFileImporter(writeFlexFile(t, flexConfirmXML), nil)

	since := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	fills, err := imp.FetchExecutions(context.Background(), since)
	if err != nil {
		t.Fatalf("FetchExecutions: %v", err)
	}
	if len(fills) != 1 || fills[0].ExecID != "ex-stk-1" {
		t.Fatalf("since filter kept %v", fills)
	}
}

func TestFlexClient_WebServiceFlow(t *testing.T) {
	var statementCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/FlexStatementService.SendRequest", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("t"); got != "tok" {
			t.Errorf("token = %q", got)
		}
		if got := r.URL.Query().Get("q"); got != "q123" {
			t.Errorf("query id = %q", got)
		}
		fmt.Fprint(w, `<FlexStatementResponse timestamp="x">
  <Status>Success</Status>
  <ReferenceCode>ref-1</ReferenceCode>
</FlexStatementResponse>`)
	})
	mux.HandleFunc("/FlexStatementService.GetStatement", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "ref-1" {
			t.Errorf("reference code = %q", got)
		}
		// First poll reports in-progress, second returns the statement.
		if statementCalls.Add(1) == 1 {
			fmt.Fprint(w, `<FlexStatementResponse>
  <Status>Warn</Status>
  <ErrorCode>1019</ErrorCode>
  <ErrorMessage>Statement generation in progress</ErrorMessage>
</FlexStatementResponse>`)
			return
		}
		fmt.Fprint(w, flexConfirmXML)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	flex := NewFlexClient("tok", "q123", nil).
		WithBaseURL(srv.URL).
		WithHTTPClient(srv.Client()).
		WithPolling(time.Millisecond, 5)

	fills, err := flex.FetchExecutions(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("FetchExecutions: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("got %d fills, want 2", len(fills))
	}
	if statementCalls.Load() != 2 {
		t.Errorf("statement polled %d times, want 2", statementCalls.Load())
	}
}

func TestFlexClient_SendRequestFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<FlexStatementResponse>
  <Status>Fail</Status>
  <ErrorCode>1012</ErrorCode>
  <ErrorMessage>Token has expired</ErrorMessage>
</FlexStatementResponse>`)
	}))
	t.Cleanup(srv.Close)

	flex := NewFlexClient("tok", "q123", nil).WithBaseURL(srv.URL).WithHTTPClient(srv.Client())
	_, err := flex.FetchExecutions(context.Background(), time.Time{})
	if err == nil {
		t.Fatal("expected error for failed SendRequest")
	}
}

func TestFlexClient_AuthStatus(t *testing.T) {
	if err := NewFlexClient("", "", nil).AuthStatus(context.Background()); err == nil {
		t.Error("expected error for missing credentials")
	}
	if err := NewFlexClient("tok", "q1", nil).AuthStatus(context.Background()); err != nil {
		t.Errorf("expected configured client to pass, got %v", err)
	}
	if err := NewFlexFileImporter("/nonexistent/statement.xml", nil).AuthStatus(context.Background()); err == nil {
		t.Error("expected error for missing statement file")
	}
}

func TestOpenCloseFromCode(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"O", "O"},
		{"C", "C"},
		{"A;C", "C"},
		{"O;P", "O"},
		{"Ep", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := openCloseFromCode(tt.code); got != tt.want {
			t.Errorf("openCloseFromCode(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

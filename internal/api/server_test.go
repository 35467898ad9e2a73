package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tommyk15/trading-journal/internal/broker"
	"github.com/Tommyk15/trading-journal/internal/journal"
	"github.com/Tommyk15/trading-journal/internal/models"
	"github.com/Tommyk15/trading-journal/internal/splits"
	"github.com/Tommyk15/trading-journal/internal/storage"
)

var testTime = time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newCore(store storage.Interface) *journal.Core {
	return journal.NewCore(store, splits.NewCalendar(), nil, quietLog())
}

func startServer(t *testing.T, token string, core *journal.Core, store storage.Interface) *httptest.Server {
	t.Helper()
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0", AuthToken: token}, core, store, quietLog())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(context.Background())
	})
	return ts
}

func doJSON(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func stockFill(id, side, qty, price string, at time.Time) models.RawExecution {
	return models.RawExecution{
		ExecID:        id,
		OrderID:       "o-" + id,
		Underlying:    "SPY",
		SecurityType:  "STK",
		Side:          side,
		Quantity:      dec(qty),
		Price:         dec(price),
		Commission:    dec("1.00"),
		ExecutionTime: at,
		AccountID:     "U1234567",
	}
}

func optionFill(id, side, right, strike string, exp time.Time, price string, at time.Time) models.RawExecution {
	return models.RawExecution{
		ExecID:        id,
		OrderID:       "o-" + id,
		Underlying:    "SPY",
		SecurityType:  "OPT",
		OptionType:    right,
		Strike:        dec(strike),
		Expiration:    exp,
		Side:          side,
		Quantity:      dec("1"),
		Price:         dec(price),
		Commission:    dec("0.65"),
		ExecutionTime: at,
		AccountID:     "U1234567",
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	store := storage.NewMockStorage()
	ts := startServer(t, "secret", newCore(store), store)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthMiddleware(t *testing.T) {
	store := storage.NewMockStorage()
	ts := startServer(t, "secret", newCore(store), store)

	t.Run("missing token", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/trades")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong token", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/trades", "nope", "")
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bearer token", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/trades", "secret", "")
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("query token fallback", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/trades?token=secret")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestListTradesFilters(t *testing.T) {
	store := storage.NewMockStorage()
	closedAt := testTime.Add(48 * time.Hour)
	store.PutTrade(&models.Trade{
		ID: "t-open", Underlying: "SPY", Status: models.TradeOpen,
		StrategyType: models.StrategyStrangle, OpenedAt: testTime,
	})
	store.PutTrade(&models.Trade{
		ID: "t-closed", Underlying: "NVDA", Status: models.TradeClosed,
		StrategyType: models.StrategyStock, OpenedAt: testTime, ClosedAt: &closedAt,
	})
	ts := startServer(t, "", newCore(store), store)

	t.Run("all", func(t *testing.T) {
		var trades []*models.Trade
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/trades", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decodeBody(t, resp, &trades)
		assert.Len(t, trades, 2)
	})

	t.Run("by status lowercase", func(t *testing.T) {
		var trades []*models.Trade
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/trades?status=open", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decodeBody(t, resp, &trades)
		require.Len(t, trades, 1)
		assert.Equal(t, "t-open", trades[0].ID)
	})

	t.Run("by underlying", func(t *testing.T) {
		var trades []*models.Trade
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/trades?underlying=nvda", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decodeBody(t, resp, &trades)
		require.Len(t, trades, 1)
		assert.Equal(t, "t-closed", trades[0].ID)
	})

	t.Run("bad status", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/trades?status=limbo", "", "")
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad limit", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/trades?limit=-3", "", "")
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetTradeAndChain(t *testing.T) {
	store := storage.NewMockStorage()
	closedAt := testTime.Add(time.Hour)
	store.PutTrade(&models.Trade{
		ID: "t-head", Underlying: "SPY", Status: models.TradeClosed,
		OpenedAt: testTime, ClosedAt: &closedAt,
		RollChainID: "chain-1", RolledToTradeID: "t-tail",
	})
	store.PutTrade(&models.Trade{
		ID: "t-tail", Underlying: "SPY", Status: models.TradeOpen,
		OpenedAt: testTime.Add(2 * time.Hour),
		RollChainID: "chain-1", RolledFromTradeID: "t-head", IsRoll: true,
	})
	store.PutTrade(&models.Trade{
		ID: "t-solo", Underlying: "NVDA", Status: models.TradeOpen, OpenedAt: testTime,
	})
	ts := startServer(t, "", newCore(store), store)

	t.Run("detail", func(t *testing.T) {
		var trade models.Trade
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/trades/t-head", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decodeBody(t, resp, &trade)
		assert.Equal(t, "t-head", trade.ID)
		assert.Equal(t, "t-tail", trade.RolledToTradeID)
	})

	t.Run("unknown id", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/trades/nope", "", "")
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("chain ordered", func(t *testing.T) {
		var chain []*models.Trade
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/trades/t-tail/chain", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decodeBody(t, resp, &chain)
		require.Len(t, chain, 2)
		assert.Equal(t, "t-head", chain[0].ID)
		assert.Equal(t, "t-tail", chain[1].ID)
	})

	t.Run("unlinked trade is its own chain", func(t *testing.T) {
		var chain []*models.Trade
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/trades/t-solo/chain", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decodeBody(t, resp, &chain)
		require.Len(t, chain, 1)
		assert.Equal(t, "t-solo", chain[0].ID)
	})
}

func TestTagEndpoints(t *testing.T) {
	store := storage.NewMockStorage()
	store.PutTrade(&models.Trade{
		ID: "t-1", Underlying: "SPY", Status: models.TradeOpen, OpenedAt: testTime,
	})
	ts := startServer(t, "", newCore(store), store)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/trades/t-1/tags", "", `{"tag":"earnings"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var tagged []*models.Trade
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/trades?tag=earnings", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &tagged)
	require.Len(t, tagged, 1)
	assert.Equal(t, []string{"earnings"}, tagged[0].Tags)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/trades/t-1/tags/earnings", "", "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/trades?tag=earnings", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &tagged)
	assert.Empty(t, tagged)

	t.Run("empty tag rejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, ts.URL+"/api/trades/t-1/tags", "", `{"tag":"  "}`)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown trade", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, ts.URL+"/api/trades/nope/tags", "", `{"tag":"x"}`)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestPositionsEndpoint(t *testing.T) {
	store := storage.NewMockStorage()
	core := newCore(store)
	_, err := core.ProcessExecutions(context.Background(), []models.RawExecution{
		stockFill("p-1", "BOT", "100", "470", testTime),
	})
	require.NoError(t, err)
	ts := startServer(t, "", core, store)

	var entries []models.LedgerEntry
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/positions?status=open", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, models.StockLegKey, entries[0].LegKey)
	assert.True(t, entries[0].Quantity.Equal(dec("100")))

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/positions?status=closed", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &entries)
	assert.Empty(t, entries)

	t.Run("bad status", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/positions?status=limbo", "", "")
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStatsEndpoint(t *testing.T) {
	store := storage.NewMockStorage()
	closedAt := testTime.Add(time.Hour)
	store.PutTrade(&models.Trade{
		ID: "t-1", Underlying: "SPY", Status: models.TradeClosed,
		OpenedAt: testTime, ClosedAt: &closedAt,
		RealizedPnL: dec("1000"), TotalCommission: dec("2.00"),
	})
	ts := startServer(t, "", newCore(store), store)

	var summary journal.Summary
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/stats", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &summary)
	assert.Equal(t, 1, summary.TotalTrades)
	assert.Equal(t, 1, summary.Wins)
	assert.True(t, summary.RealizedPnL.Equal(dec("1000")))
}

func TestIntegrityEndpoint(t *testing.T) {
	store := storage.NewMockStorage()
	ts := startServer(t, "", newCore(store), store)

	var report journal.IntegrityReport
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/integrity", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &report)
	assert.Empty(t, report.Findings)
	assert.Equal(t, 0, report.Stats.Fetched)
}

func TestSyncEndpoint(t *testing.T) {
	t.Run("no broker", func(t *testing.T) {
		store := storage.NewMockStorage()
		ts := startServer(t, "", newCore(store), store)

		var body map[string]string
		resp := doJSON(t, http.MethodPost, ts.URL+"/api/sync", "", "")
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		decodeBody(t, resp, &body)
		assert.Contains(t, body["error"], "no broker")
	})

	t.Run("mock broker", func(t *testing.T) {
		store := storage.NewMockStorage()
		mock := broker.NewMockBroker([]models.RawExecution{
			stockFill("s-1", "BOT", "100", "470", testTime),
			stockFill("s-2", "SLD", "100", "480", testTime.Add(time.Hour)),
		})
		core := newCore(store).WithBroker(mock)
		ts := startServer(t, "", core, store)

		var stats models.SyncStats
		resp := doJSON(t, http.MethodPost, ts.URL+"/api/sync", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decodeBody(t, resp, &stats)
		assert.Equal(t, 2, stats.Fetched)
		assert.Equal(t, 2, stats.New)
	})
}

func TestReprocessEndpoint(t *testing.T) {
	store := storage.NewMockStorage()
	core := newCore(store)
	_, err := core.ProcessExecutions(context.Background(), []models.RawExecution{
		stockFill("r-1", "BOT", "100", "470", testTime),
	})
	require.NoError(t, err)
	ts := startServer(t, "", core, store)

	var stats models.SyncStats
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/reprocess", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &stats)
	assert.Contains(t, stats.Message, "reprocessed 1 underlying")
}

func TestDetectRollsEndpoint(t *testing.T) {
	store := storage.NewMockStorage()
	core := newCore(store)
	exp1 := time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)
	exp2 := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	closeAt := testTime.Add(48 * time.Hour)
	_, err := core.ProcessExecutions(context.Background(), []models.RawExecution{
		optionFill("rl-1", "SLD", "P", "470", exp1, "5.00", testTime),
		optionFill("rl-2", "BOT", "P", "470", exp1, "2.00", closeAt),
		optionFill("rl-3", "SLD", "P", "450", exp2, "4.80", closeAt.Add(5*time.Minute)),
	})
	require.NoError(t, err)
	ts := startServer(t, "", core, store)

	var stats models.SyncStats
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/rolls/detect", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &stats)
	assert.Equal(t, 1, stats.New)
}

func TestSplitEndpoints(t *testing.T) {
	store := storage.NewMockStorage()
	ts := startServer(t, "", newCore(store), store)

	payload := `{"symbol":"NVDA","split_date":"2025-06-01T00:00:00Z","ratio_from":"4","ratio_to":"1"}`

	var created models.StockSplit
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/splits", "", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decodeBody(t, resp, &created)
	assert.Equal(t, "NVDA", created.Symbol)
	assert.NotZero(t, created.ID)

	t.Run("duplicate rejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, ts.URL+"/api/splits", "", payload)
		resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("bad ratio rejected", func(t *testing.T) {
		bad := `{"symbol":"NVDA","split_date":"2025-07-01T00:00:00Z","ratio_from":"0","ratio_to":"1"}`
		resp := doJSON(t, http.MethodPost, ts.URL+"/api/splits", "", bad)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	var stored []models.StockSplit
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/splits", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &stored)
	assert.Len(t, stored, 1)
}

func TestEventsStream(t *testing.T) {
	store := storage.NewMockStorage()
	core := newCore(store)
	ts := startServer(t, "", core, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription is live once the headers arrive, so this event must
	// land on the open stream.
	_, err = core.ProcessExecutions(context.Background(), []models.RawExecution{
		stockFill("e-1", "BOT", "100", "470", testTime),
	})
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for dataLine == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
	}

	assert.Equal(t, string(models.EventTradeCreated), eventLine)
	var ev models.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.Equal(t, models.EventTradeCreated, ev.Type)
	assert.Equal(t, "SPY", ev.Underlying)
}

package marketdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestMassive(t *testing.T, handler http.HandlerFunc) (*MassiveClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewMassiveClient("test-key", testLogger()).
		WithBaseURL(server.URL).
		WithHTTPClient(server.Client())
	return client, server
}

func TestMassiveClient_LastClose(t *testing.T) {
	var gotPath, gotAuth, gotKey string
	client, _ := newTestMassive(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.URL.Query().Get("apiKey")
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{
			"status": "OK",
			"results": [{"c": 471.23456, "t": 1711046400000}]
		}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	})

	quote, err := client.LastClose(context.Background(), "spy")
	if err != nil {
		t.Fatalf("LastClose returned error: %v", err)
	}

	if gotPath != "/v2/aggs/ticker/SPY/prev" {
		t.Errorf("path = %q, want /v2/aggs/ticker/SPY/prev", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want Bearer test-key", gotAuth)
	}
	if gotKey != "test-key" {
		t.Errorf("apiKey param = %q, want test-key", gotKey)
	}
	if quote.Symbol != "SPY" {
		t.Errorf("Symbol = %q, want SPY", quote.Symbol)
	}
	if want := decimal.RequireFromString("471.2346"); !quote.Close.Equal(want) {
		t.Errorf("Close = %s, want %s", quote.Close, want)
	}
	if want := time.UnixMilli(1711046400000).UTC(); !quote.AsOf.Equal(want) {
		t.Errorf("AsOf = %s, want %s", quote.AsOf, want)
	}
	if quote.Stale {
		t.Error("fresh quote marked stale")
	}
}

func TestMassiveClient_LastClose_NoResults(t *testing.T) {
	client, _ := newTestMassive(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"status": "NOT_FOUND", "results": []}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	})

	_, err := client.LastClose(context.Background(), "NOPE")
	if err == nil {
		t.Fatal("expected error for empty results")
	}
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.Provider != "massive" {
		t.Errorf("Provider = %q, want massive", provErr.Provider)
	}
}

func TestMassiveClient_LastClose_APIError(t *testing.T) {
	client, _ := newTestMassive(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		if _, err := w.Write([]byte(`{"error": "key expired"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	})

	_, err := client.LastClose(context.Background(), "SPY")
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", apiErr.Status)
	}
}

func TestMassiveClient_OptionGreeks(t *testing.T) {
	var gotPath string
	client, _ := newTestMassive(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{
			"status": "OK",
			"results": {
				"greeks": {"delta": -0.312345678, "gamma": 0.0123, "theta": -0.0456, "vega": 0.0789},
				"implied_volatility": 0.182345678,
				"day": {"last_updated": 1711046400000000000}
			}
		}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	})

	expiry := time.Date(2024, 3, 28, 0, 0, 0, 0, time.UTC)
	snap, err := client.OptionGreeks(context.Background(), "SPY", models.OptionPut,
		decimal.RequireFromString("470"), expiry)
	if err != nil {
		t.Fatalf("OptionGreeks returned error: %v", err)
	}

	if want := "/v3/snapshot/options/SPY/O:SPY240328P00470000"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if snap.Contract != "O:SPY240328P00470000" {
		t.Errorf("Contract = %q", snap.Contract)
	}
	if want := decimal.RequireFromString("-0.312346"); !snap.Delta.Equal(want) {
		t.Errorf("Delta = %s, want %s", snap.Delta, want)
	}
	if want := decimal.RequireFromString("0.182346"); !snap.IV.Equal(want) {
		t.Errorf("IV = %s, want %s", snap.IV, want)
	}
	if want := time.Unix(0, 1711046400000000000).UTC(); !snap.AsOf.Equal(want) {
		t.Errorf("AsOf = %s, want %s", snap.AsOf, want)
	}
}

func TestOCCSymbol(t *testing.T) {
	tests := []struct {
		name       string
		underlying string
		expiry     time.Time
		optType    models.OptionType
		strike     string
		want       string
	}{
		{
			name:       "spy put",
			underlying: "SPY",
			expiry:     time.Date(2024, 3, 28, 0, 0, 0, 0, time.UTC),
			optType:    models.OptionPut,
			strike:     "470",
			want:       "O:SPY240328P00470000",
		},
		{
			name:       "lowercase call with fractional strike",
			underlying: "xsp",
			expiry:     time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC),
			optType:    models.OptionCall,
			strike:     "472.5",
			want:       "O:XSP250117C00472500",
		},
		{
			name:       "high strike pads to eight digits",
			underlying: "NDX",
			expiry:     time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC),
			optType:    models.OptionCall,
			strike:     "18250",
			want:       "O:NDX240621C18250000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := occSymbol(tt.underlying, tt.expiry, tt.optType, decimal.RequireFromString(tt.strike))
			if got != tt.want {
				t.Errorf("occSymbol() = %q, want %q", got, tt.want)
			}
		})
	}
}

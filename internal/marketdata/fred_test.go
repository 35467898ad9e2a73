package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestFRED(t *testing.T, handler http.HandlerFunc) *FREDClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewFREDClient("fred-key", testLogger()).
		WithBaseURL(server.URL).
		WithHTTPClient(server.Client())
}

func TestFREDClient_RiskFreeRate(t *testing.T) {
	var calls atomic.Int32
	client := newTestFRED(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/series/observations" {
			t.Errorf("path = %q, want /series/observations", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("series_id") != "DGS3MO" {
			t.Errorf("series_id = %q, want DGS3MO", q.Get("series_id"))
		}
		if q.Get("api_key") != "fred-key" {
			t.Errorf("api_key = %q, want fred-key", q.Get("api_key"))
		}
		if q.Get("file_type") != "json" || q.Get("sort_order") != "desc" {
			t.Errorf("unexpected query params: %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{
			"observations": [
				{"date": "2024-03-22", "value": "."},
				{"date": "2024-03-21", "value": "5.25"}
			]
		}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	})

	rate, err := client.RiskFreeRate(context.Background())
	if err != nil {
		t.Fatalf("RiskFreeRate returned error: %v", err)
	}
	if want := decimal.RequireFromString("0.0525"); !rate.Equal(want) {
		t.Errorf("rate = %s, want %s", rate, want)
	}

	// Second call inside the TTL should not hit the API again.
	if _, err := client.RiskFreeRate(context.Background()); err != nil {
		t.Fatalf("cached RiskFreeRate returned error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("API calls = %d, want 1 (second read served from cache)", got)
	}
}

func TestFREDClient_RiskFreeRate_FallbackWithoutCache(t *testing.T) {
	client := newTestFRED(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	rate, err := client.RiskFreeRate(context.Background())
	if err == nil {
		t.Fatal("expected degraded error when FRED is unreachable")
	}
	if want := decimal.RequireFromString("0.04"); !rate.Equal(want) {
		t.Errorf("fallback rate = %s, want %s", rate, want)
	}
}

func TestFREDClient_RiskFreeRate_ServesCacheOnFailure(t *testing.T) {
	var fail atomic.Bool
	client := newTestFRED(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"observations": [{"date": "2024-03-21", "value": "4.80"}]}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	})

	rate, err := client.RiskFreeRate(context.Background())
	if err != nil {
		t.Fatalf("first RiskFreeRate returned error: %v", err)
	}
	if want := decimal.RequireFromString("0.048"); !rate.Equal(want) {
		t.Fatalf("rate = %s, want %s", rate, want)
	}

	// Expire the cache and break the API. The stale value should still come
	// back, flagged with an error.
	client.mu.Lock()
	client.cachedAt = client.cachedAt.Add(-2 * fredCacheTTL)
	client.mu.Unlock()
	fail.Store(true)

	rate, err = client.RiskFreeRate(context.Background())
	if err == nil {
		t.Fatal("expected degraded error after cache expiry with API down")
	}
	if want := decimal.RequireFromString("0.048"); !rate.Equal(want) {
		t.Errorf("stale rate = %s, want %s", rate, want)
	}
}

func TestFREDClient_RiskFreeRate_NoUsableObservations(t *testing.T) {
	client := newTestFRED(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"observations": [{"date": "2024-03-22", "value": "."}]}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	})

	rate, err := client.RiskFreeRate(context.Background())
	if err == nil {
		t.Fatal("expected error when every observation is missing")
	}
	if want := decimal.RequireFromString("0.04"); !rate.Equal(want) {
		t.Errorf("fallback rate = %s, want %s", rate, want)
	}
}

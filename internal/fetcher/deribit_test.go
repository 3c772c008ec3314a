package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func fixedNow() time.Time {
	return time.Unix(1_700_000_000, 0)
}

func TestIndexName(t *testing.T) {
	if got := IndexName(" BTC "); got != "btc_usd" {
		t.Fatalf("IndexName = %q, want btc_usd", got)
	}
}

func TestFetchIndexPriceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get_index_price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("index_name"); got != "eth_usd" {
			t.Errorf("index_name = %q, want eth_usd", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":{"index_price":3456.78,"estimated_delivery_price":3456.78},"usIn":1712345678000000,"usOut":1712345678901234}`))
	}))
	defer srv.Close()

	d := NewDeribit(DeribitOptions{BaseURL: srv.URL, Timeout: time.Second, Now: fixedNow}, noopLogger())
	obs, err := d.FetchIndexPrice(context.Background(), "eth")
	if err != nil {
		t.Fatalf("successful response must not fail: %v", err)
	}
	if obs.Ticker != "ETH" {
		t.Fatalf("ticker = %q, want ETH", obs.Ticker)
	}
	if !obs.Price.Equal(decimal.RequireFromString("3456.78")) {
		t.Fatalf("price = %s", obs.Price)
	}
	if obs.Timestamp != 1712345678 {
		t.Fatalf("timestamp should come from usOut, got %d", obs.Timestamp)
	}
}

func TestFetchIndexPriceFallsBackToClock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"index_price":"65000.5"}}`))
	}))
	defer srv.Close()

	d := NewDeribit(DeribitOptions{BaseURL: srv.URL, Timeout: time.Second, Now: fixedNow}, noopLogger())
	obs, err := d.FetchIndexPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.Timestamp != fixedNow().Unix() {
		t.Fatalf("timestamp = %d, want clock value", obs.Timestamp)
	}
}

func TestFetchIndexPriceFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"http error", http.StatusBadRequest, `{"error":{"code":10001,"message":"invalid index"}}`, ErrSourceUnavailable},
		{"server error", http.StatusBadGateway, ``, ErrSourceUnavailable},
		{"rpc error", http.StatusOK, `{"error":{"code":13009,"message":"too many requests"}}`, ErrSourceUnavailable},
		{"not json", http.StatusOK, `<html>`, ErrMalformedResponse},
		{"missing price", http.StatusOK, `{"result":{}}`, ErrMalformedResponse},
		{"missing result", http.StatusOK, `{"jsonrpc":"2.0"}`, ErrMalformedResponse},
		{"negative price", http.StatusOK, `{"result":{"index_price":-1}}`, ErrMalformedResponse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			d := NewDeribit(DeribitOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
			_, err := d.FetchIndexPrice(context.Background(), "BTC")
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFetchIndexPriceTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := NewDeribit(DeribitOptions{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, noopLogger())
	_, err := d.FetchIndexPrice(context.Background(), "BTC")
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("timeout should map to ErrSourceUnavailable, got %v", err)
	}
	if !IsTimeout(err) {
		t.Fatalf("IsTimeout should recognise %v", err)
	}
}

func TestFetchManyIsolatesFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Query().Get("index_name") {
		case "btc_usd":
			_, _ = w.Write([]byte(`{"result":{"index_price":64000}}`))
		case "sol_usd":
			_, _ = w.Write([]byte(`{"result":{"index_price":150.25}}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	var observed atomic.Int32
	d := NewDeribit(DeribitOptions{
		BaseURL:     srv.URL,
		Timeout:     time.Second,
		Concurrency: 2,
		Observe:     func(string, time.Duration, error) { observed.Add(1) },
	}, noopLogger())

	results := d.FetchMany(context.Background(), []string{"BTC", "ETH", "SOL"})
	if len(results) != 3 {
		t.Fatalf("expected a result per currency, got %d", len(results))
	}
	if !results["BTC"].OK() || !results["SOL"].OK() {
		t.Fatalf("BTC and SOL should succeed: %+v", results)
	}
	if results["ETH"].OK() {
		t.Fatal("ETH should fail")
	}
	if calls.Load() != 3 || observed.Load() != 3 {
		t.Fatalf("calls=%d observed=%d, want 3", calls.Load(), observed.Load())
	}
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deribit-tracker/internal/cache"
	"deribit-tracker/internal/config"
	"deribit-tracker/internal/metrics"
	"deribit-tracker/internal/storage"
)

var fixedNow = time.Date(2024, 5, 10, 15, 30, 0, 0, time.UTC)

type fixture struct {
	store   *storage.MemoryStore
	metrics *metrics.Metrics
	handler http.Handler
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(), metrics: metrics.New()}
	o := Options{
		Name:     "deribit-tracker",
		Version:  "test",
		Tickers:  []string{"BTC", "ETH"},
		Location: time.UTC,
		Metrics:  f.metrics,
		Now:      func() time.Time { return fixedNow },
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.handler = NewHandler(f.store, o, zerolog.New(io.Discard)).Routes()
	return f
}

func (f *fixture) add(t *testing.T, ticker string, ts int64, price string) storage.Observation {
	t.Helper()
	obs, err := f.store.Append(context.Background(), storage.Observation{
		Ticker:    ticker,
		Price:     decimal.RequireFromString(price),
		Timestamp: ts,
	})
	require.NoError(t, err)
	return obs
}

func (f *fixture) get(t *testing.T, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestInvalidTickerListsAllowedValues(t *testing.T) {
	f := newFixture(t)
	rec, body := f.get(t, "/api/v1/prices/latest?ticker=XRP")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Bad Request", body["error"])
	assert.Equal(t, `invalid ticker "XRP"; allowed values: BTC, ETH`, body["message"])
}

func TestTickerIsNormalised(t *testing.T) {
	f := newFixture(t)
	f.add(t, "BTC", 1000, "1")

	rec, body := f.get(t, "/api/v1/prices/latest?ticker=%20btc%20")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTC", body["ticker"])
}

func TestMissingTicker(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.get(t, "/api/v1/prices")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFutureDateRejected(t *testing.T) {
	f := newFixture(t)
	tomorrow := fixedNow.AddDate(0, 0, 1).Format(dateLayout)

	rec, body := f.get(t, "/api/v1/prices/date?ticker=BTC&date="+tomorrow)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "date cannot be in the future", body["message"])
}

func TestDateValidation(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{"", "&date=2024-13-01", "&date=10/05/2024"} {
		rec, _ := f.get(t, "/api/v1/prices/date?ticker=BTC"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestPricesByDate(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC)
	f.add(t, "BTC", day.Unix()-1, "1")
	f.add(t, "BTC", day.Unix()+7200, "3")
	f.add(t, "BTC", day.Unix(), "2")
	f.add(t, "BTC", day.Unix()+86399, "4")
	f.add(t, "BTC", day.Unix()+86400, "5")

	rec, body := f.get(t, "/api/v1/prices/date?ticker=BTC&date=2024-05-09")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2024-05-09", body["date"])
	assert.EqualValues(t, 3, body["count"])

	items := body["items"].([]any)
	require.Len(t, items, 3)
	var prices []float64
	for _, it := range items {
		prices = append(prices, it.(map[string]any)["price"].(float64))
	}
	assert.Equal(t, []float64{2, 3, 4}, prices)
}

func TestPricesByDateToday(t *testing.T) {
	f := newFixture(t)
	f.add(t, "BTC", fixedNow.Add(-time.Hour).Unix(), "1")

	rec, _ := f.get(t, "/api/v1/prices/date?ticker=BTC&date=2024-05-10")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPricesByDateEmpty(t *testing.T) {
	f := newFixture(t)
	rec, body := f.get(t, "/api/v1/prices/date?ticker=ETH&date=2024-05-01")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no price data for ETH on 2024-05-01", body["message"])
}

func TestListPagination(t *testing.T) {
	f := newFixture(t)
	for i := int64(0); i < 5; i++ {
		f.add(t, "BTC", 1000+i*60, fmt.Sprintf("%d.5", i))
	}
	f.add(t, "ETH", 1000, "1")

	rec, body := f.get(t, "/api/v1/prices?ticker=BTC&skip=1&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5, body["count"])

	items := body["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	second := items[1].(map[string]any)
	assert.EqualValues(t, 1180, first["timestamp"])
	assert.EqualValues(t, 1120, second["timestamp"])
	assert.Equal(t, 3.5, first["price"])
	assert.Equal(t, time.Unix(1180, 0).UTC().Format(time.RFC3339), first["datetime"])
}

func TestListDefaultsAndEmpty(t *testing.T) {
	f := newFixture(t)
	rec, body := f.get(t, "/api/v1/prices?ticker=ETH")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["count"])
	assert.Empty(t, body["items"])
}

func TestListParameterValidation(t *testing.T) {
	f := newFixture(t)
	cases := []string{
		"limit=0",
		"limit=1001",
		"limit=abc",
		"skip=-1",
		"skip=x",
	}
	for _, q := range cases {
		rec, body := f.get(t, "/api/v1/prices?ticker=BTC&"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.NotEmpty(t, body["message"], q)
	}

	rec, _ := f.get(t, "/api/v1/prices?ticker=BTC&limit=1000")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLatest(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.get(t, "/api/v1/prices/latest?ticker=BTC")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.add(t, "BTC", 2000, "2")
	f.add(t, "BTC", 1000, "1")

	rec, body := f.get(t, "/api/v1/prices/latest?ticker=BTC")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2000, body["timestamp"])
	assert.Equal(t, 2.0, body["price"])
	assert.Equal(t, time.Unix(2000, 0).UTC().Format(time.RFC3339), body["datetime"])
}

func newRedisCache(t *testing.T) *cache.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedis(client, 10*time.Minute)
}

func TestLatestUsesCache(t *testing.T) {
	latest := newRedisCache(t)
	f := newFixture(t, func(o *Options) { o.Cache = latest })
	f.add(t, "BTC", 1000, "1")

	_, err := latest.Put(context.Background(), storage.Observation{
		ID: 99, Ticker: "BTC", Price: decimal.RequireFromString("7"), Timestamp: 5000, RecordedAt: fixedNow,
	})
	require.NoError(t, err)

	_, body := f.get(t, "/api/v1/prices/latest?ticker=BTC")
	assert.EqualValues(t, 5000, body["timestamp"])
}

func TestLatestReadDoesNotPinOlderRow(t *testing.T) {
	latest := newRedisCache(t)
	f := newFixture(t, func(o *Options) { o.Cache = latest })
	f.add(t, "BTC", 1000, "1")

	rec, body := f.get(t, "/api/v1/prices/latest?ticker=BTC")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1000, body["timestamp"])

	_, cached, err := latest.Get(context.Background(), "BTC")
	require.NoError(t, err)
	assert.False(t, cached, "reads must not populate the cache")

	// a newer row written by an ingestor that has no cache
	f.add(t, "BTC", 2000, "2")

	_, body = f.get(t, "/api/v1/prices/latest?ticker=BTC")
	assert.EqualValues(t, 2000, body["timestamp"])

	_, list := f.get(t, "/api/v1/prices?ticker=BTC&limit=1")
	first := list["items"].([]any)[0].(map[string]any)
	assert.Equal(t, body["timestamp"], first["timestamp"])
}

func TestNearest(t *testing.T) {
	f := newFixture(t)
	f.add(t, "BTC", 1000, "1")
	f.add(t, "BTC", 1060, "2")
	f.add(t, "BTC", 1120, "3")

	rec, body := f.get(t, "/api/v1/prices/nearest?ticker=BTC&at=1090")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1060, body["timestamp"])

	at := time.Unix(1115, 0).UTC().Format(time.RFC3339)
	_, body = f.get(t, "/api/v1/prices/nearest?ticker=BTC&at="+at)
	assert.EqualValues(t, 1120, body["timestamp"])

	_, body = f.get(t, "/api/v1/prices/nearest?ticker=BTC&at=1970-01-01T00:16:40")
	assert.EqualValues(t, 1000, body["timestamp"])
}

func TestNearestErrors(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.get(t, "/api/v1/prices/nearest?ticker=BTC&at=1000")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.get(t, "/api/v1/prices/nearest?ticker=BTC")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.get(t, "/api/v1/prices/nearest?ticker=BTC&at=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type brokenStore struct {
	*storage.MemoryStore
}

func (brokenStore) Ping(context.Context) error {
	return fmt.Errorf("ping: %w: dial tcp: connection refused", storage.ErrStorage)
}

func (brokenStore) List(context.Context, string, int, int) ([]storage.Observation, error) {
	return nil, fmt.Errorf("list observations: %w: password authentication failed", storage.ErrStorage)
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	h := NewHandler(brokenStore{storage.NewMemoryStore()}, Options{Tickers: []string{"BTC"}}, zerolog.New(io.Discard)).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/prices?ticker=BTC", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, fixedNow.Format(time.RFC3339), body["time"])

	h := NewHandler(brokenStore{storage.NewMemoryStore()}, Options{Tickers: []string{"BTC"}}, zerolog.New(io.Discard)).Routes()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestIndexAndRouting(t *testing.T) {
	f := newFixture(t)
	rec, body := f.get(t, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deribit-tracker", body["service"])
	assert.Len(t, body["endpoints"], len(endpoints))

	rec, body = f.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Not Found", body["error"])
	assert.Equal(t, "no endpoint at /nope", body["message"])

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/prices?ticker=BTC", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Header().Get("Allow"), http.MethodGet)
	var errBody errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, "Method Not Allowed", errBody.Error)
	assert.Equal(t, "method POST not allowed on /api/v1/prices", errBody.Message)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.CORSOrigins = []string{"https://dash.example.com"} })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/prices", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodGet)
}

func TestCORSWildcardAndDisabled(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.CORSOrigins = []string{"*"} })
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	f = newFixture(t)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.get(t, "/health")
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("GET /health", "200")))

	rec, _ = f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServeListenerShutsDown(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(config.HTTPConfig{ReadTimeout: time.Second, WriteTimeout: time.Second}, f.handler)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeListener(ctx, srv, ln, time.Second, zerolog.New(io.Discard)) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

// Package metrics exposes Prometheus collectors for ingestion and the query API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deribit_tracker"

// Outcome labels for per-ticker ingestion results.
const (
	OutcomeStored      = "stored"
	OutcomeFetchFailed = "fetch_failed"
	OutcomeStoreFailed = "store_failed"
)

// Metrics groups every collector the service registers.
type Metrics struct {
	registry *prometheus.Registry

	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram
	Observations  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	LastSuccess   *prometheus.GaugeVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_cycles_total",
			Help:      "Completed ingestion cycles.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_cycle_duration_seconds",
			Help:      "Wall time of one ingestion cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		Observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_observations_total",
			Help:      "Per-ticker ingestion outcomes.",
		}, []string{"ticker", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of index price requests.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"ticker", "result"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_observation_timestamp_seconds",
			Help:      "Exchange timestamp of the last stored observation.",
		}, []string{"ticker"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Query API requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Query API latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Cycles,
		m.CycleDuration,
		m.Observations,
		m.FetchDuration,
		m.LastSuccess,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveFetch records one index price request.
func (m *Metrics) ObserveFetch(ticker string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FetchDuration.WithLabelValues(ticker, result).Observe(elapsed.Seconds())
}

// ObserveOutcome records the ingestion outcome of one ticker.
func (m *Metrics) ObserveOutcome(ticker, outcome string) {
	if m == nil {
		return
	}
	m.Observations.WithLabelValues(ticker, outcome).Inc()
}

// ObserveStored marks the exchange timestamp of the newest stored observation.
func (m *Metrics) ObserveStored(ticker string, timestamp int64) {
	if m == nil {
		return
	}
	m.LastSuccess.WithLabelValues(ticker).Set(float64(timestamp))
}

// ObserveCycle records a finished ingestion cycle.
func (m *Metrics) ObserveCycle(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.Inc()
	m.CycleDuration.Observe(elapsed.Seconds())
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Package api serves read-only HTTP access to stored price observations.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"deribit-tracker/internal/cache"
	"deribit-tracker/internal/metrics"
	"deribit-tracker/internal/storage"
)

const healthTimeout = 2 * time.Second

// Options configure a Handler.
type Options struct {
	Name    string
	Version string
	Tickers []string
	// Location is the server timezone used for calendar dates and rendered datetimes.
	Location *time.Location
	Cache    cache.LatestCache
	Metrics  *metrics.Metrics
	Now      func() time.Time
	// CORSOrigins enables cross-origin reads for the listed origins; "*" allows any.
	CORSOrigins []string
}

// Handler implements the query endpoints.
type Handler struct {
	store   storage.ObservationStore
	cache   cache.LatestCache
	metrics *metrics.Metrics
	logger  zerolog.Logger

	name    string
	version string
	tickers []string
	allowed map[string]struct{}
	loc     *time.Location
	now     func() time.Time

	corsAny     bool
	corsOrigins map[string]struct{}
}

// NewHandler constructs the query API over store.
func NewHandler(store storage.ObservationStore, opts Options, logger zerolog.Logger) *Handler {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	allowed := make(map[string]struct{}, len(opts.Tickers))
	for _, t := range opts.Tickers {
		allowed[t] = struct{}{}
	}
	corsOrigins := make(map[string]struct{}, len(opts.CORSOrigins))
	corsAny := false
	for _, origin := range opts.CORSOrigins {
		if origin == "*" {
			corsAny = true
		}
		corsOrigins[origin] = struct{}{}
	}
	return &Handler{
		corsAny:     corsAny,
		corsOrigins: corsOrigins,
		store:       store,
		cache:       opts.Cache,
		metrics:     opts.Metrics,
		logger:      logger.With().Str("component", "api").Logger(),
		name:        opts.Name,
		version:     opts.Version,
		tickers:     opts.Tickers,
		allowed:     allowed,
		loc:         loc,
		now:         now,
	}
}

func (h *Handler) listPrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ticker, err := h.parseTicker(q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	skip, err := parseSkip(q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := parseLimit(q)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	observations, err := h.store.List(r.Context(), ticker, skip, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	total, err := h.store.Count(r.Context(), ticker)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, listResponse{
		Ticker: ticker,
		Count:  total,
		Items:  toItems(observations, h.loc),
	})
}

func (h *Handler) latestPrice(w http.ResponseWriter, r *http.Request) {
	ticker, err := h.parseTicker(r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	obs, err := h.latest(r.Context(), ticker)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("no price data for %s", ticker))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, latestResponse{
		Ticker:    obs.Ticker,
		Price:     priceNumber(obs),
		Timestamp: obs.Timestamp,
		Datetime:  obs.Time().In(h.loc).Format(time.RFC3339),
	})
}

// latest prefers the cache, which only the ingestor writes, and falls back to the store.
func (h *Handler) latest(ctx context.Context, ticker string) (storage.Observation, error) {
	if h.cache != nil {
		obs, ok, err := h.cache.Get(ctx, ticker)
		if err != nil {
			h.logger.Warn().Err(err).Str("ticker", ticker).Msg("latest cache lookup failed")
		} else if ok {
			return obs, nil
		}
	}

	return h.store.Latest(ctx, ticker)
}

func (h *Handler) pricesByDate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ticker, err := h.parseTicker(q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	day, err := parseDate(q, h.loc, h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	observations, err := h.store.RangeByDate(r.Context(), ticker, day)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	date := day.Format(dateLayout)
	if len(observations) == 0 {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("no price data for %s on %s", ticker, date))
		return
	}

	h.writeJSON(w, http.StatusOK, dateResponse{
		Ticker: ticker,
		Date:   date,
		Count:  len(observations),
		Items:  toItems(observations, h.loc),
	})
}

func (h *Handler) nearestPrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ticker, err := h.parseTicker(q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	target, err := parseInstant(q, h.loc)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	obs, err := h.store.Nearest(r.Context(), ticker, target)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("no price data for %s", ticker))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toItem(obs, h.loc))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	now := h.now().In(h.loc).Format(time.RFC3339)
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error().Err(err).Msg("health check failed")
		h.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Time: now})
		return
	}
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Time: now})
}

func (h *Handler) index(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service":   h.name,
		"version":   h.version,
		"tickers":   h.tickers,
		"timezone":  h.loc.String(),
		"endpoints": endpoints,
	})
}

// fail maps err onto a status code. Internal errors are logged and never echoed.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case isValidation(err):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	default:
		h.logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", w.Header().Get(requestIDHeader)).
			Msg("request failed")
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

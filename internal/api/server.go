package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"deribit-tracker/internal/config"
)

const requestIDHeader = "X-Request-ID"

type endpoint struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Params string `json:"params,omitempty"`
}

var endpoints = []endpoint{
	{Method: http.MethodGet, Path: "/api/v1/prices", Params: "ticker, skip, limit"},
	{Method: http.MethodGet, Path: "/api/v1/prices/latest", Params: "ticker"},
	{Method: http.MethodGet, Path: "/api/v1/prices/date", Params: "ticker, date"},
	{Method: http.MethodGet, Path: "/api/v1/prices/nearest", Params: "ticker, at"},
	{Method: http.MethodGet, Path: "/health"},
	{Method: http.MethodGet, Path: "/metrics"},
}

// Routes registers every endpoint on a new mux wrapped in the request middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/prices", h.listPrices)
	mux.HandleFunc("GET /api/v1/prices/latest", h.latestPrice)
	mux.HandleFunc("GET /api/v1/prices/date", h.pricesByDate)
	mux.HandleFunc("GET /api/v1/prices/nearest", h.nearestPrice)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /{$}", h.index)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	return h.middleware(mux)
}

// statusRecorder captures the status code and turns the mux's plain-text
// 404/405 replies into the JSON error body used by every other failure.
type statusRecorder struct {
	http.ResponseWriter
	req       *http.Request
	status    int
	rewritten bool
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	plain := strings.HasPrefix(s.Header().Get("Content-Type"), "text/plain")
	if !plain || (code != http.StatusNotFound && code != http.StatusMethodNotAllowed) {
		s.ResponseWriter.WriteHeader(code)
		return
	}

	message := fmt.Sprintf("no endpoint at %s", s.req.URL.Path)
	if code == http.StatusMethodNotAllowed {
		message = fmt.Sprintf("method %s not allowed on %s", s.req.Method, s.req.URL.Path)
	}
	s.rewritten = true
	s.Header().Set("Content-Type", "application/json")
	s.ResponseWriter.WriteHeader(code)
	_ = json.NewEncoder(s.ResponseWriter).Encode(errorResponse{Error: http.StatusText(code), Message: message})
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.rewritten {
		return len(b), nil
	}
	return s.ResponseWriter.Write(b)
}

func (h *Handler) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, req: r, status: http.StatusOK}
		if h.applyCORS(rec, r) {
			rec.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(rec, r)
		}

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		h.metrics.ObserveRequest(route, rec.status, elapsed)
		h.logger.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request served")
	})
}

// applyCORS sets the cross-origin headers for allowed origins and reports
// whether r is a preflight request that has been fully answered.
func (h *Handler) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.corsOrigins) == 0 {
		return false
	}
	w.Header().Add("Vary", "Origin")

	_, listed := h.corsOrigins[origin]
	if !h.corsAny && !listed {
		return false
	}
	if h.corsAny {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Access-Control-Expose-Headers", requestIDHeader)

	if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
		return false
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
	}
	w.Header().Set("Access-Control-Max-Age", "600")
	return true
}

// NewServer builds the http.Server for the query API.
func NewServer(cfg config.HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down within shutdownTimeout.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger zerolog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, srv, ln, shutdownTimeout, logger)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "http").Logger()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("http server stopped")
	return nil
}

package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"deribit-tracker/internal/storage"
)

const (
	indexPricePath = "/get_index_price"
	maxBodyBytes   = 1 << 20
)

// DeribitOptions parameterise the Deribit index price client.
type DeribitOptions struct {
	BaseURL     string
	Timeout     time.Duration
	UserAgent   string
	Concurrency int
	// Now supplies the observation time when the response carries no server time.
	Now func() time.Time
	// Observe, when set, is called after every single-currency fetch.
	Observe func(currency string, elapsed time.Duration, err error)
}

// Deribit fetches index prices from the Deribit public API.
type Deribit struct {
	opts    DeribitOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewDeribit constructs a Deribit price source.
func NewDeribit(opts DeribitOptions, logger zerolog.Logger) *Deribit {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://www.deribit.com/api/v2/public"
	}

	return &Deribit{
		opts:    opts,
		logger:  logger.With().Str("component", "deribit_fetcher").Logger(),
		client:  &http.Client{Timeout: opts.Timeout},
		baseURL: baseURL,
	}
}

// IndexName derives the Deribit index name for a currency, e.g. BTC -> btc_usd.
func IndexName(currency string) string {
	return strings.ToLower(strings.TrimSpace(currency)) + "_usd"
}

// FetchIndexPrice retrieves the current index price for currency.
func (d *Deribit) FetchIndexPrice(ctx context.Context, currency string) (storage.Observation, error) {
	start := time.Now()
	obs, err := d.fetch(ctx, currency)
	if d.opts.Observe != nil {
		d.opts.Observe(strings.ToUpper(currency), time.Since(start), err)
	}
	return obs, err
}

func (d *Deribit) fetch(ctx context.Context, currency string) (storage.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	query := url.Values{"index_name": []string{IndexName(currency)}}
	endpoint := d.baseURL + indexPricePath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return storage.Observation{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(d.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "deribit-tracker/1.0")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return storage.Observation{}, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, currency, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return storage.Observation{}, fmt.Errorf("%w: %s: read body: %w", ErrSourceUnavailable, currency, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return storage.Observation{}, parseHTTPError(currency, resp.StatusCode, payload)
	}

	var body indexPriceResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return storage.Observation{}, fmt.Errorf("%w: %s: decode: %w", ErrMalformedResponse, currency, err)
	}
	if body.Error != nil {
		return storage.Observation{}, fmt.Errorf("%w: %s: deribit error %d: %s", ErrSourceUnavailable, currency, body.Error.Code, body.Error.Message)
	}
	if body.Result == nil || body.Result.IndexPrice == nil {
		return storage.Observation{}, fmt.Errorf("%w: %s: index_price missing", ErrMalformedResponse, currency)
	}
	if body.Result.IndexPrice.IsNegative() {
		return storage.Observation{}, fmt.Errorf("%w: %s: negative index_price %s", ErrMalformedResponse, currency, body.Result.IndexPrice)
	}

	ts := d.opts.Now().Unix()
	if body.UsOut > 0 {
		ts = body.UsOut / int64(time.Second/time.Microsecond)
	}

	obs := storage.Observation{
		Ticker:    strings.ToUpper(strings.TrimSpace(currency)),
		Price:     *body.Result.IndexPrice,
		Timestamp: ts,
	}
	d.logger.Debug().Str("ticker", obs.Ticker).Str("price", obs.Price.String()).Int64("timestamp", ts).Msg("fetched index price")
	return obs, nil
}

// FetchMany fetches every currency concurrently. A failing currency never cancels its siblings.
func (d *Deribit) FetchMany(ctx context.Context, currencies []string) map[string]Result {
	results := make(map[string]Result, len(currencies))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for _, currency := range currencies {
		g.Go(func() error {
			obs, err := d.FetchIndexPrice(ctx, currency)
			mu.Lock()
			results[currency] = Result{Observation: obs, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

type indexPriceResponse struct {
	Result *struct {
		IndexPrice             *decimal.Decimal `json:"index_price"`
		EstimatedDeliveryPrice *decimal.Decimal `json:"estimated_delivery_price"`
	} `json:"result"`
	Error *apiError `json:"error"`
	UsIn  int64     `json:"usIn"`
	UsOut int64     `json:"usOut"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func parseHTTPError(currency string, status int, payload []byte) error {
	var body struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != nil && body.Error.Message != "" {
		return fmt.Errorf("%w: %s: deribit api error (%d): %s", ErrSourceUnavailable, currency, status, body.Error.Message)
	}
	if text := strings.TrimSpace(string(payload)); text != "" {
		if len(text) > 256 {
			text = text[:256]
		}
		return fmt.Errorf("%w: %s: deribit api error (%d): %s", ErrSourceUnavailable, currency, status, text)
	}
	return fmt.Errorf("%w: %s: deribit api error (%d)", ErrSourceUnavailable, currency, status)
}

// IsTimeout reports whether err came from a deadline being exceeded.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ PriceSource = (*Deribit)(nil)

package fetcher

import (
	"context"
	"errors"

	"deribit-tracker/internal/storage"
)

var (
	// ErrSourceUnavailable covers transport failures, timeouts and non-2xx replies.
	ErrSourceUnavailable = errors.New("price source unavailable")
	// ErrMalformedResponse covers payloads without a usable index price.
	ErrMalformedResponse = errors.New("malformed price source response")
)

// Result is the outcome of fetching one currency: either an observation or an error.
type Result struct {
	Observation storage.Observation
	Err         error
}

// OK reports whether the fetch produced an observation.
func (r Result) OK() bool {
	return r.Err == nil
}

// PriceSource retrieves current index prices for currencies.
type PriceSource interface {
	FetchIndexPrice(ctx context.Context, currency string) (storage.Observation, error)
	// FetchMany returns one Result per requested currency; failures are isolated per key.
	FetchMany(ctx context.Context, currencies []string) map[string]Result
}

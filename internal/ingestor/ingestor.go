package ingestor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"deribit-tracker/internal/cache"
	"deribit-tracker/internal/fetcher"
	"deribit-tracker/internal/metrics"
	"deribit-tracker/internal/scheduler"
	"deribit-tracker/internal/storage"
)

// CycleResult summarises one fetch-then-store pass.
type CycleResult struct {
	CycleID   string
	Stored    []storage.Observation
	Failed    map[string]error
	Skipped   bool
	StartedAt time.Time
	Duration  time.Duration
}

// Succeeded returns the number of observations written in the cycle.
func (r CycleResult) Succeeded() int {
	return len(r.Stored)
}

// Options wire the optional collaborators of an Ingestor.
type Options struct {
	Tickers []string
	// Cache receives every stored observation; nil disables it.
	Cache   cache.LatestCache
	Metrics *metrics.Metrics
	// LockKey enables a postgres advisory lock around each cycle when non-zero.
	LockKey int64
}

// Ingestor polls the price source and appends observations to the store.
type Ingestor struct {
	scheduler *scheduler.Scheduler
	source    fetcher.PriceSource
	store     storage.ObservationStore
	cache     cache.LatestCache
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	tickers []string
	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the ingestion service.
func New(sched *scheduler.Scheduler, source fetcher.PriceSource, store storage.ObservationStore, opts Options, logger zerolog.Logger) *Ingestor {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	tickers := make([]string, len(opts.Tickers))
	copy(tickers, opts.Tickers)

	return &Ingestor{
		scheduler: sched,
		source:    source,
		store:     store,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		logger:    logger.With().Str("component", "ingestor").Logger(),
		tickers:   tickers,
		locker:    locker,
		lockKey:   opts.LockKey,
	}
}

// Run drives cycles on the scheduler until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) error {
	if i.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	i.logger.Info().Strs("tickers", i.tickers).Dur("interval", i.scheduler.Interval()).Msg("starting ingestion loop")
	return i.scheduler.Run(ctx, func(ctx context.Context, tick time.Time) error {
		_, err := i.RunCycle(ctx)
		return err
	})
}

// RunCycle fetches every configured ticker and appends the successes. Per-ticker fetch
// and store failures are recorded in the result; only a lock error is returned.
func (i *Ingestor) RunCycle(ctx context.Context) (CycleResult, error) {
	result := CycleResult{
		CycleID:   uuid.NewString(),
		Failed:    make(map[string]error),
		StartedAt: time.Now().UTC(),
	}
	logger := i.logger.With().Str("cycle_id", result.CycleID).Logger()

	unlock, proceed, err := i.acquireLock(ctx)
	if err != nil {
		return result, err
	}
	if !proceed {
		result.Skipped = true
		logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return result, nil
	}
	if unlock != nil {
		defer unlock()
	}

	fetched := i.source.FetchMany(ctx, i.tickers)

	for _, ticker := range i.tickers {
		res, ok := fetched[ticker]
		if !ok {
			res = fetcher.Result{Err: fmt.Errorf("%w: %s: no result", fetcher.ErrSourceUnavailable, ticker)}
		}
		if !res.OK() {
			result.Failed[ticker] = res.Err
			i.metrics.ObserveOutcome(ticker, metrics.OutcomeFetchFailed)
			logger.Warn().Err(res.Err).Str("ticker", ticker).Bool("timeout", fetcher.IsTimeout(res.Err)).Msg("fetch failed")
			continue
		}

		stored, err := i.store.Append(ctx, res.Observation)
		if err != nil {
			result.Failed[ticker] = err
			i.metrics.ObserveOutcome(ticker, metrics.OutcomeStoreFailed)
			logger.Error().Err(err).Str("ticker", ticker).Msg("failed to append observation")
			continue
		}
		result.Stored = append(result.Stored, stored)
		i.metrics.ObserveOutcome(ticker, metrics.OutcomeStored)
		i.metrics.ObserveStored(ticker, stored.Timestamp)
		i.updateCache(ctx, logger, stored)
	}

	sort.Slice(result.Stored, func(a, b int) bool { return result.Stored[a].Ticker < result.Stored[b].Ticker })
	result.Duration = time.Since(result.StartedAt)
	i.metrics.ObserveCycle(result.Duration)

	logger.Info().
		Int("succeeded", result.Succeeded()).
		Int("failed", len(result.Failed)).
		Dur("duration", result.Duration).
		Msg("cycle complete")
	return result, nil
}

func (i *Ingestor) updateCache(ctx context.Context, logger zerolog.Logger, obs storage.Observation) {
	if i.cache == nil {
		return
	}
	if _, err := i.cache.Put(ctx, obs); err != nil {
		logger.Warn().Err(err).Str("ticker", obs.Ticker).Msg("failed to update latest cache")
		if delErr := i.cache.Delete(ctx, obs.Ticker); delErr != nil {
			logger.Warn().Err(delErr).Str("ticker", obs.Ticker).Msg("failed to invalidate latest cache")
		}
	}
}

func (i *Ingestor) acquireLock(ctx context.Context) (func(), bool, error) {
	if i.lockKey == 0 || i.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := i.locker.TryAdvisoryLock(ctx, i.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"deribit-tracker/internal/api"
	"deribit-tracker/internal/cache"
	"deribit-tracker/internal/config"
	"deribit-tracker/internal/fetcher"
	"deribit-tracker/internal/ingestor"
	"deribit-tracker/internal/metrics"
	"deribit-tracker/internal/scheduler"
	"deribit-tracker/internal/storage"
	"deribit-tracker/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Fs is where exports are written.
	Fs afero.Fs
	// Out receives human-readable command output.
	Out io.Writer

	// openStoreFn can be replaced in tests. With persistent set it refuses the
	// in-memory fallback.
	openStoreFn func(ctx context.Context, persistent bool) (storage.ObservationStore, func(), error)
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Fs:     afero.NewOsFs(),
		Out:    os.Stdout,
	}
	a.openStoreFn = a.openStore
	return a
}

// RunOptions select which parts of the service run.
type RunOptions struct {
	API    bool
	Ingest bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Ticker string
	Limit  int
}

func (a *App) newSource(m *metrics.Metrics) fetcher.PriceSource {
	return fetcher.NewDeribit(fetcher.DeribitOptions{
		BaseURL:     a.Config.Deribit.BaseURL,
		Timeout:     a.Config.Deribit.RequestTimeout,
		UserAgent:   a.Config.Deribit.UserAgent,
		Concurrency: a.Config.Deribit.Concurrency,
		Observe:     m.ObserveFetch,
	}, a.Logger)
}

func (a *App) newCache(ctx context.Context) (cache.LatestCache, func()) {
	if a.Config.Redis.URL == "" {
		return nil, nil
	}
	c, err := cache.Dial(ctx, a.Config.Redis.URL, a.Config.Redis.TTL)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("redis unavailable; continuing without latest cache")
		return nil, nil
	}
	return c, func() { _ = c.Close() }
}

func (a *App) openStore(ctx context.Context, persistent bool) (storage.ObservationStore, func(), error) {
	if a.Config.Database.DSN == "" && !persistent {
		a.Logger.Warn().Msg("database.dsn not configured; observations are kept in memory only")
		return storage.NewMemoryStore(), nil, nil
	}

	store, closer, err := a.openPostgres(ctx)
	if err != nil {
		return nil, nil, err
	}
	return store, closer, nil
}

func (a *App) openPostgres(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database not configured; set database.dsn or DATABASE_URL")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) newIngestor(sched *scheduler.Scheduler, store storage.ObservationStore, latest cache.LatestCache, m *metrics.Metrics) *ingestor.Ingestor {
	return ingestor.New(sched, a.newSource(m), store, ingestor.Options{
		Tickers: a.Config.Tickers,
		Cache:   latest,
		Metrics: m,
		LockKey: a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)
}

// Run executes the long-running ingestion loop and query API until a signal arrives.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	if !opts.API && !opts.Ingest {
		return errors.New("nothing to run: both the API and the ingestor are disabled")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loc, err := a.Config.Location()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStoreFn(ctx, false)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	latest, closeCache := a.newCache(ctx)
	if closeCache != nil {
		defer closeCache()
	}

	m := metrics.New()
	g, gctx := errgroup.WithContext(ctx)

	if opts.Ingest {
		sched := scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			RunOnStart:   true,
		}, a.Logger)
		ing := a.newIngestor(sched, store, latest, m)
		g.Go(func() error {
			return ing.Run(gctx)
		})
	}

	if opts.API {
		handler := api.NewHandler(store, api.Options{
			Name:        a.Config.App.Name,
			Version:     version.Version,
			Tickers:     a.Config.Tickers,
			Location:    loc,
			Cache:       latest,
			Metrics:     m,
			CORSOrigins: a.Config.HTTP.CORSOrigins,
		}, a.Logger)
		srv := api.NewServer(a.Config.HTTP, handler.Routes())
		g.Go(func() error {
			return api.Serve(gctx, srv, a.Config.HTTP.ShutdownTimeout, a.Logger)
		})
	}

	a.Logger.Info().
		Bool("api", opts.API).
		Bool("ingest", opts.Ingest).
		Strs("tickers", a.Config.Tickers).
		Str("version", version.String()).
		Msg("starting deribit tracker")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("deribit tracker stopped")
	return nil
}

// FetchOnce runs a single ingestion cycle and prints what was stored.
func (a *App) FetchOnce(ctx context.Context) error {
	store, closeStore, err := a.openStoreFn(ctx, false)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	latest, closeCache := a.newCache(ctx)
	if closeCache != nil {
		defer closeCache()
	}

	ing := a.newIngestor(nil, store, latest, nil)
	res, err := ing.RunCycle(ctx)
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Fprintln(a.Out, "cycle skipped: advisory lock held by another instance")
		return nil
	}
	if err := writeCycle(a.Out, res, a.Config.Tickers); err != nil {
		return err
	}
	if _, inMemory := store.(*storage.MemoryStore); inMemory {
		fmt.Fprintln(a.Out, "warning: database.dsn not configured; observations were not persisted")
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openPostgres(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	applied, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(a.Out, "schema up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", name)
	}
	return nil
}

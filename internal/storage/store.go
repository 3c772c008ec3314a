package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"deribit-tracker/internal/config"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when no observation matches a query.
	ErrNotFound = errors.New("storage: observation not found")
	// ErrStorage marks connectivity and constraint failures of the backing store.
	ErrStorage = errors.New("storage: backend failure")
)

// ObservationStore is the append-only observation log.
type ObservationStore interface {
	Append(ctx context.Context, obs Observation) (Observation, error)
	Latest(ctx context.Context, ticker string) (Observation, error)
	List(ctx context.Context, ticker string, offset, limit int) ([]Observation, error)
	ListBetween(ctx context.Context, ticker string, from, to int64) ([]Observation, error)
	RangeByDate(ctx context.Context, ticker string, day time.Time) ([]Observation, error)
	Nearest(ctx context.Context, ticker string, target int64) (Observation, error)
	Count(ctx context.Context, ticker string) (int64, error)
	ListRecent(ctx context.Context, limit int) ([]Observation, error)
	Ping(ctx context.Context) error
	Close()
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// NewPool configures a PostgreSQL connection pool from runtime settings and verifies it.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

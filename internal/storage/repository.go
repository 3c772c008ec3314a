package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	observationColumns = `id, ticker, price::text, "timestamp", recorded_at`

	appendObservationSQL = `INSERT INTO prices (
        ticker,
        price,
        "timestamp"
    ) VALUES (
        $1, $2::numeric, $3
    )
    RETURNING id, recorded_at;`

	latestObservationSQL = `SELECT ` + observationColumns + `
    FROM prices
    WHERE ticker = $1
    ORDER BY "timestamp" DESC, id DESC
    LIMIT 1;`

	listObservationsSQL = `SELECT ` + observationColumns + `
    FROM prices
    WHERE ticker = $1
    ORDER BY "timestamp" DESC, id DESC
    OFFSET $2
    LIMIT $3;`

	listObservationsBetweenSQL = `SELECT ` + observationColumns + `
    FROM prices
    WHERE ticker = $1
      AND "timestamp" >= $2
      AND "timestamp" <= $3
    ORDER BY "timestamp", id;`

	nearestAtOrBeforeSQL = `SELECT ` + observationColumns + `
    FROM prices
    WHERE ticker = $1
      AND "timestamp" <= $2
    ORDER BY "timestamp" DESC, id ASC
    LIMIT 1;`

	nearestAfterSQL = `SELECT ` + observationColumns + `
    FROM prices
    WHERE ticker = $1
      AND "timestamp" > $2
    ORDER BY "timestamp" ASC, id ASC
    LIMIT 1;`

	countObservationsSQL = `SELECT COUNT(*) FROM prices WHERE ticker = $1;`

	listRecentObservationsSQL = `SELECT ` + observationColumns + `
    FROM prices
    ORDER BY "timestamp" DESC, id DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store persists observations in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w: %w", ErrStorage, err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Append inserts an observation and returns it with the assigned id and recorded_at.
func (s *Store) Append(ctx context.Context, obs Observation) (Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return Observation{}, err
	}

	row := pool.QueryRow(ctx, appendObservationSQL, obs.Ticker, obs.Price.String(), obs.Timestamp)
	if err := row.Scan(&obs.ID, &obs.RecordedAt); err != nil {
		return Observation{}, fmt.Errorf("append observation: %w: %w", ErrStorage, err)
	}
	return obs, nil
}

// Latest returns the observation with the greatest timestamp, preferring the newest insert on ties.
func (s *Store) Latest(ctx context.Context, ticker string) (Observation, error) {
	return s.queryOne(ctx, "latest observation", latestObservationSQL, ticker)
}

// List pages through a ticker's observations, newest first.
func (s *Store) List(ctx context.Context, ticker string, offset, limit int) ([]Observation, error) {
	if offset < 0 {
		offset = 0
	}
	limit = ClampLimit(limit)
	return s.queryMany(ctx, "list observations", listObservationsSQL, limit, ticker, offset, limit)
}

// ListBetween returns observations with from <= timestamp <= to in ascending order.
func (s *Store) ListBetween(ctx context.Context, ticker string, from, to int64) ([]Observation, error) {
	return s.queryMany(ctx, "list observations between", listObservationsBetweenSQL, 0, ticker, from, to)
}

// RangeByDate returns the observations that fall on day's calendar date.
func (s *Store) RangeByDate(ctx context.Context, ticker string, day time.Time) ([]Observation, error) {
	from, to := DayRange(day)
	return s.ListBetween(ctx, ticker, from, to)
}

// Nearest returns the observation closest to target using the two indexed neighbours.
func (s *Store) Nearest(ctx context.Context, ticker string, target int64) (Observation, error) {
	candidates := make([]Observation, 0, 2)
	for _, q := range []string{nearestAtOrBeforeSQL, nearestAfterSQL} {
		obs, err := s.queryOne(ctx, "nearest observation", q, ticker, target)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Observation{}, err
		}
		candidates = append(candidates, obs)
	}

	best, ok := PickNearest(target, candidates...)
	if !ok {
		return Observation{}, ErrNotFound
	}
	return best, nil
}

// Count returns the number of stored observations for ticker.
func (s *Store) Count(ctx context.Context, ticker string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countObservationsSQL, ticker).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count observations: %w: %w", ErrStorage, scanErr)
	}
	return count, nil
}

// ListRecent returns the most recent observations across all tickers.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Observation, error) {
	limit = ClampLimit(limit)
	return s.queryMany(ctx, "list recent observations", listRecentObservationsSQL, limit, limit)
}

func (s *Store) queryOne(ctx context.Context, op, query string, args ...any) (Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return Observation{}, err
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return Observation{}, fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
	}
	obs, err := pgx.CollectExactlyOneRow(rows, scanObservation)
	if errors.Is(err, pgx.ErrNoRows) {
		return Observation{}, ErrNotFound
	}
	if err != nil {
		return Observation{}, fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
	}
	return obs, nil
}

func (s *Store) queryMany(ctx context.Context, op, query string, sizeHint int, args ...any) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrStorage, queryErr)
	}
	defer rows.Close()

	observations := make([]Observation, 0, sizeHint)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		observations = append(observations, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
	}
	return observations, nil
}

func scanObservation(row pgx.CollectableRow) (Observation, error) {
	var (
		obs      Observation
		priceStr string
	)
	if err := row.Scan(&obs.ID, &obs.Ticker, &priceStr, &obs.Timestamp, &obs.RecordedAt); err != nil {
		return Observation{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Observation{}, fmt.Errorf("parse price: %w", err)
	}
	obs.Price = price
	return obs, nil
}

var (
	_ ObservationStore = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)

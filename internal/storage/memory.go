package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps observations in process memory. It backs the service when no
// database is configured and is used by tests.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	series map[string][]Observation // stored order per ticker
	now    func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series: make(map[string][]Observation),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Append assigns the next id and inserts obs keeping the ticker's series sorted.
func (m *MemoryStore) Append(ctx context.Context, obs Observation) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	obs.ID = m.nextID
	obs.RecordedAt = m.now()

	series := m.series[obs.Ticker]
	idx := sort.Search(len(series), func(i int) bool { return storedBefore(obs, series[i]) })
	series = append(series, Observation{})
	copy(series[idx+1:], series[idx:])
	series[idx] = obs
	m.series[obs.Ticker] = series

	return obs, nil
}

// Latest returns the last observation in stored order.
func (m *MemoryStore) Latest(_ context.Context, ticker string) (Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.series[ticker]
	if len(series) == 0 {
		return Observation{}, ErrNotFound
	}
	return series[len(series)-1], nil
}

// List pages through the series newest first.
func (m *MemoryStore) List(_ context.Context, ticker string, offset, limit int) ([]Observation, error) {
	if offset < 0 {
		offset = 0
	}
	limit = ClampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.series[ticker]
	out := make([]Observation, 0, limit)
	for i := len(series) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, series[i])
	}
	return out, nil
}

// ListBetween returns observations with from <= timestamp <= to in ascending order.
func (m *MemoryStore) ListBetween(_ context.Context, ticker string, from, to int64) ([]Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.series[ticker]
	lo := sort.Search(len(series), func(i int) bool { return series[i].Timestamp >= from })
	hi := sort.Search(len(series), func(i int) bool { return series[i].Timestamp > to })
	if lo >= hi {
		return []Observation{}, nil
	}
	out := make([]Observation, hi-lo)
	copy(out, series[lo:hi])
	return out, nil
}

// RangeByDate returns the observations that fall on day's calendar date.
func (m *MemoryStore) RangeByDate(ctx context.Context, ticker string, day time.Time) ([]Observation, error) {
	from, to := DayRange(day)
	return m.ListBetween(ctx, ticker, from, to)
}

// Nearest returns the observation closest to target.
func (m *MemoryStore) Nearest(_ context.Context, ticker string, target int64) (Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obs, ok := nearestSorted(m.series[ticker], target)
	if !ok {
		return Observation{}, ErrNotFound
	}
	return obs, nil
}

// Count returns the number of observations held for ticker.
func (m *MemoryStore) Count(_ context.Context, ticker string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.series[ticker])), nil
}

// ListRecent returns the most recent observations across all tickers.
func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]Observation, error) {
	limit = ClampLimit(limit)

	m.mu.RLock()
	all := make([]Observation, 0)
	for _, series := range m.series {
		all = append(all, series...)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return storedBefore(all[j], all[i]) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() {}

var _ ObservationStore = (*MemoryStore)(nil)

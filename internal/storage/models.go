package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultListLimit applies when a caller passes a non-positive limit.
	DefaultListLimit = 100
	// MaxListLimit bounds a single page of observations.
	MaxListLimit = 1000
)

// Observation is one index price sample for one ticker. It is never updated once stored.
type Observation struct {
	ID         int64
	Ticker     string
	Price      decimal.Decimal
	Timestamp  int64
	RecordedAt time.Time
}

// Time returns the exchange-reported observation time.
func (o Observation) Time() time.Time {
	return time.Unix(o.Timestamp, 0)
}

// storedBefore reports whether a precedes b in stored order (timestamp, then id).
func storedBefore(a, b Observation) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

// ClampLimit normalises a page size into [1, MaxListLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// DayRange returns the inclusive UNIX-second bounds of day's calendar date in day's location.
func DayRange(day time.Time) (int64, int64) {
	y, m, d := day.Date()
	loc := day.Location()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	next := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	return start.Unix(), next.Unix() - 1
}

package api

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"deribit-tracker/internal/storage"
)

const dateLayout = "2006-01-02"

// validationError is reported to clients as 400 with its message.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

func isValidation(err error) bool {
	var v *validationError
	return errors.As(err, &v)
}

func (h *Handler) parseTicker(q url.Values) (string, error) {
	raw := q.Get("ticker")
	ticker := strings.ToUpper(strings.TrimSpace(raw))
	if ticker == "" {
		return "", invalid("ticker is required; allowed values: %s", strings.Join(h.tickers, ", "))
	}
	if _, ok := h.allowed[ticker]; !ok {
		return "", invalid("invalid ticker %q; allowed values: %s", strings.TrimSpace(raw), strings.Join(h.tickers, ", "))
	}
	return ticker, nil
}

func parseLimit(q url.Values) (int, error) {
	raw := strings.TrimSpace(q.Get("limit"))
	if raw == "" {
		return storage.DefaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > storage.MaxListLimit {
		return 0, invalid("limit must be an integer between 1 and %d", storage.MaxListLimit)
	}
	return limit, nil
}

func parseSkip(q url.Values) (int, error) {
	raw := strings.TrimSpace(q.Get("skip"))
	if raw == "" {
		return 0, nil
	}
	skip, err := strconv.Atoi(raw)
	if err != nil || skip < 0 {
		return 0, invalid("skip must be a non-negative integer")
	}
	return skip, nil
}

// parseDate reads a YYYY-MM-DD calendar date in loc and rejects days after today.
func parseDate(q url.Values, loc *time.Location, now time.Time) (time.Time, error) {
	raw := strings.TrimSpace(q.Get("date"))
	if raw == "" {
		return time.Time{}, invalid("date is required (YYYY-MM-DD)")
	}
	day, err := time.ParseInLocation(dateLayout, raw, loc)
	if err != nil {
		return time.Time{}, invalid("date must use the YYYY-MM-DD format")
	}
	today := now.In(loc)
	todayStart := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)
	if day.After(todayStart) {
		return time.Time{}, invalid("date cannot be in the future")
	}
	return day, nil
}

var instantLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	dateLayout,
}

// parseInstant accepts RFC3339, a local date-time, a date, or UNIX seconds.
func parseInstant(q url.Values, loc *time.Location) (int64, error) {
	raw := strings.TrimSpace(q.Get("at"))
	if raw == "" {
		return 0, invalid("at is required (RFC3339, YYYY-MM-DDTHH:MM:SS, YYYY-MM-DD or UNIX seconds)")
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return secs, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Unix(), nil
	}
	for _, layout := range instantLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, invalid("at %q is not a recognised timestamp", raw)
}

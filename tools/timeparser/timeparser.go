package timeparser

import (
	"fmt"
	"time"
)

// ParseProviderDate parses the date formats emitted by the data provider.
// Results are always in UTC.
func ParseProviderDate(dateStr string) (time.Time, error) {
	formats := []string{
		"2006-01-02",          // daily readings
		"2006-01-02 15:04:05", // interval readings
		"2006-01-02T15:04:05",
		time.RFC3339,
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse date '%s': %w", dateStr, lastErr)
}

// IsAfterTolerance reports whether t lies more than toleranceMinutes after now
func IsAfterTolerance(t, now time.Time, toleranceMinutes int) bool {
	return t.Sub(now) > time.Duration(toleranceMinutes)*time.Minute
}

// MinutesBetween returns the absolute number of whole minutes between a and b.
// Unix seconds are used since time.Duration saturates past ~292 years.
func MinutesBetween(a, b time.Time) int {
	diff := b.Unix() - a.Unix()
	if diff < 0 {
		diff = -diff
	}
	return int(diff / 60)
}

const secondsPerDay = 24 * 60 * 60

// DaysInclusive returns the number of calendar days in [begin, end], or 0
// when end is before begin.
func DaysInclusive(begin, end time.Time) int {
	b := time.Date(begin.Year(), begin.Month(), begin.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	if e.Before(b) {
		return 0
	}
	return int((e.Unix()-b.Unix())/secondsPerDay) + 1
}

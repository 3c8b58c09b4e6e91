// Package timeutil parses API timestamps and formats them for display.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// MonthLabel is the display layout for a month bucket, e.g. "3/22".
const MonthLabel = "1/06"

// ParseAPITimestamp parses an RFC3339 timestamp as returned by the server.
// The zero time sentinel "0001-01-01T00:00:00Z" and malformed input report
// ok=false.
func ParseAPITimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// FormatMonth returns the "M/yy" label of t in UTC.
func FormatMonth(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(MonthLabel)
}

// FormatAPITimestamp formats t the way the server expects query bounds.
func FormatAPITimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// MonthStart returns midnight UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthEnd returns the last second of t's month in UTC.
func MonthEnd(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0).Add(-time.Second)
}

// ParseBound parses a command-line range bound. Accepted forms are
// "2006-01", "2006-01-02" and RFC3339. A month-only end bound resolves to the
// end of that month.
func ParseBound(s string, end bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01", s); err == nil {
		if end {
			return MonthEnd(t), nil
		}
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		if end {
			return t.Add(24*time.Hour - time.Second), nil
		}
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM, YYYY-MM-DD or RFC3339)", s)
}

// LookbackWindow returns the window covering the last n calendar months,
// including the month of now. Both bounds are month-aligned so that repeated
// queries within a month share a cache key.
func LookbackWindow(now time.Time, months int) (time.Time, time.Time) {
	if months < 1 {
		months = 1
	}
	start := MonthStart(now).AddDate(0, -(months - 1), 0)
	return start, MonthEnd(now)
}

// FormatRange renders a window as "January 2022 - March 2022", collapsing to
// a single month when both ends share one.
func FormatRange(start, end time.Time) string {
	if start.IsZero() && end.IsZero() {
		return ""
	}
	s := start.UTC().Format("January 2006")
	e := end.UTC().Format("January 2006")
	if s == e || end.IsZero() {
		return s
	}
	return s + " - " + e
}

// FileRange renders a window for export file names as "MM-yy" or
// "MM-yy-MM-yy".
func FileRange(start, end time.Time) string {
	s := start.UTC().Format("01-06")
	if end.IsZero() {
		return s
	}
	e := end.UTC().Format("01-06")
	if s == e {
		return s
	}
	return s + "-" + e
}

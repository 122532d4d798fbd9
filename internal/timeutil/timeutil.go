package timeutil

import (
	"errors"
	"time"
)

var ErrInvalidDayKey = errors.New("invalid day key")

const (
	dayKeyLayout   = "2006-01-02"
	monthKeyLayout = "2006-01"
)

// EnsureLocation returns UTC when loc is nil.
func EnsureLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// DayKey returns the daily period key (YYYY-MM-DD) for the timestamp in the
// reporting zone.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(EnsureLocation(loc)).Format(dayKeyLayout)
}

// MonthKey returns the monthly period key (YYYY-MM) for the timestamp in the
// reporting zone.
func MonthKey(t time.Time, loc *time.Location) string {
	return t.In(EnsureLocation(loc)).Format(monthKeyLayout)
}

// ParseDayKey validates and normalizes a YYYY-MM-DD key.
func ParseDayKey(key string) (string, error) {
	t, err := time.Parse(dayKeyLayout, key)
	if err != nil {
		return "", ErrInvalidDayKey
	}
	return t.Format(dayKeyLayout), nil
}

// TruncateToDay normalizes the timestamp to midnight in the provided zone.
func TruncateToDay(t time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// TruncateToMonth normalizes the timestamp to the first of the month in the
// provided zone.
func TruncateToMonth(t time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
}

// NextDayBoundary returns the first instant of the following day.
func NextDayBoundary(t time.Time, loc *time.Location) time.Time {
	return TruncateToDay(t, loc).AddDate(0, 0, 1)
}

// NextMonthBoundary returns the first instant of the following month.
func NextMonthBoundary(t time.Time, loc *time.Location) time.Time {
	return TruncateToMonth(t, loc).AddDate(0, 1, 0)
}

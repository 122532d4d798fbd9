package timeutil

import (
	"testing"
	"time"
)

func TestDayKeyUsesReportingZone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	// 03:00 UTC on Jan 2 is still Jan 1 in New York.
	ts := time.Date(2025, time.January, 2, 3, 0, 0, 0, time.UTC)

	if got := DayKey(ts, time.UTC); got != "2025-01-02" {
		t.Errorf("UTC day key: want 2025-01-02, got %s", got)
	}
	if got := DayKey(ts, loc); got != "2025-01-01" {
		t.Errorf("New York day key: want 2025-01-01, got %s", got)
	}
}

func TestMonthKey(t *testing.T) {
	ts := time.Date(2025, time.December, 31, 23, 59, 59, 0, time.UTC)
	if got := MonthKey(ts, time.UTC); got != "2025-12" {
		t.Errorf("want 2025-12, got %s", got)
	}
	if got := MonthKey(ts.Add(time.Minute), time.UTC); got != "2026-01" {
		t.Errorf("want 2026-01 after boundary, got %s", got)
	}
}

func TestParseDayKey(t *testing.T) {
	if _, err := ParseDayKey("2025-13-01"); err == nil {
		t.Fatalf("expected error for invalid month")
	}
	if _, err := ParseDayKey("yesterday"); err == nil {
		t.Fatalf("expected error for garbage input")
	}
	got, err := ParseDayKey("2025-02-28")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != "2025-02-28" {
		t.Errorf("want 2025-02-28, got %s", got)
	}
}

func TestBoundaries(t *testing.T) {
	ts := time.Date(2025, time.March, 15, 13, 45, 0, 0, time.UTC)

	if got := NextDayBoundary(ts, time.UTC); !got.Equal(time.Date(2025, time.March, 16, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("next day boundary: got %v", got)
	}
	if got := NextMonthBoundary(ts, time.UTC); !got.Equal(time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("next month boundary: got %v", got)
	}
}

func TestEnsureLocationNil(t *testing.T) {
	if EnsureLocation(nil) != time.UTC {
		t.Fatalf("expected UTC for nil location")
	}
}

package meter

import (
	"testing"
	"time"
)

func TestApplyKeepsTotalInvariant(t *testing.T) {
	acc := Accumulator{Scope: ScopeDaily, PeriodKey: "2025-06-01"}

	deltas := []Delta{
		{TokensInput: 120, TokensOutput: 450, CostMicros: 8_100},
		{TokensInput: 0, TokensOutput: 0, CostMicros: 0},
		{TokensInput: 9_000, TokensOutput: 31_000, CostMicros: 492_000},
	}

	for i, d := range deltas {
		acc = acc.Apply(d)
		if acc.TokensTotal != acc.TokensInput+acc.TokensOutput {
			t.Fatalf("after delta %d: total %d != input %d + output %d", i, acc.TokensTotal, acc.TokensInput, acc.TokensOutput)
		}
	}

	if acc.TokensInput != 9_120 || acc.TokensOutput != 31_450 {
		t.Errorf("unexpected totals: %+v", acc)
	}
	if acc.CostMicros != 500_100 {
		t.Errorf("want cost 500100 micros, got %d", acc.CostMicros)
	}
}

func TestApplyIsPure(t *testing.T) {
	acc := Accumulator{Scope: ScopeSession}
	_ = acc.Apply(Delta{TokensInput: 5, TokensOutput: 7, CostMicros: 11})
	if !acc.IsZero() {
		t.Fatalf("receiver mutated: %+v", acc)
	}
}

func TestZeroedKeepsScope(t *testing.T) {
	acc := Accumulator{Scope: ScopeMonthly, PeriodKey: "2025-05", TokensInput: 10, TokensOutput: 5, TokensTotal: 15, CostMicros: 99}
	fresh := acc.Zeroed("2025-06")
	if fresh.Scope != ScopeMonthly || fresh.PeriodKey != "2025-06" {
		t.Fatalf("unexpected fresh accumulator: %+v", fresh)
	}
	if !fresh.IsZero() {
		t.Fatalf("fresh accumulator not zero: %+v", fresh)
	}
}

func TestFreeze(t *testing.T) {
	closedAt := time.Date(2025, time.June, 2, 0, 0, 1, 0, time.UTC)
	acc := Accumulator{Scope: ScopeDaily, PeriodKey: "2025-06-01", TokensInput: 3, TokensOutput: 4, TokensTotal: 7, CostMicros: 1234}

	rec := Freeze("user@example.com", acc, closedAt)

	if rec.UserID != "user@example.com" || rec.Scope != ScopeDaily || rec.PeriodKey != "2025-06-01" {
		t.Fatalf("unexpected record identity: %+v", rec)
	}
	if rec.TokensTotal != 7 || rec.CostMicros != 1234 {
		t.Fatalf("unexpected record totals: %+v", rec)
	}
	if !rec.ClosedAt.Equal(closedAt) {
		t.Fatalf("unexpected closed_at: %v", rec.ClosedAt)
	}
}

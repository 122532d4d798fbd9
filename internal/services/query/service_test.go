package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatforge/meterd/internal/config"
	"github.com/chatforge/meterd/internal/meter"
	"github.com/chatforge/meterd/internal/services/budget"
	"github.com/chatforge/meterd/internal/store"
)

type staticSession struct {
	acc meter.Accumulator
}

func (s *staticSession) Current(ctx context.Context, userID string) (meter.Accumulator, error) {
	return s.acc, nil
}

func newQueryService(st store.Store, session meter.Accumulator) *Service {
	budgets := budget.NewService(st, config.BudgetConfig{
		DefaultDailyUSD:    100,
		DefaultMonthlyUSD:  3000,
		HighThresholdPerc:  0.80,
		LimitThresholdPerc: 0.95,
	})
	return NewService(st, &staticSession{acc: session}, budgets)
}

func seed(t *testing.T, st store.Store, userID string, costMicros int64, at time.Time) {
	t.Helper()
	require.NoError(t, st.ApplyUsage(context.Background(), store.Event{
		UserID:       userID,
		Model:        "gpt-4",
		TokensInput:  100,
		TokensOutput: 50,
		CostMicros:   costMicros,
		Timestamp:    at,
	}, at))
}

func TestSnapshotShape(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.UTC)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seed(t, st, "u1", 2_500_000, now)

	svc := newQueryService(st, meter.Accumulator{
		Scope:        meter.ScopeSession,
		TokensInput:  30,
		TokensOutput: 12,
		TokensTotal:  42,
		CostMicros:   750_000,
	})
	svc.now = func() time.Time { return now }

	snap, err := svc.Snapshot(ctx, "u1")
	require.NoError(t, err)

	require.Equal(t, "2026-03-10", snap.Daily.Date)
	require.Equal(t, int64(100), snap.Daily.TokensInput)
	require.Equal(t, int64(50), snap.Daily.TokensOutput)
	require.Equal(t, int64(150), snap.Daily.TokensTotal)
	require.Equal(t, 2.5, snap.Daily.Cost)

	require.Equal(t, int64(150), snap.Monthly.TokensTotal)
	require.Equal(t, 2.5, snap.Monthly.Cost)
	require.Equal(t, 3000.0, snap.Monthly.Budget)
	require.Equal(t, 2997.5, snap.Monthly.Remaining)
	require.InDelta(t, 2.5/3000*100, snap.Monthly.PercentUsed, 1e-9)

	require.Equal(t, int64(42), snap.Session.TokensTotal)
	require.Equal(t, 0.75, snap.Session.Cost)

	require.Equal(t, 100.0, snap.BudgetDaily)
	require.Equal(t, 3000.0, snap.BudgetMonthly)
}

func TestSnapshotZeroBudgetReportsZeroPercent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.UTC)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	zero := int64(0)
	require.NoError(t, st.UpsertBudgetOverride(ctx, store.BudgetOverride{
		UserID:             "u1",
		DailyLimitMicros:   &zero,
		MonthlyLimitMicros: &zero,
	}))
	seed(t, st, "u1", 999_000_000, now)

	svc := newQueryService(st, meter.Accumulator{Scope: meter.ScopeSession})
	svc.now = func() time.Time { return now }

	snap, err := svc.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, snap.Monthly.PercentUsed)
	require.Zero(t, snap.Monthly.Budget)
	require.Zero(t, snap.Monthly.Remaining)
	require.Zero(t, snap.BudgetDaily)
}

func TestSnapshotRollsOverAcrossBoundary(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.UTC)
	day1 := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 4, 1, 1, 0, 0, 0, time.UTC)

	seed(t, st, "u1", 5_000_000, day1)

	svc := newQueryService(st, meter.Accumulator{Scope: meter.ScopeSession})
	svc.now = func() time.Time { return day2 }

	snap, err := svc.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "2026-04-01", snap.Daily.Date)
	require.Zero(t, snap.Daily.TokensTotal)
	require.Zero(t, snap.Monthly.Cost)

	history, err := svc.DailyHistory(ctx, "u1", 7)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "2026-03-31", history[0].Date)
	require.Equal(t, 5.0, history[0].Cost)
}

func TestHistoriesMostRecentFirstNoPadding(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.UTC)

	// Two days of usage out of a requested seven.
	for day := 1; day <= 2; day++ {
		at := time.Date(2026, 3, day, 10, 0, 0, 0, time.UTC)
		seed(t, st, "u1", int64(day)*1_000_000, at)
	}
	_, _, err := st.LiveAccumulators(ctx, "u1", time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	svc := newQueryService(st, meter.Accumulator{Scope: meter.ScopeSession})

	days, err := svc.DailyHistory(ctx, "u1", 7)
	require.NoError(t, err)
	require.Len(t, days, 2)
	require.Equal(t, "2026-03-02", days[0].Date)
	require.Equal(t, "2026-03-01", days[1].Date)

	months, err := svc.MonthlyHistory(ctx, "u1", 6)
	require.NoError(t, err)
	require.Empty(t, months)
}

func TestRecentEvents(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.UTC)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		seed(t, st, "u1", 1_000_000, base.Add(time.Duration(i)*time.Minute))
	}

	svc := newQueryService(st, meter.Accumulator{Scope: meter.ScopeSession})
	events, err := svc.RecentEvents(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "gpt-4", events[0].Model)
	require.True(t, events[0].Timestamp.After(events[1].Timestamp))
}

package rollup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatforge/meterd/internal/config"
	"github.com/chatforge/meterd/internal/meter"
	"github.com/chatforge/meterd/internal/store"
	"github.com/chatforge/meterd/internal/timeutil"
)

type sessionResetSpy struct {
	mu    sync.Mutex
	users []string
}

func (s *sessionResetSpy) Reset(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, userID)
	return nil
}

func newRollup(st store.Store) (*Service, *sessionResetSpy) {
	sessions := &sessionResetSpy{}
	svc := NewService(st, sessions, nil, nil, config.RollupConfig{
		SweepInterval:  time.Minute,
		SweepBatchSize: 100,
	}, config.RetentionConfig{EventDays: 30}, time.UTC)
	return svc, sessions
}

func seed(t *testing.T, st store.Store, userID string, at time.Time) {
	t.Helper()
	require.NoError(t, st.ApplyUsage(context.Background(), store.Event{
		UserID:      userID,
		Model:       "gpt-4",
		TokensInput: 10,
		CostMicros:  1_000_000,
		Timestamp:   at,
	}, at))
}

func TestResetDailyDefaultsToToday(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.UTC)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seed(t, st, "u1", now)

	svc, _ := newRollup(st)
	svc.now = func() time.Time { return now }

	rec, err := svc.ResetDaily(ctx, "u1", "")
	require.NoError(t, err)
	require.Equal(t, "2026-03-10", rec.PeriodKey)
	require.Equal(t, int64(10), rec.TokensTotal)

	daily, _, err := st.LiveAccumulators(ctx, "u1", now)
	require.NoError(t, err)
	require.True(t, daily.IsZero())
}

func TestResetDailyRejectsClosedPeriod(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.UTC)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seed(t, st, "u1", now)

	svc, _ := newRollup(st)
	svc.now = func() time.Time { return now }

	_, err := svc.ResetDaily(ctx, "u1", "2026-03-10")
	require.NoError(t, err)

	_, err = svc.ResetDaily(ctx, "u1", "2026-03-10")
	require.ErrorIs(t, err, meter.ErrAlreadyClosed)
}

func TestResetDailyValidatesDate(t *testing.T) {
	svc, _ := newRollup(store.NewMemory(time.UTC))
	_, err := svc.ResetDaily(context.Background(), "u1", "10/03/2026")
	require.ErrorIs(t, err, timeutil.ErrInvalidDayKey)
}

func TestResetDailyNoOpenData(t *testing.T) {
	svc, _ := newRollup(store.NewMemory(time.UTC))
	_, err := svc.ResetDaily(context.Background(), "u1", "")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestResetSession(t *testing.T) {
	svc, sessions := newRollup(store.NewMemory(time.UTC))
	require.NoError(t, svc.ResetSession(context.Background(), "u1"))
	require.Equal(t, []string{"u1"}, sessions.users)
}

func TestSweepClosesStaleAndPrunes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.UTC)
	past := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seed(t, st, "u1", past)

	svc, _ := newRollup(st)
	svc.now = func() time.Time { return now }
	svc.sweep(ctx)

	days, err := st.History(ctx, "u1", meter.ScopeDaily, 10)
	require.NoError(t, err)
	require.Len(t, days, 1)
	require.Equal(t, "2026-01-15", days[0].PeriodKey)

	months, err := st.History(ctx, "u1", meter.ScopeMonthly, 10)
	require.NoError(t, err)
	require.Len(t, months, 1)
	require.Equal(t, "2026-01", months[0].PeriodKey)

	// The January event is outside the 30-day retention window.
	events, err := st.RecentEvents(ctx, "u1", 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStartRunsSweepLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory(time.UTC)
	past := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	seed(t, st, "u1", past)

	sessions := &sessionResetSpy{}
	svc := NewService(st, sessions, nil, nil, config.RollupConfig{
		SweepInterval:  10 * time.Millisecond,
		SweepBatchSize: 100,
	}, config.RetentionConfig{}, time.UTC)
	svc.Start(ctx)

	require.Eventually(t, func() bool {
		days, err := st.History(context.Background(), "u1", meter.ScopeDaily, 1)
		return err == nil && len(days) == 1
	}, time.Second, 5*time.Millisecond)
}

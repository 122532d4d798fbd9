package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/meterd/internal/cache"
	"github.com/chatforge/meterd/internal/config"
	"github.com/chatforge/meterd/internal/meter"
	"github.com/chatforge/meterd/internal/pricing"
	"github.com/chatforge/meterd/internal/services/alert"
	"github.com/chatforge/meterd/internal/services/budget"
	"github.com/chatforge/meterd/internal/store"
)

type sessionSpy struct {
	mu     sync.Mutex
	deltas []meter.Delta
}

func (s *sessionSpy) Apply(ctx context.Context, userID, sessionID string, delta meter.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, delta)
	return nil
}

// flakyStore fails ApplyUsage a configured number of times before delegating.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) ApplyUsage(ctx context.Context, ev store.Event, now time.Time) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return f.Store.ApplyUsage(ctx, ev, now)
}

// brokenReadStore persists fine but fails every accumulator readback.
type brokenReadStore struct {
	store.Store
}

func (b *brokenReadStore) LiveAccumulators(ctx context.Context, userID string, now time.Time) (meter.Accumulator, meter.Accumulator, error) {
	return meter.Accumulator{}, meter.Accumulator{}, errors.New("connection refused")
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, r.Message)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

type capturedAlerts struct {
	mu       sync.Mutex
	payloads []alert.Payload
}

func (c *capturedAlerts) Notify(ctx context.Context, p alert.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
	return nil
}

func priceTable() *pricing.Table {
	return pricing.New(config.PricingConfig{
		DefaultInputPerMTok:  3,
		DefaultOutputPerMTok: 15,
	})
}

func newService(t *testing.T, st store.Store, sink alert.Sink) (*Service, *sessionSpy) {
	t.Helper()
	budgets := budget.NewService(st, config.BudgetConfig{
		DefaultDailyUSD:    100,
		DefaultMonthlyUSD:  3000,
		HighThresholdPerc:  0.80,
		LimitThresholdPerc: 0.95,
	})
	var dispatcher *alert.Dispatcher
	if sink != nil {
		dispatcher = alert.NewDispatcher(sink, config.BudgetAlertConfig{Cooldown: time.Hour}, nil)
	}
	sessions := &sessionSpy{}
	svc := NewService(st, sessions, priceTable(), budgets, dispatcher, nil, nil, nil, config.IngestConfig{
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
	})
	return svc, sessions
}

func TestRecordAccumulatesAndPrices(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.UTC)
	svc, sessions := newService(t, st, nil)

	res, err := svc.Record(ctx, Submission{
		UserID:       "u1",
		SessionID:    "sess-1",
		Model:        "some-model",
		TokensInput:  1_000_000,
		TokensOutput: 1_000_000,
	})
	require.NoError(t, err)
	require.True(t, res.Recorded)

	// Default rates: $3/M in + $15/M out.
	require.Equal(t, int64(18_000_000), res.Daily.CostMicros)
	require.Equal(t, int64(2_000_000), res.Daily.TokensTotal)
	require.Equal(t, res.Daily.CostMicros, res.Monthly.CostMicros)

	require.Len(t, sessions.deltas, 1)
	require.Equal(t, int64(2_000_000), sessions.deltas[0].TokensTotal())
}

func TestRecordCallerCostWins(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.UTC)
	svc, _ := newService(t, st, nil)

	cost := 1.25
	res, err := svc.Record(ctx, Submission{
		UserID:      "u1",
		Model:       "some-model",
		TokensInput: 10,
		CostUSD:     &cost,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1_250_000), res.Daily.CostMicros)
}

func TestRecordRejectsInvalidUsage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, store.NewMemory(time.UTC), nil)

	_, err := svc.Record(ctx, Submission{UserID: "u1", TokensInput: -5})
	require.ErrorIs(t, err, meter.ErrInvalidUsage)

	neg := -1.0
	_, err = svc.Record(ctx, Submission{UserID: "u1", CostUSD: &neg})
	require.ErrorIs(t, err, meter.ErrInvalidUsage)

	_, err = svc.Record(ctx, Submission{})
	require.ErrorIs(t, err, meter.ErrInvalidUsage)
}

func TestRecordRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemory(time.UTC)
	flaky := &flakyStore{Store: inner, failures: 2}
	svc, _ := newService(t, flaky, nil)

	res, err := svc.Record(ctx, Submission{UserID: "u1", TokensInput: 10, TokensOutput: 5})
	require.NoError(t, err)
	require.True(t, res.Recorded)
	require.Equal(t, 3, flaky.calls)
	require.Equal(t, int64(15), res.Daily.TokensTotal)
}

func TestRecordDropsAfterRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemory(time.UTC)
	flaky := &flakyStore{Store: inner, failures: 10}
	svc, _ := newService(t, flaky, nil)

	res, err := svc.Record(ctx, Submission{UserID: "u1", TokensInput: 10})
	require.NoError(t, err) // the caller is never failed
	require.True(t, res.Dropped)
	require.False(t, res.Recorded)
	require.Equal(t, 3, flaky.calls)

	daily, _, err := inner.LiveAccumulators(ctx, "u1", time.Now())
	require.NoError(t, err)
	require.True(t, daily.IsZero())
}

func TestRecordDeduplicatesByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewMemory(time.UTC)
	svc, _ := newService(t, st, nil)
	svc.idem = cache.NewIdempotencyCache(rdb, time.Minute)

	sub := Submission{UserID: "u1", TokensInput: 10, TokensOutput: 5, IdempotencyKey: "evt-1"}

	first, err := svc.Record(ctx, sub)
	require.NoError(t, err)
	require.True(t, first.Recorded)

	second, err := svc.Record(ctx, sub)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.False(t, second.Recorded)

	// Counted once.
	require.Equal(t, int64(15), second.Daily.TokensTotal)
}

func TestRecordDuplicateLogsReadbackFailure(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := &brokenReadStore{Store: store.NewMemory(time.UTC)}
	svc, _ := newService(t, st, nil)
	svc.idem = cache.NewIdempotencyCache(rdb, time.Minute)
	logs := &recordingHandler{}
	svc.logger = slog.New(logs)

	sub := Submission{UserID: "u1", TokensInput: 10, IdempotencyKey: "evt-9"}

	first, err := svc.Record(ctx, sub)
	require.NoError(t, err)
	require.True(t, first.Recorded)

	second, err := svc.Record(ctx, sub)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.True(t, second.Daily.IsZero())
	require.Contains(t, logs.msgs, "duplicate readback failed")
}

func TestRecordFiresBudgetAlert(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.UTC)

	daily := int64(10_000_000) // $10
	require.NoError(t, st.UpsertBudgetOverride(ctx, store.BudgetOverride{UserID: "u1", DailyLimitMicros: &daily}))

	sink := &capturedAlerts{}
	svc, _ := newService(t, st, sink)

	cost := 9.50
	res, err := svc.Record(ctx, Submission{UserID: "u1", TokensInput: 10, CostUSD: &cost})
	require.NoError(t, err)
	require.True(t, res.Recorded)

	require.Len(t, sink.payloads, 1)
	require.Equal(t, meter.ScopeDaily, sink.payloads[0].Scope)
	require.Equal(t, meter.LevelExceeded, sink.payloads[0].Level)
	require.Equal(t, float64(95), sink.payloads[0].PercentUsed)
}

func TestRecordNeverBlocksOnBudget(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.UTC)

	daily := int64(1_000_000) // $1
	require.NoError(t, st.UpsertBudgetOverride(ctx, store.BudgetOverride{UserID: "u1", DailyLimitMicros: &daily}))

	svc, _ := newService(t, st, &capturedAlerts{})

	// Far past the ceiling; ingest still records.
	cost := 50.0
	for i := 0; i < 3; i++ {
		res, err := svc.Record(ctx, Submission{UserID: "u1", TokensInput: 10, CostUSD: &cost})
		require.NoError(t, err)
		require.True(t, res.Recorded)
	}

	dailyAcc, _, err := st.LiveAccumulators(ctx, "u1", time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(150_000_000), dailyAcc.CostMicros)
}

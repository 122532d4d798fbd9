// Package ingest records usage events. Recording is fire-and-forget from the
// caller's point of view: a chat exchange must never fail because metering
// has a bad day.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/chatforge/meterd/internal/cache"
	"github.com/chatforge/meterd/internal/config"
	"github.com/chatforge/meterd/internal/meter"
	"github.com/chatforge/meterd/internal/observability"
	"github.com/chatforge/meterd/internal/pricing"
	"github.com/chatforge/meterd/internal/services/alert"
	"github.com/chatforge/meterd/internal/services/budget"
	"github.com/chatforge/meterd/internal/store"
)

// SessionRecorder is the slice of the session store the ingest path needs.
type SessionRecorder interface {
	Apply(ctx context.Context, userID, sessionID string, delta meter.Delta) error
}

// Submission is one usage event as reported by a caller.
type Submission struct {
	UserID       string
	SessionID    string
	Model        string
	TokensInput  int64
	TokensOutput int64
	// CostUSD overrides the pricing table when the caller already knows the
	// exchange cost.
	CostUSD        *float64
	IdempotencyKey string
	Timestamp      time.Time
}

// Result reports what happened to a submission.
type Result struct {
	Recorded  bool
	Duplicate bool
	Dropped   bool
	Daily     meter.Accumulator
	Monthly   meter.Accumulator
}

type Service struct {
	store    store.Store
	sessions SessionRecorder
	prices   *pricing.Table
	budgets  *budget.Service
	alerts   *alert.Dispatcher
	idem     *cache.IdempotencyCache
	metrics  *observability.Provider
	logger   *slog.Logger

	maxAttempts uint64
	baseDelay   time.Duration

	now func() time.Time
}

func NewService(
	st store.Store,
	sessions SessionRecorder,
	prices *pricing.Table,
	budgets *budget.Service,
	alerts *alert.Dispatcher,
	idem *cache.IdempotencyCache,
	metrics *observability.Provider,
	logger *slog.Logger,
	cfg config.IngestConfig,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := uint64(1)
	if cfg.MaxAttempts > 0 {
		maxAttempts = uint64(cfg.MaxAttempts)
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}
	return &Service{
		store:       st,
		sessions:    sessions,
		prices:      prices,
		budgets:     budgets,
		alerts:      alerts,
		idem:        idem,
		metrics:     metrics,
		logger:      logger,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		now:         time.Now,
	}
}

// Record validates and persists one usage event, updates the live session
// counters and evaluates the user's budget posture afterwards. Transient
// storage failures are retried with backoff; when retries run out the event
// is dropped with a warning instead of failing the caller.
func (s *Service) Record(ctx context.Context, sub Submission) (Result, error) {
	if sub.UserID == "" {
		return Result{}, fmt.Errorf("%w: user id required", meter.ErrInvalidUsage)
	}
	if sub.TokensInput < 0 || sub.TokensOutput < 0 {
		return Result{}, fmt.Errorf("%w: negative token counts", meter.ErrInvalidUsage)
	}
	if sub.CostUSD != nil && *sub.CostUSD < 0 {
		return Result{}, fmt.Errorf("%w: negative cost", meter.ErrInvalidUsage)
	}

	if s.idem != nil && sub.IdempotencyKey != "" {
		first, err := s.idem.Claim(ctx, sub.IdempotencyKey)
		if err != nil {
			// Dedupe is best-effort; a broken cache must not block metering.
			s.logger.WarnContext(ctx, "idempotency claim failed",
				slog.String("user_id", sub.UserID),
				slog.String("error", err.Error()),
			)
		} else if !first {
			s.metrics.RecordEvent("duplicate")
			daily, monthly, readErr := s.store.LiveAccumulators(ctx, sub.UserID, s.now())
			if readErr != nil {
				s.logger.WarnContext(ctx, "duplicate readback failed",
					slog.String("user_id", sub.UserID),
					slog.String("error", readErr.Error()),
				)
				return Result{Duplicate: true}, nil
			}
			return Result{Duplicate: true, Daily: daily, Monthly: monthly}, nil
		}
	}

	now := s.now()
	ts := sub.Timestamp
	if ts.IsZero() {
		ts = now
	}

	var costMicros int64
	if sub.CostUSD != nil {
		costMicros = meter.MicrosFromDecimal(decimal.NewFromFloat(*sub.CostUSD))
	} else if s.prices != nil {
		costMicros = meter.MicrosFromDecimal(s.prices.Cost(sub.Model, sub.TokensInput, sub.TokensOutput))
	}

	ev := store.Event{
		UserID:       sub.UserID,
		SessionID:    sub.SessionID,
		Model:        sub.Model,
		TokensInput:  sub.TokensInput,
		TokensOutput: sub.TokensOutput,
		CostMicros:   costMicros,
		Timestamp:    ts,
	}

	backoff := retry.WithMaxRetries(s.maxAttempts-1, retry.NewExponential(s.baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if applyErr := s.store.ApplyUsage(ctx, ev, now); applyErr != nil {
			return retry.RetryableError(applyErr)
		}
		return nil
	})
	if err != nil {
		if s.idem != nil && sub.IdempotencyKey != "" {
			s.idem.Release(ctx, sub.IdempotencyKey)
		}
		s.metrics.RecordEvent("dropped")
		s.metrics.RecordDroppedEvent()
		s.logger.WarnContext(ctx, "usage event dropped",
			slog.String("user_id", sub.UserID),
			slog.String("model", sub.Model),
			slog.Int64("tokens_total", sub.TokensInput+sub.TokensOutput),
			slog.String("error", err.Error()),
		)
		return Result{Dropped: true}, nil
	}

	s.metrics.RecordEvent("recorded")
	s.metrics.RecordTokens(sub.Model, sub.TokensInput, sub.TokensOutput)

	if s.sessions != nil && sub.SessionID != "" {
		if err := s.sessions.Apply(ctx, sub.UserID, sub.SessionID, ev.Delta()); err != nil {
			s.logger.WarnContext(ctx, "session counters not updated",
				slog.String("user_id", sub.UserID),
				slog.String("session_id", sub.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	daily, monthly, err := s.store.LiveAccumulators(ctx, sub.UserID, now)
	if err != nil {
		s.logger.WarnContext(ctx, "post-ingest readback failed",
			slog.String("user_id", sub.UserID),
			slog.String("error", err.Error()),
		)
		return Result{Recorded: true}, nil
	}

	s.evaluateBudget(ctx, sub.UserID, daily, monthly)
	return Result{Recorded: true, Daily: daily, Monthly: monthly}, nil
}

func (s *Service) evaluateBudget(ctx context.Context, userID string, daily, monthly meter.Accumulator) {
	if s.budgets == nil || s.alerts == nil {
		return
	}
	status, err := s.budgets.Evaluate(ctx, userID, daily, monthly)
	if err != nil {
		s.logger.WarnContext(ctx, "budget evaluation failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.alerts.Observe(ctx, userID, meter.ScopeDaily, status.Daily, daily.CostMicros, status.Limits.DailyMicros)
	s.alerts.Observe(ctx, userID, meter.ScopeMonthly, status.Monthly, monthly.CostMicros, status.Limits.MonthlyMicros)
}

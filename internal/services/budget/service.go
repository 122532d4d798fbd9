// Package budget resolves per-user spending ceilings and classifies live
// usage against them.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chatforge/meterd/internal/config"
	"github.com/chatforge/meterd/internal/meter"
	"github.com/chatforge/meterd/internal/store"
)

// Limits are the effective ceilings for one user in micro-USD. A zero value
// means no budget for that scope.
type Limits struct {
	DailyMicros   int64
	MonthlyMicros int64
}

// Status combines the classification of both budgeted scopes.
type Status struct {
	Limits  Limits
	Daily   meter.Classification
	Monthly meter.Classification
}

type cachedLimits struct {
	limits  Limits
	expires time.Time
}

// Service layers per-user overrides over the configured defaults. Override
// lookups are cached briefly so the hot ingest path does not hit the store
// for every event.
type Service struct {
	store      store.Store
	defaults   Limits
	thresholds meter.Thresholds
	cacheTTL   time.Duration

	mu    sync.Mutex
	cache map[string]cachedLimits

	now func() time.Time
}

func NewService(st store.Store, cfg config.BudgetConfig) *Service {
	return &Service{
		store: st,
		defaults: Limits{
			DailyMicros:   meter.MicrosFromUSD(cfg.DefaultDailyUSD),
			MonthlyMicros: meter.MicrosFromUSD(cfg.DefaultMonthlyUSD),
		},
		thresholds: meter.Thresholds{High: cfg.HighThresholdPerc, Limit: cfg.LimitThresholdPerc},
		cacheTTL:   cfg.OverrideCacheTTL,
		cache:      make(map[string]cachedLimits),
		now:        time.Now,
	}
}

// Thresholds returns the configured tier cut-offs.
func (s *Service) Thresholds() meter.Thresholds {
	return s.thresholds
}

// Limits resolves the user's effective ceilings: the configured defaults
// unless an override replaces one or both scopes.
func (s *Service) Limits(ctx context.Context, userID string) (Limits, error) {
	now := s.now()

	s.mu.Lock()
	if entry, ok := s.cache[userID]; ok && now.Before(entry.expires) {
		s.mu.Unlock()
		return entry.limits, nil
	}
	s.mu.Unlock()

	limits := s.defaults
	ov, err := s.store.BudgetOverride(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Defaults apply.
	case err != nil:
		return Limits{}, fmt.Errorf("resolve budget override: %w", err)
	default:
		if ov.DailyLimitMicros != nil {
			limits.DailyMicros = *ov.DailyLimitMicros
		}
		if ov.MonthlyLimitMicros != nil {
			limits.MonthlyMicros = *ov.MonthlyLimitMicros
		}
	}

	if s.cacheTTL > 0 {
		s.mu.Lock()
		s.cache[userID] = cachedLimits{limits: limits, expires: now.Add(s.cacheTTL)}
		s.mu.Unlock()
	}
	return limits, nil
}

// SetOverride persists a per-user ceiling and drops the cached entry so the
// next evaluation sees it.
func (s *Service) SetOverride(ctx context.Context, ov store.BudgetOverride) error {
	if err := s.store.UpsertBudgetOverride(ctx, ov); err != nil {
		return err
	}
	s.Invalidate(ov.UserID)
	return nil
}

// Invalidate drops a user's cached limits.
func (s *Service) Invalidate(userID string) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
}

// Evaluate classifies the user's live accumulators against their ceilings.
func (s *Service) Evaluate(ctx context.Context, userID string, daily, monthly meter.Accumulator) (Status, error) {
	limits, err := s.Limits(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Limits:  limits,
		Daily:   meter.Classify(daily.CostMicros, limits.DailyMicros, s.thresholds),
		Monthly: meter.Classify(monthly.CostMicros, limits.MonthlyMicros, s.thresholds),
	}, nil
}

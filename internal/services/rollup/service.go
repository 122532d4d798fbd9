// Package rollup closes elapsed accumulator periods and owns the explicit
// reset operations. Boundary crossings are normally recognized lazily on
// access; the sweeper here covers idle users so history stays current even
// without traffic.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatforge/meterd/internal/config"
	"github.com/chatforge/meterd/internal/meter"
	"github.com/chatforge/meterd/internal/observability"
	"github.com/chatforge/meterd/internal/store"
	"github.com/chatforge/meterd/internal/timeutil"
)

// SessionResetter is the slice of the session store the reset path needs.
type SessionResetter interface {
	Reset(ctx context.Context, userID string) error
}

type Service struct {
	store    store.Store
	sessions SessionResetter
	metrics  *observability.Provider
	logger   *slog.Logger
	loc      *time.Location

	sweepInterval time.Duration
	sweepBatch    int
	retainEvents  time.Duration

	startOnce sync.Once
	now       func() time.Time
}

func NewService(st store.Store, sessions SessionResetter, metrics *observability.Provider, logger *slog.Logger, cfg config.RollupConfig, retention config.RetentionConfig, loc *time.Location) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	batch := cfg.SweepBatchSize
	if batch <= 0 {
		batch = 500
	}
	var retain time.Duration
	if retention.EventDays > 0 {
		retain = time.Duration(retention.EventDays) * 24 * time.Hour
	}
	return &Service{
		store:         st,
		sessions:      sessions,
		metrics:       metrics,
		logger:        logger,
		loc:           timeutil.EnsureLocation(loc),
		sweepInterval: interval,
		sweepBatch:    batch,
		retainEvents:  retain,
		now:           time.Now,
	}
}

// Start launches the background sweep loop until ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	// Initial sweep catches periods that elapsed while the process was down.
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	now := s.now()

	closed, err := s.store.SweepStale(ctx, now, s.sweepBatch)
	if err != nil {
		s.logger.WarnContext(ctx, "rollup sweep failed", slog.String("error", err.Error()))
	} else if closed > 0 {
		s.metrics.RecordSweptPeriods(closed)
		s.logger.InfoContext(ctx, "rollup sweep closed periods", slog.Int("closed", closed))
	}

	if s.retainEvents > 0 {
		pruned, err := s.store.PruneEvents(ctx, now.Add(-s.retainEvents))
		if err != nil {
			s.logger.WarnContext(ctx, "event prune failed", slog.String("error", err.Error()))
		} else if pruned > 0 {
			s.logger.InfoContext(ctx, "pruned expired usage events", slog.Int64("pruned", pruned))
		}
	}
}

// ResetDaily force-closes the user's daily period. targetDate defaults to the
// current day; it must name a still-open period.
func (s *Service) ResetDaily(ctx context.Context, userID, targetDate string) (meter.HistoryRecord, error) {
	now := s.now()

	key := targetDate
	if key == "" {
		key = timeutil.DayKey(now, s.loc)
	} else {
		parsed, err := timeutil.ParseDayKey(key)
		if err != nil {
			return meter.HistoryRecord{}, err
		}
		key = parsed
	}

	rec, err := s.store.ResetDaily(ctx, userID, key, now)
	if err != nil {
		return meter.HistoryRecord{}, err
	}
	s.logger.InfoContext(ctx, "daily usage reset",
		slog.String("user_id", userID),
		slog.String("date", rec.PeriodKey),
		slog.Int64("tokens_total", rec.TokensTotal),
	)
	return rec, nil
}

// ResetSession clears the user's live session counters.
func (s *Service) ResetSession(ctx context.Context, userID string) error {
	if s.sessions == nil {
		return nil
	}
	if err := s.sessions.Reset(ctx, userID); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	s.logger.InfoContext(ctx, "session usage reset", slog.String("user_id", userID))
	return nil
}

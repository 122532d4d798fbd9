// Package store owns all accumulator, history, ledger and budget-override
// state. Implementations serialize concurrent mutations per user while
// letting different users proceed in parallel, and perform lazy period
// closure on both the read and write paths so rollovers survive restarts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/chatforge/meterd/internal/meter"
)

var ErrNotFound = errors.New("not found")

// Event is one metered exchange, appended to the ledger alongside the
// accumulator update.
type Event struct {
	ID           int64
	UserID       string
	SessionID    string
	Model        string
	TokensInput  int64
	TokensOutput int64
	CostMicros   int64
	Timestamp    time.Time
}

// Delta converts the event into the per-scope increment.
func (e Event) Delta() meter.Delta {
	return meter.Delta{
		TokensInput:  e.TokensInput,
		TokensOutput: e.TokensOutput,
		CostMicros:   e.CostMicros,
	}
}

// BudgetOverride is a per-user ceiling replacing the configured default.
// Nil fields inherit the global value.
type BudgetOverride struct {
	UserID             string
	DailyLimitMicros   *int64
	MonthlyLimitMicros *int64
	UpdatedAt          time.Time
}

// Store is the counter store contract shared by the Postgres and in-memory
// implementations.
type Store interface {
	// ApplyUsage adds the event's delta to the user's daily and monthly
	// accumulators and appends the ledger row in a single atomic step.
	// An elapsed period is closed into history first.
	ApplyUsage(ctx context.Context, ev Event, now time.Time) error

	// LiveAccumulators returns the open daily and monthly accumulators,
	// closing elapsed periods on the way (shared consistency path with
	// ApplyUsage).
	LiveAccumulators(ctx context.Context, userID string, now time.Time) (daily, monthly meter.Accumulator, err error)

	// History returns closed periods most-recent-first, at most count
	// records. A short history is not an error.
	History(ctx context.Context, userID string, scope meter.Scope, count int) ([]meter.HistoryRecord, error)

	// ResetDaily force-closes the named still-open daily period and returns
	// its history record. meter.ErrAlreadyClosed when the period is already
	// in history; ErrNotFound when no open accumulator covers it.
	ResetDaily(ctx context.Context, userID, periodKey string, now time.Time) (meter.HistoryRecord, error)

	// SweepStale closes accumulators left behind by idle users, up to limit
	// rows, and reports how many were closed.
	SweepStale(ctx context.Context, now time.Time, limit int) (int, error)

	// RecentEvents returns the newest ledger rows for the user.
	RecentEvents(ctx context.Context, userID string, limit int) ([]Event, error)

	// PruneEvents deletes ledger rows older than the cutoff.
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// BudgetOverride returns the user's override or ErrNotFound.
	BudgetOverride(ctx context.Context, userID string) (BudgetOverride, error)

	// UpsertBudgetOverride creates or replaces a user's override.
	UpsertBudgetOverride(ctx context.Context, ov BudgetOverride) error
}

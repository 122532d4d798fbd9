// Package query builds the read-only payloads served to polling clients.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/chatforge/meterd/internal/meter"
	"github.com/chatforge/meterd/internal/services/budget"
	"github.com/chatforge/meterd/internal/store"
)

// SessionReader is the slice of the session store the query path needs.
type SessionReader interface {
	Current(ctx context.Context, userID string) (meter.Accumulator, error)
}

// Snapshot is the composite usage view for one user.
type Snapshot struct {
	Daily         DailyBlock   `json:"daily"`
	Monthly       MonthlyBlock `json:"monthly"`
	Session       SessionBlock `json:"session"`
	BudgetDaily   float64      `json:"budget_daily"`
	BudgetMonthly float64      `json:"budget_monthly"`
}

type DailyBlock struct {
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
	TokensTotal  int64   `json:"tokens_total"`
	Cost         float64 `json:"cost"`
	Date         string  `json:"date"`
}

type MonthlyBlock struct {
	TokensTotal int64   `json:"tokens_total"`
	Cost        float64 `json:"cost"`
	Budget      float64 `json:"budget"`
	Remaining   float64 `json:"remaining"`
	PercentUsed float64 `json:"percent_used"`
}

type SessionBlock struct {
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
	TokensTotal  int64   `json:"tokens_total"`
	Cost         float64 `json:"cost"`
}

// DailyHistoryEntry is one closed day.
type DailyHistoryEntry struct {
	Date         string  `json:"date"`
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
	TokensTotal  int64   `json:"tokens_total"`
	Cost         float64 `json:"cost"`
}

// MonthlyHistoryEntry is one closed month.
type MonthlyHistoryEntry struct {
	Month       string  `json:"month"`
	TokensTotal int64   `json:"tokens_total"`
	Cost        float64 `json:"cost"`
}

// EventEntry is one ledger row.
type EventEntry struct {
	Model        string    `json:"model"`
	SessionID    string    `json:"session_id,omitempty"`
	TokensInput  int64     `json:"tokens_input"`
	TokensOutput int64     `json:"tokens_output"`
	Cost         float64   `json:"cost"`
	Timestamp    time.Time `json:"timestamp"`
}

type Service struct {
	store    store.Store
	sessions SessionReader
	budgets  *budget.Service

	now func() time.Time
}

func NewService(st store.Store, sessions SessionReader, budgets *budget.Service) *Service {
	return &Service{store: st, sessions: sessions, budgets: budgets, now: time.Now}
}

// Snapshot assembles the live usage view. Reading shares the rollover path
// with writes, so a snapshot taken after a boundary reflects the new period.
func (s *Service) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	now := s.now()

	daily, monthly, err := s.store.LiveAccumulators(ctx, userID, now)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load accumulators: %w", err)
	}

	var session meter.Accumulator
	if s.sessions != nil {
		session, err = s.sessions.Current(ctx, userID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("load session counters: %w", err)
		}
	}

	status, err := s.budgets.Evaluate(ctx, userID, daily, monthly)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Daily: DailyBlock{
			TokensInput:  daily.TokensInput,
			TokensOutput: daily.TokensOutput,
			TokensTotal:  daily.TokensTotal,
			Cost:         meter.USDFromMicros(daily.CostMicros),
			Date:         daily.PeriodKey,
		},
		Monthly: MonthlyBlock{
			TokensTotal: monthly.TokensTotal,
			Cost:        meter.USDFromMicros(monthly.CostMicros),
			Budget:      meter.USDFromMicros(status.Limits.MonthlyMicros),
			Remaining:   meter.USDFromMicros(status.Monthly.RemainingMicros),
			PercentUsed: status.Monthly.PercentUsed,
		},
		Session: SessionBlock{
			TokensInput:  session.TokensInput,
			TokensOutput: session.TokensOutput,
			TokensTotal:  session.TokensTotal,
			Cost:         meter.USDFromMicros(session.CostMicros),
		},
		BudgetDaily:   meter.USDFromMicros(status.Limits.DailyMicros),
		BudgetMonthly: meter.USDFromMicros(status.Limits.MonthlyMicros),
	}, nil
}

// DailyHistory returns up to days closed days, most recent first.
func (s *Service) DailyHistory(ctx context.Context, userID string, days int) ([]DailyHistoryEntry, error) {
	records, err := s.store.History(ctx, userID, meter.ScopeDaily, days)
	if err != nil {
		return nil, fmt.Errorf("load daily history: %w", err)
	}
	entries := make([]DailyHistoryEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, DailyHistoryEntry{
			Date:         rec.PeriodKey,
			TokensInput:  rec.TokensInput,
			TokensOutput: rec.TokensOutput,
			TokensTotal:  rec.TokensTotal,
			Cost:         meter.USDFromMicros(rec.CostMicros),
		})
	}
	return entries, nil
}

// MonthlyHistory returns up to months closed months, most recent first.
func (s *Service) MonthlyHistory(ctx context.Context, userID string, months int) ([]MonthlyHistoryEntry, error) {
	records, err := s.store.History(ctx, userID, meter.ScopeMonthly, months)
	if err != nil {
		return nil, fmt.Errorf("load monthly history: %w", err)
	}
	entries := make([]MonthlyHistoryEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, MonthlyHistoryEntry{
			Month:       rec.PeriodKey,
			TokensTotal: rec.TokensTotal,
			Cost:        meter.USDFromMicros(rec.CostMicros),
		})
	}
	return entries, nil
}

// RecentEvents returns the newest ledger rows for the user.
func (s *Service) RecentEvents(ctx context.Context, userID string, limit int) ([]EventEntry, error) {
	events, err := s.store.RecentEvents(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	entries := make([]EventEntry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, EventEntry{
			Model:        ev.Model,
			SessionID:    ev.SessionID,
			TokensInput:  ev.TokensInput,
			TokensOutput: ev.TokensOutput,
			Cost:         meter.USDFromMicros(ev.CostMicros),
			Timestamp:    ev.Timestamp,
		})
	}
	return entries, nil
}

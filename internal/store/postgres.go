package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatforge/meterd/internal/meter"
	"github.com/chatforge/meterd/internal/timeutil"
)

// Postgres keeps accumulators, history, the event ledger and budget overrides
// in Postgres. Row locks on (user_id, scope) give each user a single-writer
// transaction while leaving other users untouched.
type Postgres struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

func NewPostgres(pool *pgxpool.Pool, loc *time.Location) *Postgres {
	return &Postgres{pool: pool, loc: timeutil.EnsureLocation(loc)}
}

func (s *Postgres) periodKeys(now time.Time) (dailyKey, monthlyKey string) {
	return timeutil.DayKey(now, s.loc), timeutil.MonthKey(now, s.loc)
}

func (s *Postgres) ApplyUsage(ctx context.Context, ev Event, now time.Time) error {
	dailyKey, monthlyKey := s.periodKeys(now)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin apply usage: %w", err)
	}
	defer tx.Rollback(ctx)

	delta := ev.Delta()
	if _, _, err := advanceLocked(ctx, tx, ev.UserID, meter.ScopeDaily, dailyKey, delta, now); err != nil {
		return err
	}
	if _, _, err := advanceLocked(ctx, tx, ev.UserID, meter.ScopeMonthly, monthlyKey, delta, now); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO usage_events (user_id, session_id, model, tokens_input, tokens_output, cost_micros, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.UserID, ev.SessionID, ev.Model, ev.TokensInput, ev.TokensOutput, ev.CostMicros, ev.Timestamp,
	); err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit apply usage: %w", err)
	}
	return nil
}

func (s *Postgres) LiveAccumulators(ctx context.Context, userID string, now time.Time) (meter.Accumulator, meter.Accumulator, error) {
	dailyKey, monthlyKey := s.periodKeys(now)

	daily, dailyOK, err := s.readAccumulator(ctx, userID, meter.ScopeDaily)
	if err != nil {
		return meter.Accumulator{}, meter.Accumulator{}, err
	}
	monthly, monthlyOK, err := s.readAccumulator(ctx, userID, meter.ScopeMonthly)
	if err != nil {
		return meter.Accumulator{}, meter.Accumulator{}, err
	}

	currentDaily := !dailyOK || daily.PeriodKey == dailyKey
	currentMonthly := !monthlyOK || monthly.PeriodKey == monthlyKey
	if currentDaily && currentMonthly {
		if !dailyOK {
			daily = meter.Accumulator{Scope: meter.ScopeDaily, PeriodKey: dailyKey}
		}
		if !monthlyOK {
			monthly = meter.Accumulator{Scope: meter.ScopeMonthly, PeriodKey: monthlyKey}
		}
		return daily, monthly, nil
	}

	// A period elapsed since the last touch; take the write path so the read
	// observes the same rollover a write would perform.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return meter.Accumulator{}, meter.Accumulator{}, fmt.Errorf("begin rollover: %w", err)
	}
	defer tx.Rollback(ctx)

	daily, _, err = advanceLocked(ctx, tx, userID, meter.ScopeDaily, dailyKey, meter.Delta{}, now)
	if err != nil {
		return meter.Accumulator{}, meter.Accumulator{}, err
	}
	monthly, _, err = advanceLocked(ctx, tx, userID, meter.ScopeMonthly, monthlyKey, meter.Delta{}, now)
	if err != nil {
		return meter.Accumulator{}, meter.Accumulator{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return meter.Accumulator{}, meter.Accumulator{}, fmt.Errorf("commit rollover: %w", err)
	}
	return daily, monthly, nil
}

func (s *Postgres) readAccumulator(ctx context.Context, userID string, scope meter.Scope) (meter.Accumulator, bool, error) {
	acc := meter.Accumulator{Scope: scope}
	err := s.pool.QueryRow(ctx, `
		SELECT period_key, tokens_input, tokens_output, tokens_total, cost_micros
		FROM usage_accumulators
		WHERE user_id = $1 AND scope = $2`,
		userID, string(scope),
	).Scan(&acc.PeriodKey, &acc.TokensInput, &acc.TokensOutput, &acc.TokensTotal, &acc.CostMicros)
	if errors.Is(err, pgx.ErrNoRows) {
		return meter.Accumulator{}, false, nil
	}
	if err != nil {
		return meter.Accumulator{}, false, fmt.Errorf("read accumulator: %w", err)
	}
	return acc, true, nil
}

// advanceLocked locks the user's accumulator row, closes it into history when
// its period elapsed, applies the delta and writes the result back. Returns
// the updated accumulator and whether a rollover happened.
func advanceLocked(ctx context.Context, tx pgx.Tx, userID string, scope meter.Scope, currentKey string, delta meter.Delta, now time.Time) (meter.Accumulator, bool, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO usage_accumulators (user_id, scope, period_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, scope) DO NOTHING`,
		userID, string(scope), currentKey,
	); err != nil {
		return meter.Accumulator{}, false, fmt.Errorf("ensure accumulator: %w", err)
	}

	acc := meter.Accumulator{Scope: scope}
	err := tx.QueryRow(ctx, `
		SELECT period_key, tokens_input, tokens_output, tokens_total, cost_micros
		FROM usage_accumulators
		WHERE user_id = $1 AND scope = $2
		FOR UPDATE`,
		userID, string(scope),
	).Scan(&acc.PeriodKey, &acc.TokensInput, &acc.TokensOutput, &acc.TokensTotal, &acc.CostMicros)
	if err != nil {
		return meter.Accumulator{}, false, fmt.Errorf("lock accumulator: %w", err)
	}

	rolled := false
	if acc.PeriodKey != currentKey {
		if err := insertHistory(ctx, tx, meter.Freeze(userID, acc, now)); err != nil {
			return meter.Accumulator{}, false, err
		}
		acc = acc.Zeroed(currentKey)
		rolled = true
	}

	acc = acc.Apply(delta)
	if _, err := tx.Exec(ctx, `
		UPDATE usage_accumulators
		SET period_key = $3, tokens_input = $4, tokens_output = $5, tokens_total = $6, cost_micros = $7, updated_at = $8
		WHERE user_id = $1 AND scope = $2`,
		userID, string(scope), acc.PeriodKey, acc.TokensInput, acc.TokensOutput, acc.TokensTotal, acc.CostMicros, now,
	); err != nil {
		return meter.Accumulator{}, false, fmt.Errorf("update accumulator: %w", err)
	}
	return acc, rolled, nil
}

// insertHistory is a no-op when the period was already closed, which makes
// closing idempotent under concurrent rollovers.
func insertHistory(ctx context.Context, tx pgx.Tx, rec meter.HistoryRecord) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO usage_history (user_id, scope, period_key, tokens_input, tokens_output, tokens_total, cost_micros, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, scope, period_key) DO NOTHING`,
		rec.UserID, string(rec.Scope), rec.PeriodKey, rec.TokensInput, rec.TokensOutput, rec.TokensTotal, rec.CostMicros, rec.ClosedAt,
	); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *Postgres) History(ctx context.Context, userID string, scope meter.Scope, count int) ([]meter.HistoryRecord, error) {
	if count <= 0 {
		return []meter.HistoryRecord{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT period_key, tokens_input, tokens_output, tokens_total, cost_micros, closed_at
		FROM usage_history
		WHERE user_id = $1 AND scope = $2
		ORDER BY period_key DESC
		LIMIT $3`,
		userID, string(scope), count,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	records := make([]meter.HistoryRecord, 0, count)
	for rows.Next() {
		rec := meter.HistoryRecord{UserID: userID, Scope: scope}
		if err := rows.Scan(&rec.PeriodKey, &rec.TokensInput, &rec.TokensOutput, &rec.TokensTotal, &rec.CostMicros, &rec.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return records, nil
}

func (s *Postgres) ResetDaily(ctx context.Context, userID, periodKey string, now time.Time) (meter.HistoryRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return meter.HistoryRecord{}, fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM usage_history
			WHERE user_id = $1 AND scope = $2 AND period_key = $3
		)`,
		userID, string(meter.ScopeDaily), periodKey,
	).Scan(&exists); err != nil {
		return meter.HistoryRecord{}, fmt.Errorf("check history: %w", err)
	}
	if exists {
		return meter.HistoryRecord{}, meter.ErrAlreadyClosed
	}

	acc := meter.Accumulator{Scope: meter.ScopeDaily}
	err = tx.QueryRow(ctx, `
		SELECT period_key, tokens_input, tokens_output, tokens_total, cost_micros
		FROM usage_accumulators
		WHERE user_id = $1 AND scope = $2
		FOR UPDATE`,
		userID, string(meter.ScopeDaily),
	).Scan(&acc.PeriodKey, &acc.TokensInput, &acc.TokensOutput, &acc.TokensTotal, &acc.CostMicros)
	if errors.Is(err, pgx.ErrNoRows) {
		return meter.HistoryRecord{}, ErrNotFound
	}
	if err != nil {
		return meter.HistoryRecord{}, fmt.Errorf("lock accumulator: %w", err)
	}
	if acc.PeriodKey != periodKey {
		return meter.HistoryRecord{}, ErrNotFound
	}

	rec := meter.Freeze(userID, acc, now)
	if err := insertHistory(ctx, tx, rec); err != nil {
		return meter.HistoryRecord{}, err
	}

	dailyKey, _ := s.periodKeys(now)
	fresh := acc.Zeroed(dailyKey)
	if _, err := tx.Exec(ctx, `
		UPDATE usage_accumulators
		SET period_key = $3, tokens_input = 0, tokens_output = 0, tokens_total = 0, cost_micros = 0, updated_at = $4
		WHERE user_id = $1 AND scope = $2`,
		userID, string(meter.ScopeDaily), fresh.PeriodKey, now,
	); err != nil {
		return meter.HistoryRecord{}, fmt.Errorf("zero accumulator: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return meter.HistoryRecord{}, fmt.Errorf("commit reset: %w", err)
	}
	return rec, nil
}

// SweepStale closes elapsed periods for idle users. Scan and closes share one
// transaction so the SKIP LOCKED claims stay held until the batch commits;
// rows a concurrent writer holds are left for the next pass.
func (s *Postgres) SweepStale(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	dailyKey, monthlyKey := s.periodKeys(now)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT user_id, scope
		FROM usage_accumulators
		WHERE (scope = $1 AND period_key <> $2)
		   OR (scope = $3 AND period_key <> $4)
		LIMIT $5
		FOR UPDATE SKIP LOCKED`,
		string(meter.ScopeDaily), dailyKey, string(meter.ScopeMonthly), monthlyKey, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("query stale accumulators: %w", err)
	}

	type stale struct {
		userID string
		scope  meter.Scope
	}
	candidates := make([]stale, 0, limit)
	for rows.Next() {
		var c stale
		var scope string
		if err := rows.Scan(&c.userID, &scope); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale accumulator: %w", err)
		}
		c.scope = meter.Scope(scope)
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stale accumulators: %w", err)
	}

	closed := 0
	for _, c := range candidates {
		key := dailyKey
		if c.scope == meter.ScopeMonthly {
			key = monthlyKey
		}
		_, rolled, err := advanceLocked(ctx, tx, c.userID, c.scope, key, meter.Delta{}, now)
		if err != nil {
			return 0, err
		}
		if rolled {
			closed++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit sweep: %w", err)
	}
	return closed, nil
}

func (s *Postgres) RecentEvents(ctx context.Context, userID string, limit int) ([]Event, error) {
	if limit <= 0 {
		return []Event{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, model, tokens_input, tokens_output, cost_micros, ts
		FROM usage_events
		WHERE user_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		ev := Event{UserID: userID}
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Model, &ev.TokensInput, &ev.TokensOutput, &ev.CostMicros, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (s *Postgres) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM usage_events WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) BudgetOverride(ctx context.Context, userID string) (BudgetOverride, error) {
	ov := BudgetOverride{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT daily_limit_micros, monthly_limit_micros, updated_at
		FROM budget_overrides
		WHERE user_id = $1`,
		userID,
	).Scan(&ov.DailyLimitMicros, &ov.MonthlyLimitMicros, &ov.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return BudgetOverride{}, ErrNotFound
	}
	if err != nil {
		return BudgetOverride{}, fmt.Errorf("read budget override: %w", err)
	}
	return ov, nil
}

func (s *Postgres) UpsertBudgetOverride(ctx context.Context, ov BudgetOverride) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO budget_overrides (user_id, daily_limit_micros, monthly_limit_micros, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE
		SET daily_limit_micros = EXCLUDED.daily_limit_micros,
		    monthly_limit_micros = EXCLUDED.monthly_limit_micros,
		    updated_at = now()`,
		ov.UserID, ov.DailyLimitMicros, ov.MonthlyLimitMicros,
	); err != nil {
		return fmt.Errorf("upsert budget override: %w", err)
	}
	return nil
}

package meter

import "time"

// Scope identifies an independent accumulation window for a user.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeDaily   Scope = "daily"
	ScopeMonthly Scope = "monthly"
)

// Delta is the per-event increment applied to every scope of a user.
type Delta struct {
	TokensInput  int64
	TokensOutput int64
	CostMicros   int64
}

// TokensTotal returns the combined token count of the delta.
func (d Delta) TokensTotal() int64 {
	return d.TokensInput + d.TokensOutput
}

// Accumulator holds the live totals for one user and scope within an open
// period. TokensTotal always equals TokensInput+TokensOutput and values only
// grow until the period is closed.
type Accumulator struct {
	Scope        Scope
	PeriodKey    string
	TokensInput  int64
	TokensOutput int64
	TokensTotal  int64
	CostMicros   int64
}

// Apply returns the accumulator advanced by the delta. Pure; the receiver is
// not modified.
func (a Accumulator) Apply(d Delta) Accumulator {
	a.TokensInput += d.TokensInput
	a.TokensOutput += d.TokensOutput
	a.TokensTotal += d.TokensTotal()
	a.CostMicros += d.CostMicros
	return a
}

// Zeroed returns a fresh accumulator for the same scope under a new period key.
func (a Accumulator) Zeroed(periodKey string) Accumulator {
	return Accumulator{Scope: a.Scope, PeriodKey: periodKey}
}

// IsZero reports whether the accumulator carries no usage.
func (a Accumulator) IsZero() bool {
	return a.TokensInput == 0 && a.TokensOutput == 0 && a.TokensTotal == 0 && a.CostMicros == 0
}

// HistoryRecord is the immutable snapshot of a closed period.
type HistoryRecord struct {
	UserID       string
	Scope        Scope
	PeriodKey    string
	TokensInput  int64
	TokensOutput int64
	TokensTotal  int64
	CostMicros   int64
	ClosedAt     time.Time
}

// Freeze converts an accumulator into its history record.
func Freeze(userID string, acc Accumulator, closedAt time.Time) HistoryRecord {
	return HistoryRecord{
		UserID:       userID,
		Scope:        acc.Scope,
		PeriodKey:    acc.PeriodKey,
		TokensInput:  acc.TokensInput,
		TokensOutput: acc.TokensOutput,
		TokensTotal:  acc.TokensTotal,
		CostMicros:   acc.CostMicros,
		ClosedAt:     closedAt,
	}
}

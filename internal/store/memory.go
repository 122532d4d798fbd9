package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chatforge/meterd/internal/meter"
	"github.com/chatforge/meterd/internal/timeutil"
)

// Memory is the in-process Store used by tests and by single-node setups
// without Postgres. A per-user mutex mirrors the row locks of the Postgres
// implementation.
type Memory struct {
	loc *time.Location

	mu        sync.Mutex
	users     map[string]*memoryUser
	overrides map[string]BudgetOverride
	nextID    int64
}

type memoryUser struct {
	mu      sync.Mutex
	daily   meter.Accumulator
	monthly meter.Accumulator
	history map[meter.Scope]map[string]meter.HistoryRecord
	events  []Event
}

func NewMemory(loc *time.Location) *Memory {
	return &Memory{
		loc:       timeutil.EnsureLocation(loc),
		users:     make(map[string]*memoryUser),
		overrides: make(map[string]BudgetOverride),
	}
}

func (s *Memory) user(userID string) *memoryUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &memoryUser{
			daily:   meter.Accumulator{Scope: meter.ScopeDaily},
			monthly: meter.Accumulator{Scope: meter.ScopeMonthly},
			history: map[meter.Scope]map[string]meter.HistoryRecord{
				meter.ScopeDaily:   {},
				meter.ScopeMonthly: {},
			},
		}
		s.users[userID] = u
	}
	return u
}

// advance closes an elapsed period into history and applies the delta,
// under the caller-held user lock.
func (u *memoryUser) advance(acc *meter.Accumulator, userID, currentKey string, delta meter.Delta, now time.Time) {
	if acc.PeriodKey == "" {
		*acc = acc.Zeroed(currentKey)
	}
	if acc.PeriodKey != currentKey {
		rec := meter.Freeze(userID, *acc, now)
		if _, exists := u.history[acc.Scope][acc.PeriodKey]; !exists {
			u.history[acc.Scope][acc.PeriodKey] = rec
		}
		*acc = acc.Zeroed(currentKey)
	}
	*acc = acc.Apply(delta)
}

func (s *Memory) ApplyUsage(ctx context.Context, ev Event, now time.Time) error {
	dailyKey := timeutil.DayKey(now, s.loc)
	monthlyKey := timeutil.MonthKey(now, s.loc)

	u := s.user(ev.UserID)
	u.mu.Lock()
	defer u.mu.Unlock()

	u.advance(&u.daily, ev.UserID, dailyKey, ev.Delta(), now)
	u.advance(&u.monthly, ev.UserID, monthlyKey, ev.Delta(), now)

	s.mu.Lock()
	s.nextID++
	ev.ID = s.nextID
	s.mu.Unlock()
	u.events = append(u.events, ev)
	return nil
}

func (s *Memory) LiveAccumulators(ctx context.Context, userID string, now time.Time) (meter.Accumulator, meter.Accumulator, error) {
	dailyKey := timeutil.DayKey(now, s.loc)
	monthlyKey := timeutil.MonthKey(now, s.loc)

	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	u.advance(&u.daily, userID, dailyKey, meter.Delta{}, now)
	u.advance(&u.monthly, userID, monthlyKey, meter.Delta{}, now)
	return u.daily, u.monthly, nil
}

func (s *Memory) History(ctx context.Context, userID string, scope meter.Scope, count int) ([]meter.HistoryRecord, error) {
	if count <= 0 {
		return []meter.HistoryRecord{}, nil
	}

	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	records := make([]meter.HistoryRecord, 0, len(u.history[scope]))
	for _, rec := range u.history[scope] {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PeriodKey > records[j].PeriodKey })
	if len(records) > count {
		records = records[:count]
	}
	return records, nil
}

func (s *Memory) ResetDaily(ctx context.Context, userID, periodKey string, now time.Time) (meter.HistoryRecord, error) {
	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, exists := u.history[meter.ScopeDaily][periodKey]; exists {
		return meter.HistoryRecord{}, meter.ErrAlreadyClosed
	}
	if u.daily.PeriodKey != periodKey {
		return meter.HistoryRecord{}, ErrNotFound
	}

	rec := meter.Freeze(userID, u.daily, now)
	u.history[meter.ScopeDaily][periodKey] = rec
	u.daily = u.daily.Zeroed(timeutil.DayKey(now, s.loc))
	return rec, nil
}

func (s *Memory) SweepStale(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	dailyKey := timeutil.DayKey(now, s.loc)
	monthlyKey := timeutil.MonthKey(now, s.loc)

	s.mu.Lock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	closed := 0
	for _, id := range ids {
		if closed >= limit {
			break
		}
		u := s.user(id)
		u.mu.Lock()
		if u.daily.PeriodKey != "" && u.daily.PeriodKey != dailyKey {
			u.advance(&u.daily, id, dailyKey, meter.Delta{}, now)
			closed++
		}
		if closed < limit && u.monthly.PeriodKey != "" && u.monthly.PeriodKey != monthlyKey {
			u.advance(&u.monthly, id, monthlyKey, meter.Delta{}, now)
			closed++
		}
		u.mu.Unlock()
	}
	return closed, nil
}

func (s *Memory) RecentEvents(ctx context.Context, userID string, limit int) ([]Event, error) {
	if limit <= 0 {
		return []Event{}, nil
	}

	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	events := make([]Event, len(u.events))
	copy(events, u.events)
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.After(events[j].Timestamp)
		}
		return events[i].ID > events[j].ID
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Memory) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	users := make([]*memoryUser, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.Unlock()

	var pruned int64
	for _, u := range users {
		u.mu.Lock()
		kept := u.events[:0]
		for _, ev := range u.events {
			if ev.Timestamp.Before(before) {
				pruned++
				continue
			}
			kept = append(kept, ev)
		}
		u.events = kept
		u.mu.Unlock()
	}
	return pruned, nil
}

func (s *Memory) BudgetOverride(ctx context.Context, userID string) (BudgetOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov, ok := s.overrides[userID]
	if !ok {
		return BudgetOverride{}, ErrNotFound
	}
	return ov, nil
}

func (s *Memory) UpsertBudgetOverride(ctx context.Context, ov BudgetOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov.UpdatedAt = time.Now()
	s.overrides[ov.UserID] = ov
	return nil
}

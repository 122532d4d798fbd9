package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatforge/meterd/internal/meter"
)

const (
	sessionHashPrefix    = "meterd:session:"
	sessionCurrentPrefix = "meterd:session:current:"

	fieldTokensInput  = "tokens_input"
	fieldTokensOutput = "tokens_output"
	fieldTokensTotal  = "tokens_total"
	fieldCostMicros   = "cost_micros"
)

// SessionStore keeps per-session counters in Redis. Session usage is
// deliberately ephemeral: it disappears on explicit reset, on TTL expiry,
// or when Redis restarts without persistence.
type SessionStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewSessionStore(rdb redis.UniversalClient, ttl time.Duration) *SessionStore {
	return &SessionStore{rdb: rdb, ttl: ttl}
}

func sessionHashKey(userID, sessionID string) string {
	return sessionHashPrefix + userID + ":" + sessionID
}

func sessionCurrentKey(userID string) string {
	return sessionCurrentPrefix + userID
}

// Apply increments the session counters and marks the session as the user's
// most recent one. All writes go through one pipeline so the counters stay
// mutually consistent.
func (s *SessionStore) Apply(ctx context.Context, userID, sessionID string, delta meter.Delta) error {
	hashKey := sessionHashKey(userID, sessionID)

	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, hashKey, fieldTokensInput, delta.TokensInput)
	pipe.HIncrBy(ctx, hashKey, fieldTokensOutput, delta.TokensOutput)
	pipe.HIncrBy(ctx, hashKey, fieldTokensTotal, delta.TokensTotal())
	pipe.HIncrBy(ctx, hashKey, fieldCostMicros, delta.CostMicros)
	if s.ttl > 0 {
		pipe.Expire(ctx, hashKey, s.ttl)
		pipe.Set(ctx, sessionCurrentKey(userID), sessionID, s.ttl)
	} else {
		pipe.Set(ctx, sessionCurrentKey(userID), sessionID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("apply session usage: %w", err)
	}
	return nil
}

// Current returns the accumulator of the user's most recent session. A user
// without a live session gets a zero accumulator with an empty session id.
func (s *SessionStore) Current(ctx context.Context, userID string) (meter.Accumulator, error) {
	sessionID, err := s.rdb.Get(ctx, sessionCurrentKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return meter.Accumulator{Scope: meter.ScopeSession}, nil
	}
	if err != nil {
		return meter.Accumulator{}, fmt.Errorf("read current session: %w", err)
	}
	return s.Session(ctx, userID, sessionID)
}

// Session returns the accumulator of one specific session.
func (s *SessionStore) Session(ctx context.Context, userID, sessionID string) (meter.Accumulator, error) {
	fields, err := s.rdb.HGetAll(ctx, sessionHashKey(userID, sessionID)).Result()
	if err != nil {
		return meter.Accumulator{}, fmt.Errorf("read session counters: %w", err)
	}

	acc := meter.Accumulator{Scope: meter.ScopeSession, PeriodKey: sessionID}
	acc.TokensInput = parseCounter(fields[fieldTokensInput])
	acc.TokensOutput = parseCounter(fields[fieldTokensOutput])
	acc.TokensTotal = parseCounter(fields[fieldTokensTotal])
	acc.CostMicros = parseCounter(fields[fieldCostMicros])
	return acc, nil
}

// Reset drops the user's current session counters. Resetting a user without
// a live session is a no-op.
func (s *SessionStore) Reset(ctx context.Context, userID string) error {
	sessionID, err := s.rdb.Get(ctx, sessionCurrentKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read current session: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionHashKey(userID, sessionID))
	pipe.Del(ctx, sessionCurrentKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}

func parseCounter(raw string) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

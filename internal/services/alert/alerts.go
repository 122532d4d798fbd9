// Package alert delivers budget threshold notifications after usage is
// recorded. Delivery is advisory and never blocks or fails metering.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chatforge/meterd/internal/meter"
)

// Payload describes one threshold crossing for a user and scope.
type Payload struct {
	UserID      string
	Scope       meter.Scope
	Level       meter.Level
	UsedMicros  int64
	LimitMicros int64
	PercentUsed float64
	Timestamp   time.Time
	Webhooks    []string
}

// Sink receives budget alerts.
type Sink interface {
	Notify(ctx context.Context, payload Payload) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, payload Payload) error {
	if s == nil || s.logger == nil {
		return nil
	}
	s.logger.WarnContext(ctx, "budget alert",
		slog.String("user_id", payload.UserID),
		slog.String("scope", string(payload.Scope)),
		slog.String("level", string(payload.Level)),
		slog.Int64("used_micros", payload.UsedMicros),
		slog.Int64("limit_micros", payload.LimitMicros),
		slog.Float64("percent_used", payload.PercentUsed),
		slog.Time("timestamp", payload.Timestamp.UTC()),
	)
	return nil
}

// CompositeSink fans out notifications to multiple sinks.
type CompositeSink struct {
	sinks []Sink
}

func NewCompositeSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		filtered = append(filtered, sink)
	}
	if len(filtered) == 0 {
		return nil
	}
	return &CompositeSink{sinks: filtered}
}

func (c *CompositeSink) Notify(ctx context.Context, payload Payload) error {
	if c == nil {
		return nil
	}
	var err error
	for _, sink := range c.sinks {
		if notifyErr := sink.Notify(ctx, payload); notifyErr != nil {
			err = errorsJoin(err, notifyErr)
		}
	}
	return err
}

func errorsJoin(base error, next error) error {
	if base == nil {
		return next
	}
	if next == nil {
		return base
	}
	return errors.Join(base, next)
}

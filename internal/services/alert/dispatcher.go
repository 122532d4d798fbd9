package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatforge/meterd/internal/config"
	"github.com/chatforge/meterd/internal/meter"
)

// Dispatcher decides which threshold crossings are worth delivering and
// applies a per-user cooldown so repeated events at the same tier do not
// flood the sinks.
type Dispatcher struct {
	sink     Sink
	webhooks []string
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[cooldownKey]time.Time

	now func() time.Time
}

type cooldownKey struct {
	userID string
	scope  meter.Scope
	level  meter.Level
}

func NewDispatcher(sink Sink, cfg config.BudgetAlertConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sink:     sink,
		webhooks: cfg.Webhooks,
		cooldown: cfg.Cooldown,
		logger:   logger,
		lastSent: make(map[cooldownKey]time.Time),
		now:      time.Now,
	}
}

// Observe inspects a scope classification after an ingest and notifies when
// the user sits at or above the warning tier. Delivery failures are logged
// and swallowed.
func (d *Dispatcher) Observe(ctx context.Context, userID string, scope meter.Scope, cls meter.Classification, usedMicros, limitMicros int64) {
	if d == nil || d.sink == nil || cls.Level == meter.LevelNormal {
		return
	}

	key := cooldownKey{userID: userID, scope: scope, level: cls.Level}
	now := d.now()

	d.mu.Lock()
	if last, ok := d.lastSent[key]; ok && d.cooldown > 0 && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		return
	}
	d.lastSent[key] = now
	d.mu.Unlock()

	payload := Payload{
		UserID:      userID,
		Scope:       scope,
		Level:       cls.Level,
		UsedMicros:  usedMicros,
		LimitMicros: limitMicros,
		PercentUsed: cls.PercentUsed,
		Timestamp:   now,
		Webhooks:    d.webhooks,
	}
	if err := d.sink.Notify(ctx, payload); err != nil {
		d.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("user_id", userID),
			slog.String("scope", string(scope)),
			slog.String("level", string(cls.Level)),
			slog.String("error", err.Error()),
		)
	}
}

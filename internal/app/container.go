package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/chatforge/meterd/internal/auth"
	"github.com/chatforge/meterd/internal/cache"
	"github.com/chatforge/meterd/internal/config"
	"github.com/chatforge/meterd/internal/limits"
	"github.com/chatforge/meterd/internal/meter"
	"github.com/chatforge/meterd/internal/observability"
	"github.com/chatforge/meterd/internal/pricing"
	alertsvc "github.com/chatforge/meterd/internal/services/alert"
	budgetsvc "github.com/chatforge/meterd/internal/services/budget"
	ingestsvc "github.com/chatforge/meterd/internal/services/ingest"
	querysvc "github.com/chatforge/meterd/internal/services/query"
	rollupsvc "github.com/chatforge/meterd/internal/services/rollup"
	"github.com/chatforge/meterd/internal/store"
)

// Container aggregates runtime dependencies for handlers and services.
type Container struct {
	Config        *config.Config
	DBPool        *pgxpool.Pool
	Redis         *redis.Client
	Store         store.Store
	Sessions      *store.SessionStore
	Pricing       *pricing.Table
	Budgets       *budgetsvc.Service
	Ingest        *ingestsvc.Service
	Query         *querysvc.Service
	Rollup        *rollupsvc.Service
	Tokens        *auth.TokenManager
	Idempotency   *cache.IdempotencyCache
	RateLimit     *limits.RateLimiter
	Observability *observability.Provider

	ReportingLocation *time.Location
}

// NewContainer builds a dependency container from the provided primitives.
func NewContainer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("db pool is required")
	}
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	locName := strings.TrimSpace(cfg.Reporting.Timezone)
	if locName == "" {
		locName = "UTC"
	}
	reportingLoc, err := time.LoadLocation(locName)
	if err != nil {
		return nil, fmt.Errorf("load reporting timezone: %w", err)
	}

	obsProvider, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("init token manager: %w", err)
	}

	counterStore := store.NewPostgres(pool, reportingLoc)
	sessions := store.NewSessionStore(redisClient, cfg.Retention.SessionTTL)
	idem := cache.NewIdempotencyCache(redisClient, cfg.Ingest.IdempotencyTTL)
	rateLimit := limits.NewRateLimiter(redisClient, cfg.Server.RequestsPerMinute)
	prices := pricing.New(cfg.Pricing)

	budgets := budgetsvc.NewService(counterStore, cfg.Budgets)
	if err := applyBootstrapOverrides(ctx, budgets, cfg.Bootstrap); err != nil {
		return nil, err
	}

	var dispatcher *alertsvc.Dispatcher
	if cfg.Budgets.Alert.Enabled {
		sink := alertsvc.NewCompositeSink(
			alertsvc.NewWebhookSink(cfg.Budgets.Alert.Webhook),
			alertsvc.NewLogSink(slog.Default()),
		)
		dispatcher = alertsvc.NewDispatcher(sink, cfg.Budgets.Alert, slog.Default())
	}

	ingest := ingestsvc.NewService(counterStore, sessions, prices, budgets, dispatcher, idem, obsProvider, slog.Default(), cfg.Ingest)
	query := querysvc.NewService(counterStore, sessions, budgets)
	rollup := rollupsvc.NewService(counterStore, sessions, obsProvider, slog.Default(), cfg.Rollup, cfg.Retention, reportingLoc)

	return &Container{
		Config:            cfg,
		DBPool:            pool,
		Redis:             redisClient,
		Store:             counterStore,
		Sessions:          sessions,
		Pricing:           prices,
		Budgets:           budgets,
		Ingest:            ingest,
		Query:             query,
		Rollup:            rollup,
		Tokens:            tokens,
		Idempotency:       idem,
		RateLimit:         rateLimit,
		Observability:     obsProvider,
		ReportingLocation: reportingLoc,
	}, nil
}

// applyBootstrapOverrides seeds per-user budget ceilings from configuration.
func applyBootstrapOverrides(ctx context.Context, budgets *budgetsvc.Service, bootstrap config.BootstrapConfig) error {
	for _, entry := range bootstrap.BudgetOverrides {
		if strings.TrimSpace(entry.UserID) == "" {
			continue
		}
		ov := store.BudgetOverride{UserID: entry.UserID}
		if entry.DailyUSD != nil {
			v := meter.MicrosFromDecimal(decimal.NewFromFloat(*entry.DailyUSD))
			ov.DailyLimitMicros = &v
		}
		if entry.MonthlyUSD != nil {
			v := meter.MicrosFromDecimal(decimal.NewFromFloat(*entry.MonthlyUSD))
			ov.MonthlyLimitMicros = &v
		}
		if ov.DailyLimitMicros == nil && ov.MonthlyLimitMicros == nil {
			continue
		}
		if err := budgets.SetOverride(ctx, ov); err != nil {
			return fmt.Errorf("bootstrap budget override for %s: %w", entry.UserID, err)
		}
	}
	return nil
}

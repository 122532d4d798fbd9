package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the metering service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Budgets       BudgetConfig        `mapstructure:"budgets"`
	Pricing       PricingConfig       `mapstructure:"pricing"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Rollup        RollupConfig        `mapstructure:"rollup"`
	Retention     RetentionConfig     `mapstructure:"retention"`
	Reporting     ReportingConfig     `mapstructure:"reporting"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Bootstrap     BootstrapConfig     `mapstructure:"bootstrap"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
	RequestsPerMinute     int           `mapstructure:"requests_per_minute"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MinConns        int32         `mapstructure:"min_conns"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// BudgetConfig holds the global ceilings; a zero limit means "no budget configured".
type BudgetConfig struct {
	DefaultDailyUSD    float64           `mapstructure:"default_daily_usd"`
	DefaultMonthlyUSD  float64           `mapstructure:"default_monthly_usd"`
	HighThresholdPerc  float64           `mapstructure:"high_threshold_perc"`
	LimitThresholdPerc float64           `mapstructure:"limit_threshold_perc"`
	OverrideCacheTTL   time.Duration     `mapstructure:"override_cache_ttl"`
	Alert              BudgetAlertConfig `mapstructure:"alert"`
}

type BudgetAlertConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Webhooks []string      `mapstructure:"webhooks"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	Webhook  WebhookConfig `mapstructure:"webhook"`
}

type WebhookConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// PricingConfig describes per-million-token rates used when callers do not
// supply a precomputed cost.
type PricingConfig struct {
	DefaultInputPerMTok  float64      `mapstructure:"default_input_per_mtok"`
	DefaultOutputPerMTok float64      `mapstructure:"default_output_per_mtok"`
	Models               []ModelPrice `mapstructure:"models"`
}

type ModelPrice struct {
	Model         string  `mapstructure:"model"`
	InputPerMTok  float64 `mapstructure:"input_per_mtok"`
	OutputPerMTok float64 `mapstructure:"output_per_mtok"`
}

type IngestConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type RollupConfig struct {
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize int           `mapstructure:"sweep_batch_size"`
}

type RetentionConfig struct {
	EventDays  int           `mapstructure:"event_days"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type ReportingConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Issuer         string        `mapstructure:"issuer"`
}

// BootstrapConfig seeds per-user budget overrides at startup.
type BootstrapConfig struct {
	BudgetOverrides []BootstrapBudgetOverride `mapstructure:"budget_overrides"`
}

type BootstrapBudgetOverride struct {
	UserID     string   `mapstructure:"user_id"`
	DailyUSD   *float64 `mapstructure:"daily_usd"`
	MonthlyUSD *float64 `mapstructure:"monthly_usd"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else {
		if cfg := os.Getenv("METERD_CONFIG_FILE"); cfg != "" {
			v.SetConfigFile(cfg)
			explicitFile = true
		}
	}

	if !explicitFile {
		// Allow standard lookup locations when no explicit file is provided.
		v.SetConfigName("meterd")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("METERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and fills derivable defaults.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.URL == "" {
		missing = append(missing, "METERD_DATABASE_URL")
	}
	if c.Redis.URL == "" {
		missing = append(missing, "METERD_REDIS_URL")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "METERD_AUTH_JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Budgets.DefaultDailyUSD < 0 {
		return fmt.Errorf("budgets.default_daily_usd must be >= 0")
	}
	if c.Budgets.DefaultMonthlyUSD < 0 {
		return fmt.Errorf("budgets.default_monthly_usd must be >= 0")
	}
	if c.Budgets.HighThresholdPerc <= 0 || c.Budgets.HighThresholdPerc >= 1 {
		return fmt.Errorf("budgets.high_threshold_perc must be between 0 and 1 exclusive")
	}
	if c.Budgets.LimitThresholdPerc <= c.Budgets.HighThresholdPerc || c.Budgets.LimitThresholdPerc > 1 {
		return fmt.Errorf("budgets.limit_threshold_perc must be greater than high_threshold_perc and at most 1")
	}
	if c.Budgets.OverrideCacheTTL <= 0 {
		c.Budgets.OverrideCacheTTL = 30 * time.Second
	}
	c.Budgets.Alert.Webhooks = normalizeStringSlice(c.Budgets.Alert.Webhooks)
	if c.Budgets.Alert.Cooldown <= 0 {
		c.Budgets.Alert.Cooldown = time.Hour
	}
	if c.Budgets.Alert.Webhook.Timeout <= 0 {
		c.Budgets.Alert.Webhook.Timeout = 5 * time.Second
	}
	if c.Budgets.Alert.Webhook.MaxRetries <= 0 {
		c.Budgets.Alert.Webhook.MaxRetries = 3
	}

	if c.Pricing.DefaultInputPerMTok < 0 || c.Pricing.DefaultOutputPerMTok < 0 {
		return fmt.Errorf("pricing default rates must be >= 0")
	}
	for i, entry := range c.Pricing.Models {
		if strings.TrimSpace(entry.Model) == "" {
			return fmt.Errorf("pricing.models[%d].model must be provided", i)
		}
		if entry.InputPerMTok < 0 || entry.OutputPerMTok < 0 {
			return fmt.Errorf("pricing.models[%d] rates must be >= 0", i)
		}
	}

	if c.Ingest.MaxAttempts <= 0 {
		c.Ingest.MaxAttempts = 3
	}
	if c.Ingest.RetryBaseDelay <= 0 {
		c.Ingest.RetryBaseDelay = 50 * time.Millisecond
	}
	if c.Ingest.IdempotencyTTL <= 0 {
		c.Ingest.IdempotencyTTL = 30 * time.Minute
	}

	if c.Rollup.SweepInterval <= 0 {
		c.Rollup.SweepInterval = 5 * time.Minute
	}
	if c.Rollup.SweepBatchSize <= 0 {
		c.Rollup.SweepBatchSize = 200
	}

	if c.Retention.EventDays <= 0 {
		c.Retention.EventDays = 30
	}
	if c.Retention.SessionTTL <= 0 {
		c.Retention.SessionTTL = 168 * time.Hour
	}

	reportingTZ := strings.TrimSpace(c.Reporting.Timezone)
	if reportingTZ == "" {
		reportingTZ = "UTC"
	}
	if _, err := time.LoadLocation(reportingTZ); err != nil {
		return fmt.Errorf("invalid reporting.timezone: %w", err)
	}
	c.Reporting.Timezone = reportingTZ

	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		c.Auth.Issuer = "meterd"
	}

	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}
	if c.Server.RequestsPerMinute < 0 {
		return fmt.Errorf("server.requests_per_minute must be >= 0")
	}

	if err := c.Bootstrap.validate(); err != nil {
		return err
	}

	return nil
}

func (b *BootstrapConfig) validate() error {
	for i, ov := range b.BudgetOverrides {
		if strings.TrimSpace(ov.UserID) == "" {
			return fmt.Errorf("bootstrap.budget_overrides[%d].user_id must be provided", i)
		}
		if ov.DailyUSD != nil && *ov.DailyUSD < 0 {
			return fmt.Errorf("bootstrap.budget_overrides[%d].daily_usd must be >= 0", i)
		}
		if ov.MonthlyUSD != nil && *ov.MonthlyUSD < 0 {
			return fmt.Errorf("bootstrap.budget_overrides[%d].monthly_usd must be >= 0", i)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.body_limit_mb", 4)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")
	v.SetDefault("server.requests_per_minute", 120)

	v.SetDefault("budgets.default_daily_usd", 100.0)
	v.SetDefault("budgets.default_monthly_usd", 3000.0)
	v.SetDefault("budgets.high_threshold_perc", 0.80)
	v.SetDefault("budgets.limit_threshold_perc", 0.95)
	v.SetDefault("budgets.override_cache_ttl", "30s")
	v.SetDefault("budgets.alert.enabled", false)
	v.SetDefault("budgets.alert.webhooks", []string{})
	v.SetDefault("budgets.alert.cooldown", "1h")
	v.SetDefault("budgets.alert.webhook.timeout", "5s")
	v.SetDefault("budgets.alert.webhook.max_retries", 3)

	v.SetDefault("pricing.default_input_per_mtok", 3.0)
	v.SetDefault("pricing.default_output_per_mtok", 15.0)

	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.retry_base_delay", "50ms")
	v.SetDefault("ingest.idempotency_ttl", "30m")

	v.SetDefault("rollup.sweep_interval", "5m")
	v.SetDefault("rollup.sweep_batch_size", 200)

	v.SetDefault("retention.event_days", 30)
	v.SetDefault("retention.session_ttl", "168h")

	v.SetDefault("reporting.timezone", "UTC")

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")

	v.SetDefault("auth.access_token_ttl", "24h")
	v.SetDefault("auth.issuer", "meterd")

	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clean := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}

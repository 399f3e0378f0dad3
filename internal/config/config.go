package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Scheduling SchedulingConfig `yaml:"scheduling" mapstructure:"scheduling"`
	Approval   ApprovalConfig   `yaml:"approval" mapstructure:"approval"`
	Quote      QuoteConfig      `yaml:"quote" mapstructure:"quote"`
	Ratebook   RatebookConfig   `yaml:"ratebook" mapstructure:"ratebook"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	TenantRateLimit    float64  `yaml:"tenant_rate_limit" mapstructure:"tenant_rate_limit"`
	TenantBurst        int      `yaml:"tenant_burst" mapstructure:"tenant_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// GeocodeConfig configures address geocoding. The Census geocoder needs no
// key; Google is used as a fallback only when GoogleAPIKey is set.
type GeocodeConfig struct {
	GoogleAPIKey     string  `yaml:"google_api_key" mapstructure:"google_api_key"`
	RateLimit        float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// SchedulingConfig configures clustering and route planning.
type SchedulingConfig struct {
	MaxJobsPerDay      int     `yaml:"max_jobs_per_day" mapstructure:"max_jobs_per_day"`
	DefaultRadiusMiles float64 `yaml:"default_radius_miles" mapstructure:"default_radius_miles"`
	MinutesPerMile     float64 `yaml:"minutes_per_mile" mapstructure:"minutes_per_mile"`
	DefaultJobMinutes  int     `yaml:"default_job_minutes" mapstructure:"default_job_minutes"`
	SearchWindowDays   int     `yaml:"search_window_days" mapstructure:"search_window_days"`
	FuelCostPerMile    float64 `yaml:"fuel_cost_per_mile" mapstructure:"fuel_cost_per_mile"`
}

// ApprovalConfig configures the pricing approval workflow.
type ApprovalConfig struct {
	TTLHours int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// TTL returns the approval time-to-live.
func (c ApprovalConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// QuoteConfig configures the quote lifecycle.
type QuoteConfig struct {
	ExpiryDays int `yaml:"expiry_days" mapstructure:"expiry_days"`
}

// RatebookConfig configures the per-tenant ratebook cache.
type RatebookConfig struct {
	CacheTTLSecs int `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	CacheEntries int `yaml:"cache_entries" mapstructure:"cache_entries"`
}

// RetryConfig configures retries of serialization failures and geocoder calls.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FENCEPRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("server.tenant_rate_limit", 20.0)
	v.SetDefault("server.tenant_burst", 40)
	v.SetDefault("geocode.rate_limit", 10.0)
	v.SetDefault("geocode.timeout_secs", 10)
	v.SetDefault("geocode.failure_threshold", 5)
	v.SetDefault("geocode.reset_timeout_secs", 30)
	v.SetDefault("scheduling.max_jobs_per_day", 6)
	v.SetDefault("scheduling.default_radius_miles", 15.0)
	v.SetDefault("scheduling.minutes_per_mile", 2.0)
	v.SetDefault("scheduling.default_job_minutes", 240)
	v.SetDefault("scheduling.search_window_days", 14)
	v.SetDefault("scheduling.fuel_cost_per_mile", 0.65)
	v.SetDefault("approval.ttl_hours", 168)
	v.SetDefault("quote.expiry_days", 30)
	v.SetDefault("ratebook.cache_ttl_secs", 300)
	v.SetDefault("ratebook.cache_entries", 256)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 50)
	v.SetDefault("retry.max_backoff_ms", 2000)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Validate checks the settings a command mode depends on and reports every
// problem at once. Modes: "serve" (HTTP API) and "cli" (one-shot commands).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url must name the sqlite file")
		}
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	if c.Scheduling.MaxJobsPerDay < 1 {
		errs = append(errs, "scheduling.max_jobs_per_day must be >= 1")
	}
	if c.Scheduling.DefaultRadiusMiles <= 0 {
		errs = append(errs, "scheduling.default_radius_miles must be > 0")
	}
	if c.Scheduling.MinutesPerMile < 0 || c.Scheduling.FuelCostPerMile < 0 {
		errs = append(errs, "scheduling rates must be >= 0")
	}
	if c.Approval.TTLHours < 1 {
		errs = append(errs, "approval.ttl_hours must be >= 1")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	case "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

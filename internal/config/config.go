package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Storage backends selectable through STORAGE and CONFIG_STORE.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
	StorageRedis    = "redis"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	Storage            string        `mapstructure:"STORAGE"`
	ConfigStore        string        `mapstructure:"CONFIG_STORE"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RepoTimeout        time.Duration `mapstructure:"REPO_TIMEOUT"`
	BreakerMaxFailures uint32        `mapstructure:"BREAKER_MAX_FAILURES"`
	BreakerOpenTimeout time.Duration `mapstructure:"BREAKER_OPEN_TIMEOUT"`
	TracingEnabled     bool          `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint       string        `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate    float64       `mapstructure:"TRACE_SAMPLE_RATE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"STORAGE", "CONFIG_STORE", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "REPO_TIMEOUT",
	"BREAKER_MAX_FAILURES", "BREAKER_OPEN_TIMEOUT",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("STORAGE", StoragePostgres)
	v.SetDefault("CONFIG_STORE", StoragePostgres)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("REPO_TIMEOUT", "3s")
	v.SetDefault("BREAKER_MAX_FAILURES", 5)
	v.SetDefault("BREAKER_OPEN_TIMEOUT", "30s")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.Storage = strings.ToLower(cfg.Storage)
	cfg.ConfigStore = strings.ToLower(cfg.ConfigStore)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() {
		log.Warn().Msg("server is running in DEVELOPMENT mode: requests without a token get admin access")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NeedsPostgres reports whether any configured store lives in Postgres.
func (c *Config) NeedsPostgres() bool {
	return c.Storage == StoragePostgres || c.ConfigStore == StoragePostgres
}

// Level parses LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}
	switch c.ConfigStore {
	case StoragePostgres, StorageMemory, StorageRedis:
	default:
		return fmt.Errorf("CONFIG_STORE must be %q, %q or %q, got %q",
			StoragePostgres, StorageRedis, StorageMemory, c.ConfigStore)
	}
	if c.NeedsPostgres() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.ConfigStore == StorageRedis && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when CONFIG_STORE is %q", StorageRedis)
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes")
	}
	if c.Storage == StorageMemory && c.IsProduction() {
		return fmt.Errorf("STORAGE=memory is not allowed in production")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1")
	}
	if c.RepoTimeout < 0 || c.RequestTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	return nil
}

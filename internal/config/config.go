package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	LogLevel       string   `mapstructure:"LOG_LEVEL"`
	StorageDriver  string   `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultClinic  string   `mapstructure:"DEFAULT_CLINIC"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	RedisStream    string   `mapstructure:"REDIS_STREAM"`

	SideChannelQueueSize   int           `mapstructure:"SIDECHANNEL_QUEUE_SIZE"`
	SideChannelWorkers     int           `mapstructure:"SIDECHANNEL_WORKERS"`
	SideChannelMaxAttempts int           `mapstructure:"SIDECHANNEL_MAX_ATTEMPTS"`
	SideChannelRetryBase   time.Duration `mapstructure:"SIDECHANNEL_RETRY_BASE"`
	RequestTimeout         time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var boundKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORAGE_DRIVER", "DATABASE_URL",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_CLINIC",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"REDIS_URL", "REDIS_STREAM",
	"SIDECHANNEL_QUEUE_SIZE", "SIDECHANNEL_WORKERS", "SIDECHANNEL_MAX_ATTEMPTS",
	"SIDECHANNEL_RETRY_BASE", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE_DRIVER", StorageDriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_CLINIC", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REDIS_STREAM", "anamnesis:audit-trail")
	v.SetDefault("SIDECHANNEL_QUEUE_SIZE", 1024)
	v.SetDefault("SIDECHANNEL_WORKERS", 2)
	v.SetDefault("SIDECHANNEL_MAX_ATTEMPTS", 5)
	v.SetDefault("SIDECHANNEL_RETRY_BASE", "200ms")
	v.SetDefault("REQUEST_TIMEOUT", "15s")

	for _, k := range boundKeys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.StorageDriver == StorageDriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER is %q", StorageDriverPostgres)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesPostgres reports whether records are persisted in Postgres.
func (c *Config) UsesPostgres() bool {
	return c.StorageDriver == StorageDriverPostgres
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT signing key is mandatory; the dev identity middleware is never used
// in production.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres storage driver")
		}
	case StorageDriverMemory:
		if !c.IsDev() {
			return fmt.Errorf("STORAGE_DRIVER=memory is only allowed when ENV=development")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StorageDriverPostgres, StorageDriverMemory, c.StorageDriver)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env)
	}

	if c.SideChannelQueueSize <= 0 {
		return fmt.Errorf("SIDECHANNEL_QUEUE_SIZE must be positive, got %d", c.SideChannelQueueSize)
	}
	if c.SideChannelWorkers <= 0 {
		return fmt.Errorf("SIDECHANNEL_WORKERS must be positive, got %d", c.SideChannelWorkers)
	}
	if c.SideChannelMaxAttempts <= 0 {
		return fmt.Errorf("SIDECHANNEL_MAX_ATTEMPTS must be positive, got %d", c.SideChannelMaxAttempts)
	}

	return nil
}

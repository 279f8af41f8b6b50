// Package config loads approvalflow settings from a YAML file and
// APPROVALFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backends accepted in store.backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Config holds the configuration for the approvalflow command.
type Config struct {
	Store struct {
		Backend string `mapstructure:"backend"`
		// DSN is a file path or DSN for sqlite and postgres, host:port for
		// redis and a connection URI for mongo.
		DSN      string `mapstructure:"dsn"`
		Prefix   string `mapstructure:"prefix"`
		Database string `mapstructure:"database"`
	} `mapstructure:"store"`
	Cache struct {
		MaxSize    int           `mapstructure:"max_size"`
		DefaultTTL time.Duration `mapstructure:"default_ttl"`
	} `mapstructure:"cache"`
	Engine struct {
		MaxRetries int `mapstructure:"max_retries"`
	} `mapstructure:"engine"`
	Worker struct {
		SweepInterval  time.Duration `mapstructure:"sweep_interval"`
		Concurrency    int           `mapstructure:"concurrency"`
		MaxAttempts    int           `mapstructure:"max_attempts"`
		InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	} `mapstructure:"worker"`
	Tracing struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"tracing"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	// Roles feeds the static approver resolver: role -> user ids.
	Roles map[string][]string `mapstructure:"roles"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.prefix", "approvalflow:")
	v.SetDefault("store.database", "approvalflow")
	v.SetDefault("cache.max_size", 10000)
	v.SetDefault("cache.default_ttl", 5*time.Minute)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("worker.sweep_interval", time.Minute)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.initial_backoff", time.Second)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. When path is empty it looks for
// approvalflow.yaml in the working directory and ./config, and a missing
// file is not an error. Environment variables override file values, e.g.
// APPROVALFLOW_STORE_BACKEND.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("APPROVALFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("approvalflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres, BackendRedis, BackendMongo:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("engine.max_retries must be at least 1, got %d", c.Engine.MaxRetries)
	}
	if c.Worker.SweepInterval <= 0 {
		return fmt.Errorf("worker.sweep_interval must be positive, got %s", c.Worker.SweepInterval)
	}
	return nil
}

// NewLogger builds the slog logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Package config loads tripledger settings: defaults, then an optional TOML
// file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendRedis    = "redis"
)

// Duration lets TOML files spell intervals as "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Config holds the application configuration.
type Config struct {
	Environment       string   `toml:"environment"`
	DatabaseURL       string   `toml:"database_url"`
	RedisAddr         string   `toml:"redis_addr"`
	HTTPAddr          string   `toml:"http_addr"`
	GRPCAddr          string   `toml:"grpc_addr"`
	StoreBackend      string   `toml:"store_backend"`
	LeaseBackend      string   `toml:"lease_backend"`
	AuditDSN          string   `toml:"audit_dsn"`
	LogLevel          string   `toml:"log_level"`
	ReconcileInterval Duration `toml:"reconcile_interval"`
	// RateLimitPerMinute of 0 disables the Redis rate limiter.
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
	// Agents seeds the in-memory directory. Ignored with the postgres store.
	Agents []AgentSeed `toml:"agents"`
}

type AgentSeed struct {
	ID     string `toml:"id"`
	Name   string `toml:"name"`
	Role   string `toml:"role"`
	Branch string `toml:"branch"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Environment:       "development",
		HTTPAddr:          ":8080",
		GRPCAddr:          ":9090",
		StoreBackend:      BackendMemory,
		LeaseBackend:      BackendLocal,
		LogLevel:          "info",
		ReconcileInterval: Duration{5 * time.Minute},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by TRIPLEDGER_CONFIG, if set, plus the environment.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv("TRIPLEDGER_CONFIG"))
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"APP_ENV":       &c.Environment,
		"DATABASE_URL":  &c.DatabaseURL,
		"REDIS_ADDR":    &c.RedisAddr,
		"HTTP_ADDR":     &c.HTTPAddr,
		"GRPC_ADDR":     &c.GRPCAddr,
		"STORE_BACKEND": &c.StoreBackend,
		"LEASE_BACKEND": &c.LeaseBackend,
		"AUDIT_DSN":     &c.AuditDSN,
		"LOG_LEVEL":     &c.LogLevel,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup("RECONCILE_INTERVAL"); ok {
		if err := c.ReconcileInterval.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("config: RECONCILE_INTERVAL: %w", err)
		}
	}
	if v, ok := lookup("RATE_LIMIT_PER_MINUTE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: RATE_LIMIT_PER_MINUTE: %w", err)
		}
		c.RateLimitPerMinute = n
	}
	c.StoreBackend = strings.ToLower(c.StoreBackend)
	c.LeaseBackend = strings.ToLower(c.LeaseBackend)
	return nil
}

// Validate checks that the configuration is usable. Missing variables are
// reported together.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.StoreBackend == BackendPostgres && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if (c.LeaseBackend == BackendRedis || c.RateLimitPerMinute > 0) && c.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if c.IsProduction() && c.AuditDSN == "" {
		missing = append(missing, "AUDIT_DSN")
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	switch c.StoreBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("STORE_BACKEND must be %s or %s, got %q", BackendMemory, BackendPostgres, c.StoreBackend)
	}
	switch c.LeaseBackend {
	case BackendLocal, BackendRedis:
	default:
		return fmt.Errorf("LEASE_BACKEND must be %s or %s, got %q", BackendLocal, BackendRedis, c.LeaseBackend)
	}

	// Several replicas share one database in production, so an in-process
	// lease would not serialize trip mutations.
	if c.IsProduction() {
		if c.StoreBackend != BackendPostgres {
			return errors.New("STORE_BACKEND must be postgres in " + c.Environment)
		}
		if c.LeaseBackend != BackendRedis {
			return errors.New("LEASE_BACKEND must be redis in " + c.Environment)
		}
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" || seen[a.ID] {
			return fmt.Errorf("agents[%d]: id must be set and unique", i)
		}
		seen[a.ID] = true
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.ReconcileInterval.Duration < 0 {
		return errors.New("RECONCILE_INTERVAL must not be negative")
	}
	if c.RateLimitPerMinute < 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// NewLogger builds a JSON logger in production and a console logger elsewhere.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("config: log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	if c.IsProduction() {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build(zap.Fields(zap.String("env", c.Environment)))
}

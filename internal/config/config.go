// Package config loads the dispatch middleware's configuration: defaults,
// then an optional TOML file, then environment overrides (env wins).
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Redis      RedisConfig      `toml:"redis"`
	Database   DatabaseConfig   `toml:"database"`
	TaskSource TaskSourceConfig `toml:"task_source"`
	Service    ServiceConfig    `toml:"service"`
	Engine     EngineConfig     `toml:"engine"`
	Observer   ObserverConfig   `toml:"observer"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// DatabaseConfig selects and configures the ledger backend. Driver is
// "postgres" or "sqlite"; only the matching field below is consulted.
type DatabaseConfig struct {
	Driver     string `toml:"driver"`
	DSN        string `toml:"dsn"`
	SQLitePath string `toml:"sqlite_path"`
}

type TaskSourceConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	Project string `toml:"project"`
}

type ServiceConfig struct {
	Addr         string `toml:"addr"`
	SharedSecret string `toml:"shared_secret"`
}

type EngineConfig struct {
	LockTTL               time.Duration `toml:"lock_ttl"`
	SkipCooldownTTL       time.Duration `toml:"skip_cooldown_ttl"`
	GlobalSkipWindow      time.Duration `toml:"global_skip_window"`
	DisableThreshold      int64         `toml:"disable_threshold"`
	MaxAssignAttempts     int           `toml:"max_assign_attempts"`
	EarningsRatePerMinute float64       `toml:"earnings_rate_per_minute"`
	ReconcileInterval     time.Duration `toml:"reconcile_interval"`
}

type ObserverConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

// Default returns a Config with all defaults applied, suitable for local
// development against a single-replica Redis + SQLite setup.
func Default() Config {
	return Config{
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Database: DatabaseConfig{Driver: "sqlite", SQLitePath: "dispatchd.db"},
		Service:  ServiceConfig{Addr: ":8080"},
		Engine: EngineConfig{
			LockTTL:               time.Hour,
			SkipCooldownTTL:       30 * time.Minute,
			GlobalSkipWindow:      24 * time.Hour,
			DisableThreshold:      5,
			MaxAssignAttempts:     50,
			EarningsRatePerMinute: 0.45,
			ReconcileInterval:     30 * time.Second,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "dispatchd.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("DISPATCHD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DISPATCHD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DISPATCHD_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DISPATCHD_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DISPATCHD_DATABASE_SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("DISPATCHD_TASKSOURCE_BASE_URL"); v != "" {
		cfg.TaskSource.BaseURL = v
	}
	if v := os.Getenv("DISPATCHD_TASKSOURCE_TOKEN"); v != "" {
		cfg.TaskSource.Token = v
	}
	if v := os.Getenv("DISPATCHD_TASKSOURCE_PROJECT"); v != "" {
		cfg.TaskSource.Project = v
	}
	if v := os.Getenv("DISPATCHD_SERVICE_ADDR"); v != "" {
		cfg.Service.Addr = v
	}
	if v := os.Getenv("DISPATCHD_SHARED_SECRET"); v != "" {
		cfg.Service.SharedSecret = v
	}
	if os.Getenv("DISPATCHD_OBSERVER_ENABLED") == "true" || os.Getenv("DISPATCHD_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("DISPATCHD_OBSERVER_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.OTLPEndpoint = v
	}

	return cfg
}

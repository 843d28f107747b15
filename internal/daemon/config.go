// Package daemon wires the billing platform together: configuration, the
// database, the background loops and the HTTP server.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, loaded from TOML.
type Config struct {
	API        APIConfig        `toml:"api"`
	Database   DatabaseConfig   `toml:"database"`
	Budget     BudgetConfig     `toml:"budget"`
	Settlement SettlementConfig `toml:"settlement"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
	Payout     PayoutConfig     `toml:"payout"`
	Auth       AuthConfig       `toml:"auth"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the host:port listen address.
func (c APIConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// DatabaseConfig controls SQLite placement.
type DatabaseConfig struct {
	Path string `toml:"path"` // empty = <home>/ledger.db
}

// BudgetConfig controls the advisory daily spend cap.
type BudgetConfig struct {
	DailyCapMicro int64 `toml:"daily_cap_micro"`
	CacheSize     int   `toml:"cache_size"`
}

// SettlementConfig controls the earnings hold and the settle loop.
type SettlementConfig struct {
	HoldHours int    `toml:"hold_hours"`
	Interval  string `toml:"interval"` // Go duration, e.g. "1m"
}

// ReconcileConfig controls the audit loop.
type ReconcileConfig struct {
	Interval string `toml:"interval"` // Go duration, e.g. "15m"
}

// PayoutConfig controls the provider integration.
type PayoutConfig struct {
	Currency     string `toml:"currency"`
	PollInterval string `toml:"poll_interval"`
}

// AuthConfig holds the API token secrets. Values may also be supplied via
// LANTERN_SERVICE_SECRET / LANTERN_ADMIN_SECRET, which take precedence so
// secrets can stay out of the config file.
type AuthConfig struct {
	ServiceSecret string `toml:"service_secret"`
	AdminSecret   string `toml:"admin_secret"`
	Issuer        string `toml:"issuer"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8388,
		},
		Database: DatabaseConfig{},
		Budget: BudgetConfig{
			DailyCapMicro: 100_000_000, // $100/day
			CacheSize:     4096,
		},
		Settlement: SettlementConfig{
			HoldHours: 48,
			Interval:  "1m",
		},
		Reconcile: ReconcileConfig{
			Interval: "15m",
		},
		Payout: PayoutConfig{
			Currency:     "USD",
			PollInterval: "30s",
		},
		Auth: AuthConfig{
			Issuer: "lantern",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Home returns the daemon's state directory.
func Home() string {
	if env := os.Getenv("LANTERN_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lantern")
}

// LoadConfig reads the TOML config at path, layered over defaults. A missing
// file is not an error; the defaults run as-is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = filepath.Join(Home(), "config.toml")
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if env := os.Getenv("LANTERN_SERVICE_SECRET"); env != "" {
		cfg.Auth.ServiceSecret = env
	}
	if env := os.Getenv("LANTERN_ADMIN_SECRET"); env != "" {
		cfg.Auth.AdminSecret = env
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(Home(), "ledger.db")
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot safely run with.
func (c Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Budget.DailyCapMicro <= 0 {
		return fmt.Errorf("budget.daily_cap_micro must be positive")
	}
	if c.Settlement.HoldHours < 0 {
		return fmt.Errorf("settlement.hold_hours must not be negative")
	}
	if c.Auth.ServiceSecret == "" || c.Auth.AdminSecret == "" {
		return fmt.Errorf("auth secrets are required (config or LANTERN_SERVICE_SECRET / LANTERN_ADMIN_SECRET)")
	}
	if c.Auth.ServiceSecret == c.Auth.AdminSecret {
		return fmt.Errorf("service and admin secrets must differ")
	}
	if _, err := c.SettlementInterval(); err != nil {
		return err
	}
	if _, err := c.ReconcileInterval(); err != nil {
		return err
	}
	if _, err := c.PayoutPollInterval(); err != nil {
		return err
	}
	return nil
}

// SettlementInterval parses the settle loop interval.
func (c Config) SettlementInterval() (time.Duration, error) {
	return parseInterval("settlement.interval", c.Settlement.Interval, time.Minute)
}

// ReconcileInterval parses the audit loop interval.
func (c Config) ReconcileInterval() (time.Duration, error) {
	return parseInterval("reconcile.interval", c.Reconcile.Interval, 15*time.Minute)
}

// PayoutPollInterval parses the provider poll interval.
func (c Config) PayoutPollInterval() (time.Duration, error) {
	return parseInterval("payout.poll_interval", c.Payout.PollInterval, 30*time.Second)
}

// SettlementHold returns the earnings hold window.
func (c Config) SettlementHold() time.Duration {
	return time.Duration(c.Settlement.HoldHours) * time.Hour
}

func parseInterval(name, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}

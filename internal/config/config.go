// Package config loads the settings shared by the settlement server and the
// sellctl CLI from a YAML file, an optional .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/liquidation-engine/internal/confirm"
	"github.com/atmx/liquidation-engine/internal/cpmm"
)

// Config is the complete configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Client   ClientConfig   `yaml:"client"`
	History  HistoryConfig  `yaml:"history"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects PostgreSQL. An empty URL means the in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig enables the read-through cache in front of PostgreSQL.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// PricingConfig holds the fee schedule and the confirmation threshold.
type PricingConfig struct {
	Fees             cpmm.FeeSchedule `yaml:"fees"`
	ConfirmThreshold float64          `yaml:"confirm_threshold"` // probability displacement
}

// ClientConfig is used by sellctl to reach the server.
type ClientConfig struct {
	BaseURL    string  `yaml:"base_url"`
	UserID     string  `yaml:"user_id"`
	RatePerSec float64 `yaml:"rate_per_sec"`
}

// HistoryConfig points at the local SQLite log of submitted sells.
type HistoryConfig struct {
	DSN string `yaml:"dsn"` // path to the SQLite file, or ":memory:"
}

// LogConfig controls logging format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path, then applies .env and environment
// overrides and fills in defaults. A missing file is not an error; an empty
// path skips the file entirely.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Gate returns the confirmation gate configured by Pricing.
func (c *Config) Gate() confirm.Gate {
	return confirm.NewGate(decimal.NewFromFloat(c.Pricing.ConfirmThreshold))
}

// applyEnvOverrides overwrites values with environment variables when set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("SELLCTL_BASE_URL"); v != "" {
		cfg.Client.BaseURL = v
	}
	if v := os.Getenv("SELLCTL_USER_ID"); v != "" {
		cfg.Client.UserID = v
	}
	if v := os.Getenv("CONFIRM_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: CONFIRM_THRESHOLD: %w", err)
		}
		cfg.Pricing.ConfirmThreshold = f
	}
	return nil
}

// setDefaults makes sure required values are sensible.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Redis.CacheTTL <= 0 {
		cfg.Redis.CacheTTL = 30 * time.Second
	}
	if cfg.Pricing.Fees == (cpmm.FeeSchedule{}) {
		cfg.Pricing.Fees = cpmm.DefaultFeeSchedule()
	}
	if cfg.Pricing.ConfirmThreshold <= 0 {
		cfg.Pricing.ConfirmThreshold = confirm.DefaultThreshold.InexactFloat64()
	}
	if cfg.Client.BaseURL == "" {
		cfg.Client.BaseURL = "http://localhost:" + cfg.Server.Port
	}
	if cfg.Client.RatePerSec <= 0 {
		cfg.Client.RatePerSec = 10
	}
	if cfg.History.DSN == "" {
		cfg.History.DSN = "sellctl.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func (c *Config) validate() error {
	f := c.Pricing.Fees
	if f.TakerRate < 0 || f.CreatorShare < 0 || f.LiquidityShare < 0 || f.CreatorShare+f.LiquidityShare > 1 {
		return fmt.Errorf("config: invalid fee schedule %+v", f)
	}
	if c.Pricing.ConfirmThreshold >= 1 {
		return fmt.Errorf("config: confirm_threshold must be below 1, got %v", c.Pricing.ConfirmThreshold)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", s, err)
	}
	return l, nil
}

// NewLogger builds the slog logger described by cfg.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the escrow API.
type Config struct {
	Listen      string         `yaml:"listen"`
	Store       string         `yaml:"store"`
	DatabaseURL string         `yaml:"database_url"`
	Owner       string         `yaml:"owner"`
	Env         string         `yaml:"env"`
	Auth        AuthConfig     `yaml:"auth"`
	Log         LogConfig      `yaml:"log"`
	RateLimit   RateConfig     `yaml:"rate_limit"`
	Outbox      OutboxConfig   `yaml:"outbox"`
	Database    DatabaseConfig `yaml:"database"`
}

type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	TokenTTL  Duration `yaml:"token_ttl"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// File enables rotated file output in addition to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RateConfig bounds requests per client identity (or remote address before
// authentication).
type RateConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

type OutboxConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    int      `yaml:"batch_size"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

type DatabaseConfig struct {
	MaxConns        int32    `yaml:"max_conns"`
	MaxConnLifetime Duration `yaml:"max_conn_lifetime"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen: ":8080",
		Store:  StorePostgres,
		Env:    "development",
		Auth:   AuthConfig{TokenTTL: Duration{24 * time.Hour}},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		RateLimit: RateConfig{PerMinute: 120, Burst: 20},
		Outbox: OutboxConfig{
			PollInterval: Duration{time.Second},
			BatchSize:    50,
			MaxAttempts:  5,
		},
		Database: DatabaseConfig{MaxConns: 16, MaxConnLifetime: Duration{30 * time.Minute}},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// ESCROW_CONFIG when set, and environment overrides, then validates it.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom is Load with an injectable environment lookup.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path, ok := lookup("ESCROW_CONFIG"); ok && path != "" {
		if err := cfg.readFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("DATABASE_URL", &c.DatabaseURL)
	str("ESCROW_LISTEN", &c.Listen)
	str("ESCROW_OWNER", &c.Owner)
	str("ESCROW_JWT_SECRET", &c.Auth.JWTSecret)
	str("ESCROW_STORE", &c.Store)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	str("APP_ENV", &c.Env)
	if err := num("ESCROW_RATE_PER_MINUTE", &c.RateLimit.PerMinute); err != nil {
		return err
	}
	if err := num("ESCROW_RATE_BURST", &c.RateLimit.Burst); err != nil {
		return err
	}
	if v, ok := lookup("OUTBOX_POLL_INTERVAL"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: OUTBOX_POLL_INTERVAL: %w", err)
		}
		c.Outbox.PollInterval = Duration{d}
	}
	c.Store = strings.ToLower(c.Store)
	return nil
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	if c.Owner == "" {
		errs = append(errs, errors.New("owner is required (ESCROW_OWNER)"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret is required (ESCROW_JWT_SECRET)"))
	}
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database url is required for the postgres store (DATABASE_URL)"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate limit per_minute and burst must be positive"))
	}
	if c.Outbox.PollInterval.Duration <= 0 || c.Outbox.BatchSize <= 0 || c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox poll_interval, batch_size and max_attempts must be positive"))
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		errs = append(errs, errors.New("auth token_ttl must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadFrom_EnvOverridesDefaults(t *testing.T) {
	cfg, err := LoadFrom(env(map[string]string{
		"ESCROW_OWNER":           "0x1000000000000000000000000000000000000001",
		"ESCROW_JWT_SECRET":      "s3cret",
		"ESCROW_STORE":           "Memory",
		"ESCROW_RATE_PER_MINUTE": "30",
		"OUTBOX_POLL_INTERVAL":   "250ms",
		"LOG_LEVEL":              "debug",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreMemory || cfg.RateLimit.PerMinute != 30 || cfg.RateLimit.Burst != 20 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Outbox.PollInterval.Duration != 250*time.Millisecond || cfg.Log.Level != "debug" || cfg.Listen != ":8080" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadFrom_YAMLFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrow.yaml")
	body := `
listen: ":9090"
store: postgres
database_url: postgres://file
owner: "0x1000000000000000000000000000000000000001"
auth:
  jwt_secret: from-file
  token_ttl: 1h
outbox:
  poll_interval: 5s
  batch_size: 10
  max_attempts: 3
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(env(map[string]string{
		"ESCROW_CONFIG": path,
		"DATABASE_URL":  "postgres://env",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9090" || cfg.DatabaseURL != "postgres://env" || cfg.Auth.JWTSecret != "from-file" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Auth.TokenTTL.Duration != time.Hour || cfg.Outbox.PollInterval.Duration != 5*time.Second || cfg.Outbox.BatchSize != 10 {
		t.Fatalf("unexpected durations %+v", cfg)
	}
	if cfg.Log.MaxBackups != 5 {
		t.Fatalf("expected defaults kept for unset keys, got %+v", cfg.Log)
	}
}

func TestLoadFrom_UnknownKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("listn: \":1\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFrom(env(map[string]string{"ESCROW_CONFIG": path})); err == nil {
		t.Fatalf("expected unknown key to fail")
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Store = "sqlite"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"owner is required", "jwt secret is required", `unknown store "sqlite"`} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}

	cfg = Default()
	cfg.Owner = "0x1"
	cfg.Auth.JWTSecret = "x"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected postgres store to need a database url, got %v", err)
	}
}

func TestLoadFrom_BadNumber(t *testing.T) {
	_, err := LoadFrom(env(map[string]string{
		"ESCROW_OWNER":       "0x1",
		"ESCROW_JWT_SECRET":  "x",
		"ESCROW_STORE":       "memory",
		"ESCROW_RATE_BURST":  "lots",
	}))
	if err == nil || !strings.Contains(err.Error(), "ESCROW_RATE_BURST") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

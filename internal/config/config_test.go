package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Vault.Passphrase = "test-passphrase"
	return cfg
}

func TestDefaultsValidateWithPassphrase(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidateRejectsMissingPassphrase(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "vault: passphrase") {
		t.Fatalf("error should mention the passphrase, got: %v", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	cfg.Redis.Addr = ""
	cfg.Opener.Workers = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "redis: addr", "opener: workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidateS3OnlyWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.S3.Bucket = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled s3 should not be validated: %v", err)
	}

	cfg.S3.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty bucket when s3 is enabled")
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
log_level = "debug"

[postgres]
host = "db.internal"
database = "arb"

[opener]
poll_interval = "10s"
workers = 8

[feed]
symbols = ["SOL", "BTC"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Postgres.Host != "db.internal" {
		t.Errorf("Postgres.Host = %q, want db.internal", cfg.Postgres.Host)
	}
	// Untouched fields keep their defaults.
	if cfg.Postgres.Port != 5432 {
		t.Errorf("Postgres.Port = %d, want default 5432", cfg.Postgres.Port)
	}
	if cfg.Opener.PollInterval.Duration != 10*time.Second {
		t.Errorf("PollInterval = %v, want 10s", cfg.Opener.PollInterval.Duration)
	}
	if cfg.Opener.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Opener.Workers)
	}
	if len(cfg.Feed.Symbols) != 2 || cfg.Feed.Symbols[1] != "BTC" {
		t.Errorf("Feed.Symbols = %v, want [SOL BTC]", cfg.Feed.Symbols)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENER_VAULT_PASSPHRASE", "from-env")
	t.Setenv("OPENER_POSTGRES_PASSWORD", "pg-secret")
	t.Setenv("OPENER_WORKERS", "16")
	t.Setenv("OPENER_POLL_INTERVAL", "30s")
	t.Setenv("OPENER_REDIS_TLS_ENABLED", "true")
	t.Setenv("OPENER_FEED_SYMBOLS", "SOL, ETH ,BTC")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Vault.Passphrase != "from-env" {
		t.Errorf("Vault.Passphrase = %q, want from-env", cfg.Vault.Passphrase)
	}
	if cfg.Postgres.Password != "pg-secret" {
		t.Errorf("Postgres.Password = %q, want pg-secret", cfg.Postgres.Password)
	}
	if cfg.Opener.Workers != 16 {
		t.Errorf("Workers = %d, want 16", cfg.Opener.Workers)
	}
	if cfg.Opener.PollInterval.Duration != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.Opener.PollInterval.Duration)
	}
	if !cfg.Redis.TLSEnabled {
		t.Error("Redis.TLSEnabled should be true")
	}
	want := []string{"SOL", "ETH", "BTC"}
	if len(cfg.Feed.Symbols) != len(want) {
		t.Fatalf("Feed.Symbols = %v, want %v", cfg.Feed.Symbols, want)
	}
	for i, s := range want {
		if cfg.Feed.Symbols[i] != s {
			t.Errorf("Feed.Symbols[%d] = %q, want %q", i, cfg.Feed.Symbols[i], s)
		}
	}
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Notify.TelegramToken = "tg-token"

	red := RedactedConfig(&cfg)

	for name, got := range map[string]string{
		"vault passphrase":  red.Vault.Passphrase,
		"postgres password": red.Postgres.Password,
		"redis password":    red.Redis.Password,
		"s3 secret key":     red.S3.SecretKey,
		"telegram token":    red.Notify.TelegramToken,
	} {
		if got != "***" {
			t.Errorf("%s not redacted: %q", name, got)
		}
	}

	// Original is untouched.
	if cfg.Postgres.Password != "pg-secret" {
		t.Error("RedactedConfig must not mutate the original")
	}

	// Non-secret fields pass through.
	if red.Postgres.Host != cfg.Postgres.Host {
		t.Error("non-secret fields should be preserved")
	}
}

// Package config defines the top-level configuration for the opener daemon
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by OPENER_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Venues   VenuesConfig   `toml:"venues"`
	Vault    VaultConfig    `toml:"vault"`
	Opener   OpenerConfig   `toml:"opener"`
	Feed     FeedConfig     `toml:"feed"`
	Notify   NotifyConfig   `toml:"notify"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters. The bots table is
// shared with the dashboard, so run_migrations is typically enabled on one
// deployment only.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters plus the mark-cache TTL.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	MarkTTL    duration `toml:"mark_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the execution
// event archive.
type S3Config struct {
	Enabled          bool     `toml:"enabled"`
	Endpoint         string   `toml:"endpoint"`
	Region           string   `toml:"region"`
	Bucket           string   `toml:"bucket"`
	AccessKey        string   `toml:"access_key"`
	SecretKey        string   `toml:"secret_key"`
	UseSSL           bool     `toml:"use_ssl"`
	ForcePathStyle   bool     `toml:"force_path_style"`
	ArchiveRetention duration `toml:"archive_retention"`
	ArchiveInterval  duration `toml:"archive_interval"`
}

// VenuesConfig holds venue REST endpoints, overridable for sandboxes.
type VenuesConfig struct {
	BitfinexBaseURL string   `toml:"bitfinex_base_url"`
	BitmexBaseURL   string   `toml:"bitmex_base_url"`
	HTTPTimeout     duration `toml:"http_timeout"`
}

// VaultConfig holds the credential-decryption passphrase. It must come from
// the environment or the config file at deploy time, never from source.
type VaultConfig struct {
	Passphrase string `toml:"passphrase"`
}

// OpenerConfig tunes the scan loop and per-attempt execution behaviour.
type OpenerConfig struct {
	PollInterval     duration `toml:"poll_interval"`
	Workers          int      `toml:"workers"`
	LockTTL          duration `toml:"lock_ttl"`
	FillTolerance    float64  `toml:"fill_tolerance"`
	CapitalTolerance float64  `toml:"capital_tolerance"`
	VenueTolerance   float64  `toml:"venue_tolerance"`
	LegRetries       int      `toml:"leg_retries"`
	RetryBackoff     duration `toml:"retry_backoff"`
	MarkMaxAge       duration `toml:"mark_max_age"`
	ReportRetries    int      `toml:"report_retries"`
	ReportBackoff    duration `toml:"report_backoff"`
}

// FeedConfig controls the websocket mark-price feed.
type FeedConfig struct {
	Enabled bool     `toml:"enabled"`
	WsURL   string   `toml:"ws_url"`
	Symbols []string `toml:"symbols"`
}

// NotifyConfig holds notification channel credentials for operator paging.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "fundingarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			MarkTTL:    duration{30 * time.Second},
		},
		S3: S3Config{
			Enabled:          false,
			Endpoint:         "http://localhost:9000",
			Region:           "us-east-1",
			Bucket:           "fundingarb-data",
			UseSSL:           false,
			ForcePathStyle:   true,
			ArchiveRetention: duration{7 * 24 * time.Hour},
			ArchiveInterval:  duration{time.Hour},
		},
		Venues: VenuesConfig{
			BitfinexBaseURL: "https://api.bitfinex.com",
			BitmexBaseURL:   "https://www.bitmex.com",
			HTTPTimeout:     duration{30 * time.Second},
		},
		Opener: OpenerConfig{
			PollInterval:     duration{5 * time.Second},
			Workers:          4,
			LockTTL:          duration{5 * time.Minute},
			FillTolerance:    0.01,
			CapitalTolerance: 0.02,
			VenueTolerance:   0.01,
			LegRetries:       1,
			RetryBackoff:     duration{2 * time.Second},
			MarkMaxAge:       duration{15 * time.Second},
			ReportRetries:    3,
			ReportBackoff:    duration{time.Second},
		},
		Feed: FeedConfig{
			Enabled: true,
			WsURL:   "",
			Symbols: []string{"SOL"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	// Venues
	if c.Venues.BitfinexBaseURL == "" {
		errs = append(errs, "venues: bitfinex_base_url must not be empty")
	}
	if c.Venues.BitmexBaseURL == "" {
		errs = append(errs, "venues: bitmex_base_url must not be empty")
	}

	// Vault — the passphrase is the one credential the daemon cannot run
	// without.
	if c.Vault.Passphrase == "" {
		errs = append(errs, "vault: passphrase must be set (OPENER_VAULT_PASSPHRASE)")
	}

	// Opener
	if c.Opener.Workers < 1 {
		errs = append(errs, "opener: workers must be >= 1")
	}
	if c.Opener.PollInterval.Duration <= 0 {
		errs = append(errs, "opener: poll_interval must be > 0")
	}
	if c.Opener.LockTTL.Duration <= 0 {
		errs = append(errs, "opener: lock_ttl must be > 0")
	}
	if c.Opener.FillTolerance < 0 || c.Opener.FillTolerance >= 1 {
		errs = append(errs, "opener: fill_tolerance must be in [0, 1)")
	}
	if c.Opener.LegRetries < 0 {
		errs = append(errs, "opener: leg_retries must be >= 0")
	}
	if c.Opener.ReportRetries < 0 {
		errs = append(errs, "opener: report_retries must be >= 0")
	}

	// Feed
	if c.Feed.Enabled && len(c.Feed.Symbols) == 0 {
		errs = append(errs, "feed: symbols must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

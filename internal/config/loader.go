package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies OPENER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known OPENER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "OPENER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "OPENER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "OPENER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "OPENER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "OPENER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "OPENER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "OPENER_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "OPENER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "OPENER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "OPENER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "OPENER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "OPENER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "OPENER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "OPENER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "OPENER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "OPENER_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.MarkTTL, "OPENER_REDIS_MARK_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "OPENER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "OPENER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "OPENER_S3_REGION")
	setStr(&cfg.S3.Bucket, "OPENER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "OPENER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "OPENER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "OPENER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "OPENER_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveRetention, "OPENER_S3_ARCHIVE_RETENTION")
	setDuration(&cfg.S3.ArchiveInterval, "OPENER_S3_ARCHIVE_INTERVAL")

	// ── Venues ──
	setStr(&cfg.Venues.BitfinexBaseURL, "OPENER_VENUES_BITFINEX_BASE_URL")
	setStr(&cfg.Venues.BitmexBaseURL, "OPENER_VENUES_BITMEX_BASE_URL")
	setDuration(&cfg.Venues.HTTPTimeout, "OPENER_VENUES_HTTP_TIMEOUT")

	// ── Vault ──
	setStr(&cfg.Vault.Passphrase, "OPENER_VAULT_PASSPHRASE")

	// ── Opener ──
	setDuration(&cfg.Opener.PollInterval, "OPENER_POLL_INTERVAL")
	setInt(&cfg.Opener.Workers, "OPENER_WORKERS")
	setDuration(&cfg.Opener.LockTTL, "OPENER_LOCK_TTL")
	setFloat64(&cfg.Opener.FillTolerance, "OPENER_FILL_TOLERANCE")
	setFloat64(&cfg.Opener.CapitalTolerance, "OPENER_CAPITAL_TOLERANCE")
	setFloat64(&cfg.Opener.VenueTolerance, "OPENER_VENUE_TOLERANCE")
	setInt(&cfg.Opener.LegRetries, "OPENER_LEG_RETRIES")
	setDuration(&cfg.Opener.RetryBackoff, "OPENER_RETRY_BACKOFF")
	setDuration(&cfg.Opener.MarkMaxAge, "OPENER_MARK_MAX_AGE")
	setInt(&cfg.Opener.ReportRetries, "OPENER_REPORT_RETRIES")
	setDuration(&cfg.Opener.ReportBackoff, "OPENER_REPORT_BACKOFF")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "OPENER_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "OPENER_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Symbols, "OPENER_FEED_SYMBOLS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "OPENER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "OPENER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "OPENER_NOTIFY_DISCORD_WEBHOOK_URL")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "OPENER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

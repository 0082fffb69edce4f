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
// built-in defaults, applies COINBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. An empty path skips the
// file and uses defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COINBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Coinbase ──
	setStr(&cfg.Coinbase.APIHost, "COINBOT_COINBASE_API_HOST")
	setStr(&cfg.Coinbase.WSHost, "COINBOT_COINBASE_WS_HOST")
	setStr(&cfg.Coinbase.Key, "COINBOT_COINBASE_KEY")
	setStr(&cfg.Coinbase.Key, "APIKEY") // compatibility alias
	setStr(&cfg.Coinbase.Secret, "COINBOT_COINBASE_SECRET")
	setStr(&cfg.Coinbase.Secret, "APISEC") // compatibility alias
	setStr(&cfg.Coinbase.Passphrase, "COINBOT_COINBASE_PASSPHRASE")
	setStr(&cfg.Coinbase.Passphrase, "APIPASS") // compatibility alias
	setStringSlice(&cfg.Coinbase.Products, "COINBOT_COINBASE_PRODUCTS")
	setStr(&cfg.Coinbase.BaseCurrency, "COINBOT_COINBASE_BASE_CURRENCY")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "COINBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COINBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COINBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COINBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COINBOT_REDIS_MAX_RETRIES")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "COINBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "COINBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COINBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COINBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COINBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COINBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COINBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COINBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COINBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COINBOT_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "COINBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "COINBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COINBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "COINBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COINBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COINBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "COINBOT_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "COINBOT_S3_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TwilioAccountSID, "COINBOT_NOTIFY_TWILIO_ACCOUNT_SID")
	setStr(&cfg.Notify.TwilioAccountSID, "TWILIO_ACCOUNT_SID") // compatibility alias
	setStr(&cfg.Notify.TwilioAuthToken, "COINBOT_NOTIFY_TWILIO_AUTH_TOKEN")
	setStr(&cfg.Notify.TwilioAuthToken, "TWILIO_AUTH_TOKEN") // compatibility alias
	setStr(&cfg.Notify.TwilioFrom, "COINBOT_NOTIFY_TWILIO_FROM")
	setStr(&cfg.Notify.TwilioTo, "COINBOT_NOTIFY_TWILIO_TO")
	setStringSlice(&cfg.Notify.Events, "COINBOT_NOTIFY_EVENTS")

	// ── Server ──
	setDuration(&cfg.Server.SilenceThreshold, "COINBOT_SERVER_SILENCE_THRESHOLD")
	setDuration(&cfg.Server.CheckInterval, "COINBOT_SERVER_CHECK_INTERVAL")
	setDuration(&cfg.Server.RestartDelay, "COINBOT_SERVER_RESTART_DELAY")

	// ── Manager ──
	setDuration(&cfg.Manager.RefreshInterval, "COINBOT_MANAGER_REFRESH_INTERVAL")
	setDuration(&cfg.Manager.CloseCheckInterval, "COINBOT_MANAGER_CLOSE_CHECK_INTERVAL")

	// ── Trade ──
	setDuration(&cfg.Trade.PollInterval, "COINBOT_TRADE_POLL_INTERVAL")
	setDuration(&cfg.Trade.MinCallSpacing, "COINBOT_TRADE_MIN_CALL_SPACING")

	// ── Analysis ──
	setInt(&cfg.Analysis.Days, "COINBOT_ANALYSIS_DAYS")
	setInt(&cfg.Analysis.Granularity, "COINBOT_ANALYSIS_GRANULARITY")
	setInt(&cfg.Analysis.SMAPeriods, "COINBOT_ANALYSIS_SMA_PERIODS")
	setInt(&cfg.Analysis.EMA1Periods, "COINBOT_ANALYSIS_EMA1_PERIODS")
	setInt(&cfg.Analysis.EMA2Periods, "COINBOT_ANALYSIS_EMA2_PERIODS")
	setFloat64(&cfg.Analysis.MinVolatility, "COINBOT_ANALYSIS_MIN_VOLATILITY")
	setFloat64(&cfg.Analysis.Budget, "COINBOT_ANALYSIS_BUDGET")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "COINBOT_LOG_LEVEL")
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

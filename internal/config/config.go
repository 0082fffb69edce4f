// Package config defines the top-level configuration for the coinbase bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COINBOT_* environment variables.
type Config struct {
	Coinbase CoinbaseConfig `toml:"coinbase"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Notify   NotifyConfig   `toml:"notify"`
	Server   ServerConfig   `toml:"server"`
	Manager  ManagerConfig  `toml:"manager"`
	Trade    TradeConfig    `toml:"trade"`
	Analysis AnalysisConfig `toml:"analysis"`
	LogLevel string         `toml:"log_level"`
}

// CoinbaseConfig holds exchange API endpoints and credentials.
type CoinbaseConfig struct {
	APIHost    string `toml:"api_host"`
	WSHost     string `toml:"ws_host"`
	Key        string `toml:"key"`
	Secret     string `toml:"secret"`
	Passphrase string `toml:"passphrase"`
	// Products is the trading universe: the websocket subscription list
	// and the filter for status-message product upserts.
	Products     []string `toml:"products"`
	BaseCurrency string   `toml:"base_currency"`
}

// RedisConfig holds shared state store connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
}

// PostgresConfig holds position repository connection parameters.
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

// S3Config holds object storage parameters for order-history archival.
// Archival is skipped entirely when Enabled is false.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// NotifyConfig holds SMS notification credentials.
type NotifyConfig struct {
	TwilioAccountSID string   `toml:"twilio_account_sid"`
	TwilioAuthToken  string   `toml:"twilio_auth_token"`
	TwilioFrom       string   `toml:"twilio_from"`
	TwilioTo         string   `toml:"twilio_to"`
	Events           []string `toml:"events"`
}

// ServerConfig holds connector liveness and supervisor parameters.
type ServerConfig struct {
	// SilenceThreshold is the maximum feed silence before the connector
	// exits so the supervisor can restart it.
	SilenceThreshold duration `toml:"silence_threshold"`
	CheckInterval    duration `toml:"check_interval"`
	RestartDelay     duration `toml:"restart_delay"`
}

// ManagerConfig holds position manager timer intervals.
type ManagerConfig struct {
	RefreshInterval    duration `toml:"refresh_interval"`
	CloseCheckInterval duration `toml:"close_check_interval"`
}

// TradeConfig holds order workflow parameters.
type TradeConfig struct {
	// PollInterval paces order-status poll loops in tradebot and panic.
	PollInterval duration `toml:"poll_interval"`
	// MinCallSpacing is the floor between private REST calls.
	MinCallSpacing duration `toml:"min_call_spacing"`
}

// AnalysisConfig holds default candle analysis parameters. Each value can
// be overridden per invocation from the CLI.
type AnalysisConfig struct {
	Days          int     `toml:"days"`
	Granularity   int     `toml:"granularity"`
	SMAPeriods    int     `toml:"sma_periods"`
	EMA1Periods   int     `toml:"ema1_periods"`
	EMA2Periods   int     `toml:"ema2_periods"`
	MinVolatility float64 `toml:"min_volatility"`
	Budget        float64 `toml:"budget"`
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
		Coinbase: CoinbaseConfig{
			APIHost:      "https://api.pro.coinbase.com",
			WSHost:       "wss://ws-feed.pro.coinbase.com",
			Products:     []string{"BTC-EUR"},
			BaseCurrency: "EUR",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "coinbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:         false,
			Region:          "us-east-1",
			Bucket:          "coinbot-data",
			ForcePathStyle:  true,
			ArchiveInterval: duration{1 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"trade_completed", "trade_aborted", "unrecoverable", "monitor_alert"},
		},
		Server: ServerConfig{
			SilenceThreshold: duration{90 * time.Second},
			CheckInterval:    duration{10 * time.Second},
			RestartDelay:     duration{1 * time.Second},
		},
		Manager: ManagerConfig{
			RefreshInterval:    duration{30 * time.Second},
			CloseCheckInterval: duration{1 * time.Second},
		},
		Trade: TradeConfig{
			PollInterval:   duration{2 * time.Second},
			MinCallSpacing: duration{250 * time.Millisecond},
		},
		Analysis: AnalysisConfig{
			Days:          10,
			Granularity:   86400,
			SMAPeriods:    10,
			EMA1Periods:   12,
			EMA2Periods:   26,
			MinVolatility: 2.5,
			Budget:        9.75,
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

// validGranularities enumerates the candle sizes the exchange accepts.
var validGranularities = map[int]bool{
	60:    true,
	300:   true,
	900:   true,
	3600:  true,
	21600: true,
	86400: true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Coinbase
	if c.Coinbase.APIHost == "" {
		errs = append(errs, "coinbase: api_host must not be empty")
	}
	if c.Coinbase.WSHost == "" {
		errs = append(errs, "coinbase: ws_host must not be empty")
	}
	if len(c.Coinbase.Products) == 0 {
		errs = append(errs, "coinbase: products must list at least one product id")
	}
	ck := c.Coinbase.Key != ""
	cs := c.Coinbase.Secret != ""
	cp := c.Coinbase.Passphrase != ""
	if ck || cs || cp {
		if !(ck && cs && cp) {
			errs = append(errs, "coinbase: key, secret, and passphrase must all be set together")
		}
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
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

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "s3: archive_interval must be > 0 when enabled")
		}
	}

	// Notify: all four Twilio fields set together, or all empty.
	ts := c.Notify.TwilioAccountSID != ""
	tt := c.Notify.TwilioAuthToken != ""
	tf := c.Notify.TwilioFrom != ""
	to := c.Notify.TwilioTo != ""
	if ts || tt || tf || to {
		if !(ts && tt && tf && to) {
			errs = append(errs, "notify: twilio_account_sid, twilio_auth_token, twilio_from, and twilio_to must all be set together")
		}
	}

	// Server
	if c.Server.SilenceThreshold.Duration <= 0 {
		errs = append(errs, "server: silence_threshold must be > 0")
	}
	if c.Server.CheckInterval.Duration <= 0 {
		errs = append(errs, "server: check_interval must be > 0")
	}
	if c.Server.CheckInterval.Duration >= c.Server.SilenceThreshold.Duration {
		errs = append(errs, "server: check_interval must be shorter than silence_threshold")
	}

	// Manager
	if c.Manager.RefreshInterval.Duration <= 0 {
		errs = append(errs, "manager: refresh_interval must be > 0")
	}
	if c.Manager.CloseCheckInterval.Duration <= 0 {
		errs = append(errs, "manager: close_check_interval must be > 0")
	}

	// Trade
	if c.Trade.PollInterval.Duration <= 0 {
		errs = append(errs, "trade: poll_interval must be > 0")
	}
	if c.Trade.MinCallSpacing.Duration < 0 {
		errs = append(errs, "trade: min_call_spacing must be >= 0")
	}

	// Analysis
	if !validGranularities[c.Analysis.Granularity] {
		errs = append(errs, fmt.Sprintf("analysis: granularity must be one of 60, 300, 900, 3600, 21600, 86400, got %d", c.Analysis.Granularity))
	}
	if c.Analysis.SMAPeriods < 2 {
		errs = append(errs, "analysis: sma_periods must be >= 2")
	}
	if c.Analysis.EMA1Periods < 2 || c.Analysis.EMA2Periods < 2 {
		errs = append(errs, "analysis: ema periods must be >= 2")
	}
	if c.Analysis.MinVolatility <= 0 {
		errs = append(errs, "analysis: min_volatility must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Package config defines the top-level configuration for the trading agent
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LABTRADER_* environment variables.
type Config struct {
	Ledger     LedgerConfig     `toml:"ledger"`
	Experiment ExperimentConfig `toml:"experiment"`
	Watcher    WatcherConfig    `toml:"watcher"`
	Pool       PoolConfig       `toml:"pool"`
	Settlement SettlementConfig `toml:"settlement"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// LedgerConfig holds the ledger backend endpoint and credentials.
type LedgerConfig struct {
	APIURL                string   `toml:"api_url"`
	Email                 string   `toml:"email"`
	Password              string   `toml:"password"`
	EncryptedPasswordPath string   `toml:"encrypted_password_path"`
	PasswordKey           string   `toml:"password_key"`
	Timeout               duration `toml:"timeout"`
	FirstTradingWindow    int64    `toml:"first_trading_window"`
	TimeScalingFactor     int64    `toml:"time_scaling_factor"`
}

// ExperimentConfig describes the experiment instance this agent trades in.
// Experiment descriptions are authored elsewhere; the agent only consumes them.
type ExperimentConfig struct {
	DescriptionID    string          `toml:"description_id"`
	InstanceID       string          `toml:"instance_id"`
	ProsumerID       int             `toml:"prosumer_id"`
	EndTime          int             `toml:"end_time"`
	TickLength       duration        `toml:"tick_length"`
	InitialTokens    float64         `toml:"initial_tokens"`
	ImbalancePenalty []float64       `toml:"imbalance_penalty"`
	Market           MarketConfig    `toml:"market"`
	Prosumers        []ProsumerEntry `toml:"prosumers"`
	Assets           AssetsConfig    `toml:"assets"`
}

// MarketConfig mirrors domain.MarketDesign.
type MarketConfig struct {
	BidClosure      int     `toml:"bid_closure"`
	AskClosure      int     `toml:"ask_closure"`
	TimeSliceLength int     `toml:"time_slice_length"`
	MinBidSize      float64 `toml:"min_bid_size"`
	MinAskSize      float64 `toml:"min_ask_size"`
	MaxPrice        float64 `toml:"max_price"`
	FeeAmount       float64 `toml:"fee_amount"`
}

// ProsumerEntry is one participant of the experiment.
type ProsumerEntry struct {
	ID   int    `toml:"id"`
	Name string `toml:"name"`
}

// AssetsConfig lists the grid-edge assets of the local prosumer.
type AssetsConfig struct {
	Generators []SeriesConfig  `toml:"generators"`
	Loads      []SeriesConfig  `toml:"loads"`
	Storage    []StorageConfig `toml:"storage"`
}

// SeriesConfig is a named power series (one value per time slice).
type SeriesConfig struct {
	Name        string    `toml:"name"`
	PowerSeries []float64 `toml:"power_series"`
}

// StorageConfig is a storage asset given by its state-of-charge series.
type StorageConfig struct {
	Name            string    `toml:"name"`
	PowerSeries     []float64 `toml:"power_series"`
	CycleEfficiency float64   `toml:"cycle_efficiency"`
}

// WatcherConfig holds the polling parameters of the offer and resource watchers.
type WatcherConfig struct {
	Interval      duration `toml:"interval"`
	WindowHorizon int      `toml:"window_horizon"`
}

// PoolConfig holds resource pool parameters.
type PoolConfig struct {
	OptimalSize       int      `toml:"optimal_size"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
}

// SettlementConfig selects the settlement backend variant.
type SettlementConfig struct {
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr"`
	Password       string   `toml:"password"`
	DB             int      `toml:"db"`
	PoolSize       int      `toml:"pool_size"`
	MaxRetries     int      `toml:"max_retries"`
	TLSEnabled     bool     `toml:"tls_enabled"`
	StreamMaxLen   int      `toml:"stream_max_len"`
	SessionLockTTL duration `toml:"session_lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	CheckpointCron string `toml:"checkpoint_cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "2500ms" or "5s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			APIURL:             "http://localhost:3000",
			Timeout:            duration{30 * time.Second},
			FirstTradingWindow: 1695513600,
			TimeScalingFactor:  96 * 15 * 60,
		},
		Experiment: ExperimentConfig{
			EndTime:    191,
			TickLength: duration{10 * time.Second},
			Market: MarketConfig{
				BidClosure:      1,
				AskClosure:      1,
				TimeSliceLength: 1,
				MinBidSize:      0.1,
				MinAskSize:      0.1,
				MaxPrice:        -1,
				FeeAmount:       0.1,
			},
		},
		Watcher: WatcherConfig{
			Interval:      duration{2500 * time.Millisecond},
			WindowHorizon: 4,
		},
		Pool: PoolConfig{
			OptimalSize:       6,
			HeartbeatInterval: duration{5 * time.Second},
		},
		Settlement: SettlementConfig{
			Backend: "ledger",
		},
		Postgres: PostgresConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "labtrader",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:        true,
			Addr:           "localhost:6379",
			PoolSize:       20,
			MaxRetries:     3,
			StreamMaxLen:   10000,
			SessionLockTTL: duration{24 * time.Hour},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "labtrader-results",
			Prefix:         "experiments",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:4200"},
			RateLimit:       30,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"protocol_violation", "anomaly", "imbalance_fee"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"agent":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validBackends enumerates the accepted values for SettlementConfig.Backend.
var validBackends = map[string]bool{
	"ledger": true,
	"mock":   true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, agent, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Settlement
	backend := strings.ToLower(c.Settlement.Backend)
	if !validBackends[backend] {
		errs = append(errs, fmt.Sprintf("settlement: unknown backend %q (valid: ledger, mock)", c.Settlement.Backend))
	}

	// Ledger credentials are only needed when the ledger is the backend.
	if backend == "ledger" {
		if c.Ledger.APIURL == "" {
			errs = append(errs, "ledger: api_url must not be empty")
		}
		if c.Ledger.Email == "" {
			errs = append(errs, "ledger: email must not be empty")
		}
		if c.Ledger.Password == "" && c.Ledger.EncryptedPasswordPath == "" {
			errs = append(errs, "ledger: either password or encrypted_password_path must be set")
		}
		if c.Ledger.EncryptedPasswordPath != "" && c.Ledger.PasswordKey == "" {
			errs = append(errs, "ledger: password_key is required when encrypted_password_path is set")
		}
	}
	if c.Ledger.TimeScalingFactor <= 0 {
		errs = append(errs, "ledger: time_scaling_factor must be > 0")
	}

	// Experiment
	e := c.Experiment
	if e.DescriptionID == "" || e.InstanceID == "" {
		errs = append(errs, "experiment: description_id and instance_id must be set")
	}
	if strings.Contains(e.DescriptionID, "-") || strings.Contains(e.InstanceID, "-") {
		errs = append(errs, "experiment: ids must not contain '-' (resource id separator)")
	}
	if e.EndTime <= 0 {
		errs = append(errs, "experiment: end_time must be > 0")
	}
	if e.TickLength.Duration <= 0 {
		errs = append(errs, "experiment: tick_length must be > 0")
	}
	if n := len(e.ImbalancePenalty); n > 0 && n <= e.EndTime {
		errs = append(errs, fmt.Sprintf("experiment: imbalance_penalty needs %d entries, got %d", e.EndTime+1, n))
	}
	if e.Market.TimeSliceLength < 1 {
		errs = append(errs, "experiment.market: time_slice_length must be >= 1")
	}
	if e.Market.FeeAmount < 0 || e.Market.FeeAmount >= 1 {
		errs = append(errs, "experiment.market: fee_amount must be in [0, 1)")
	}
	if e.Market.MaxPrice < 0 && e.Market.MaxPrice != -1 {
		errs = append(errs, "experiment.market: max_price must be >= 0 or -1 (no cap)")
	}
	found := false
	for _, p := range e.Prosumers {
		if p.ID == e.ProsumerID {
			found = true
			break
		}
	}
	if !found {
		errs = append(errs, fmt.Sprintf("experiment: prosumer_id %d is not listed in experiment.prosumers", e.ProsumerID))
	}
	for _, s := range e.Assets.Storage {
		if s.CycleEfficiency <= 0 || s.CycleEfficiency > 1 {
			errs = append(errs, fmt.Sprintf("experiment.assets.storage %q: cycle_efficiency must be in (0, 1]", s.Name))
		}
	}

	// Watcher and pool
	if c.Watcher.Interval.Duration <= 0 {
		errs = append(errs, "watcher: interval must be > 0")
	}
	if c.Watcher.WindowHorizon < 1 {
		errs = append(errs, "watcher: window_horizon must be >= 1")
	}
	if c.Pool.OptimalSize < 1 {
		errs = append(errs, "pool: optimal_size must be >= 1")
	}
	if c.Pool.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, "pool: heartbeat_interval must be > 0")
	}

	// Postgres
	if c.Postgres.Enabled {
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
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics: path must start with '/'")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

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
// built-in defaults, applies LABTRADER_* environment variable overrides, and
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

// applyEnvOverrides reads well-known LABTRADER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are injected this way at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.APIURL, "LABTRADER_LEDGER_API_URL")
	setStr(&cfg.Ledger.Email, "LABTRADER_LEDGER_EMAIL")
	setStr(&cfg.Ledger.Password, "LABTRADER_LEDGER_PASSWORD")
	setStr(&cfg.Ledger.EncryptedPasswordPath, "LABTRADER_LEDGER_ENCRYPTED_PASSWORD_PATH")
	setStr(&cfg.Ledger.PasswordKey, "LABTRADER_LEDGER_PASSWORD_KEY")
	setDuration(&cfg.Ledger.Timeout, "LABTRADER_LEDGER_TIMEOUT")
	setInt64(&cfg.Ledger.FirstTradingWindow, "LABTRADER_LEDGER_FIRST_TRADING_WINDOW")
	setInt64(&cfg.Ledger.TimeScalingFactor, "LABTRADER_LEDGER_TIME_SCALING_FACTOR")

	// ── Experiment ──
	setStr(&cfg.Experiment.DescriptionID, "LABTRADER_EXPERIMENT_DESCRIPTION_ID")
	setStr(&cfg.Experiment.InstanceID, "LABTRADER_EXPERIMENT_INSTANCE_ID")
	setInt(&cfg.Experiment.ProsumerID, "LABTRADER_EXPERIMENT_PROSUMER_ID")
	setInt(&cfg.Experiment.EndTime, "LABTRADER_EXPERIMENT_END_TIME")
	setDuration(&cfg.Experiment.TickLength, "LABTRADER_EXPERIMENT_TICK_LENGTH")
	setFloat64(&cfg.Experiment.InitialTokens, "LABTRADER_EXPERIMENT_INITIAL_TOKENS")
	setFloat64(&cfg.Experiment.Market.FeeAmount, "LABTRADER_EXPERIMENT_MARKET_FEE_AMOUNT")
	setFloat64(&cfg.Experiment.Market.MaxPrice, "LABTRADER_EXPERIMENT_MARKET_MAX_PRICE")

	// ── Watcher / pool ──
	setDuration(&cfg.Watcher.Interval, "LABTRADER_WATCHER_INTERVAL")
	setInt(&cfg.Watcher.WindowHorizon, "LABTRADER_WATCHER_WINDOW_HORIZON")
	setInt(&cfg.Pool.OptimalSize, "LABTRADER_POOL_OPTIMAL_SIZE")
	setDuration(&cfg.Pool.HeartbeatInterval, "LABTRADER_POOL_HEARTBEAT_INTERVAL")

	// ── Settlement ──
	setStr(&cfg.Settlement.Backend, "LABTRADER_SETTLEMENT_BACKEND")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "LABTRADER_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "LABTRADER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "LABTRADER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LABTRADER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LABTRADER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LABTRADER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LABTRADER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LABTRADER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LABTRADER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LABTRADER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LABTRADER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "LABTRADER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "LABTRADER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LABTRADER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LABTRADER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LABTRADER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LABTRADER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LABTRADER_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.StreamMaxLen, "LABTRADER_REDIS_STREAM_MAX_LEN")
	setDuration(&cfg.Redis.SessionLockTTL, "LABTRADER_REDIS_SESSION_LOCK_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LABTRADER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LABTRADER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LABTRADER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LABTRADER_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "LABTRADER_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "LABTRADER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LABTRADER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LABTRADER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LABTRADER_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.CheckpointCron, "LABTRADER_S3_CHECKPOINT_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LABTRADER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LABTRADER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LABTRADER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LABTRADER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "LABTRADER_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LABTRADER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LABTRADER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LABTRADER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LABTRADER_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "LABTRADER_METRICS_ENABLED")
	setStr(&cfg.Metrics.Path, "LABTRADER_METRICS_PATH")

	// ── Top-level ──
	setStr(&cfg.Mode, "LABTRADER_MODE")
	setStr(&cfg.LogLevel, "LABTRADER_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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

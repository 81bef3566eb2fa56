package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/labtrader/internal/blob/s3"
	"github.com/alanyoungcy/labtrader/internal/cache/redis"
	"github.com/alanyoungcy/labtrader/internal/config"
	"github.com/alanyoungcy/labtrader/internal/crypto"
	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/metrics"
	"github.com/alanyoungcy/labtrader/internal/notify"
	"github.com/alanyoungcy/labtrader/internal/platform/labchain"
	"github.com/alanyoungcy/labtrader/internal/settlement"
	"github.com/alanyoungcy/labtrader/internal/store/postgres"
)

// Dependencies bundles the infrastructure the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function. Every
// field except Notifier and Metrics may be nil when the corresponding
// backend is disabled or not needed by the mode.
type Dependencies struct {
	// Ledger API, logged in.
	Ledger *labchain.Client

	// Stores
	ClearingStore domain.ClearingStore
	PaymentStore  domain.PaymentStore
	OfferBook     domain.OfferBook
	AuditStore    domain.AuditStore

	// Caches
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	SessionLock *redis.SessionLock

	// Blob storage
	Archiver domain.ResultArchiver

	// Notifications
	Notifier *notify.Notifier

	// Metrics
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	// Checks pings each connected backend, keyed by backend name.
	Checks map[string]func(context.Context) error
}

// needsLedger returns true when the mode talks to the ledger API.
func needsLedger(cfg *config.Config) bool {
	return strings.ToLower(cfg.Mode) == "monitor" ||
		strings.ToLower(cfg.Settlement.Backend) == settlement.TagLedger
}

// needsPostgres returns true for modes that persist settlement state.
func needsPostgres(mode string) bool {
	switch mode {
	case "full", "agent":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that archive experiment results.
func needsS3(mode string) bool {
	return mode == "full"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Checks: make(map[string]func(context.Context) error)}

	// --- Metrics ---
	if cfg.Metrics.Enabled {
		deps.Registry = prometheus.NewRegistry()
		deps.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		deps.Metrics = metrics.New(deps.Registry)
	}

	// --- Ledger session ---
	if needsLedger(cfg) {
		password, err := crypto.LoadSecret(crypto.SecretConfig{
			Plain:      cfg.Ledger.Password,
			SealedPath: cfg.Ledger.EncryptedPasswordPath,
			Passphrase: cfg.Ledger.PasswordKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: ledger password: %w", err)
		}
		client := labchain.NewClient(cfg.Ledger.APIURL, cfg.Ledger.Timeout.Duration, labchain.NewTokenStore())
		if err := client.Login(ctx, cfg.Ledger.Email, password); err != nil {
			return nil, nil, fmt.Errorf("wire: ledger: %w", err)
		}
		logger.InfoContext(ctx, "logged in to ledger",
			slog.String("api_url", cfg.Ledger.APIURL),
			slog.String("email", cfg.Ledger.Email),
		)
		deps.Ledger = client
	}

	// --- PostgreSQL (only for modes that persist settlement state) ---
	if cfg.Postgres.Enabled && needsPostgres(mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.Checks["postgres"] = pgClient.Ping

		pool := pgClient.Pool()
		deps.ClearingStore = postgres.NewClearingStore(pool)
		deps.PaymentStore = postgres.NewPaymentStore(pool)
		deps.OfferBook = postgres.NewOfferBook(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Checks["redis"] = redisClient.Ping

		deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, cfg.Redis.StreamMaxLen)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SessionLock = redis.NewSessionLock(redisClient, logger)
	}

	// --- S3 blob storage (only for modes that archive results) ---
	if cfg.S3.Enabled && needsS3(mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Checks["s3"] = s3Client.Health

		deps.Archiver = s3blob.NewResultArchiver(s3blob.NewWriter(s3Client), s3Client.Prefix(), deps.AuditStore)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, "labtrader "+cfg.Scope().String()))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

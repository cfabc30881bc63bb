package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/pitchmarket/internal/blob/s3"
	"github.com/alanyoungcy/pitchmarket/internal/cache/memory"
	"github.com/alanyoungcy/pitchmarket/internal/cache/redis"
	"github.com/alanyoungcy/pitchmarket/internal/clearnode"
	"github.com/alanyoungcy/pitchmarket/internal/config"
	"github.com/alanyoungcy/pitchmarket/internal/crypto"
	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/metrics"
	"github.com/alanyoungcy/pitchmarket/internal/notify"
	"github.com/alanyoungcy/pitchmarket/internal/store/postgres"
	"github.com/alanyoungcy/pitchmarket/internal/store/sqlite"
)

// Dependencies bundles every concrete dependency the run modes need. Optional
// ones are nil when their config section is disabled.
type Dependencies struct {
	// Stores
	LedgerStore domain.LedgerStore
	MarketStore domain.MarketStore

	// Caches
	OddsCache   domain.OddsCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus

	// Blob storage
	Archiver domain.SettlementArchiver

	// Channel
	Channel *clearnode.Client

	// Observability and alerts
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Notifier *notify.Notifier
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
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{}

	// --- Metrics ---
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		deps.Metrics = metrics.New(reg)
		deps.Gatherer = reg
	}

	// --- Ledger and market storage ---
	switch strings.ToLower(cfg.Storage.Driver) {
	case "postgres":
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
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.LedgerStore = postgres.NewLedgerStore(pgClient.Pool())
		deps.MarketStore = postgres.NewMarketStore(pgClient.Pool())
	default:
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return fail("sqlite", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		deps.LedgerStore = sqlite.NewLedgerStore(db)
		deps.MarketStore = sqlite.NewMarketStore(db)
	}

	// --- Redis, or the in-process limiter without it ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.OddsCache = redis.NewOddsCache(redisClient, cfg.Redis.OddsTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient, cfg.Redis.StreamMaxLen)
	} else {
		deps.RateLimiter = memory.NewLimiter()
	}

	// --- S3 settlement archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "s3 bucket not reachable, archives will be retried per batch",
				slog.String("bucket", s3Client.Bucket()),
				slog.String("error", err.Error()),
			)
		}
		deps.Archiver = s3blob.NewSettlementArchiver(s3blob.NewWriter(s3Client), cfg.S3.Prefix)
	}

	// --- Channel client ---
	if cfg.Clearnode.Enabled {
		signer, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail("wallet", err)
		}
		deps.Channel = clearnode.New(clearnodeConfig(cfg.Clearnode), signer, logger,
			clearnode.WithMetrics(deps.Metrics),
			clearnode.WithNotificationHandler(logNotification(logger)),
		)
		closers = append(closers, func() { _ = deps.Channel.Close() })
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
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

func clearnodeConfig(c config.ClearnodeConfig) clearnode.Config {
	allowances := make([]crypto.Allowance, 0, len(c.Allowances))
	for _, a := range c.Allowances {
		allowances = append(allowances, crypto.Allowance{Asset: a.Asset, Amount: a.Amount})
	}
	return clearnode.Config{
		URL:            c.URL,
		Application:    c.Application,
		Scope:          c.Scope,
		Allowances:     allowances,
		SessionTTL:     c.SessionTTL.Duration,
		RequestTimeout: c.RequestTimeout.Duration,
		ConnectTimeout: c.ConnectTimeout.Duration,
		PingInterval:   c.PingInterval.Duration,
		ReuseSession:   c.ReuseSession,
		AuthInterval:   c.AuthInterval.Duration,
	}
}

// logNotification records unsolicited clearnode pushes (balance and
// session updates). It runs on the client's read goroutine.
func logNotification(logger *slog.Logger) clearnode.NotificationHandler {
	logger = logger.With(slog.String("component", "clearnode"))
	return func(method string, params json.RawMessage) {
		logger.Debug("clearnode notification",
			slog.String("method", method),
			slog.Int("bytes", len(params)),
		)
	}
}

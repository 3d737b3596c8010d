package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/vaultshift/internal/blob/s3"
	"github.com/alanyoungcy/vaultshift/internal/cache/redis"
	"github.com/alanyoungcy/vaultshift/internal/config"
	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/notify"
	"github.com/alanyoungcy/vaultshift/internal/server/handler"
	"github.com/alanyoungcy/vaultshift/internal/service"
	"github.com/alanyoungcy/vaultshift/internal/store/postgres"
)

// streamMaxLen bounds the replayable event stream, in Redis or in memory.
const streamMaxLen = 1000

// Dependencies bundles everything the modes need around the engine. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores. Records and Nonces fall back to in-memory implementations;
	// Audit and History are nil without Postgres.
	Records domain.MigrationStore
	Nonces  domain.NonceStore
	Audit   domain.AuditStore
	History s3blob.HistoryStore

	// Caches. Locks and Limiter are nil without Redis; Bus falls back to an
	// in-process bus.
	Locks   domain.LockManager
	Limiter domain.RateLimiter
	Bus     domain.SignalBus

	// Archiver is nil without S3.
	Archiver *s3blob.ReceiptArchiver

	Notifier *notify.Notifier

	// Health maps each external dependency to its probe.
	Health map[string]handler.HealthCheck
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

	deps := &Dependencies{Health: make(map[string]handler.HealthCheck)}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
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

		pool := pgClient.Pool()
		records := postgres.NewMigrationStore(pool)
		deps.Records = records
		deps.History = records
		deps.Nonces = postgres.NewNonceStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pgClient.Ping
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
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient, streamMaxLen)
		// Postgres keeps consumed nonces durably; Redis only stands in for it.
		if deps.Nonces == nil {
			deps.Nonces = redis.NewNonceStore(redisClient)
		}
		deps.Health["redis"] = redisClient.Ping
	}

	// --- S3 receipt archive ---
	if cfg.S3.Enabled {
		bucket, err := s3blob.OpenBucket(ctx, s3blob.BucketConfig{
			Endpoint:       cfg.S3.Endpoint,
			UseSSL:         cfg.S3.UseSSL,
			Region:         cfg.S3.Region,
			Name:           cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewReceiptArchiver(bucket, bucket, deps.History, deps.Audit)
		deps.Health["s3"] = bucket.Health
	}

	// --- In-memory fallbacks ---
	if deps.Records == nil {
		logger.WarnContext(ctx, "postgres disabled, migration history is kept in memory")
		deps.Records = service.NewMemoryMigrationStore()
	}
	if deps.Nonces == nil {
		logger.WarnContext(ctx, "postgres and redis disabled, consumed nonces are kept in memory")
		deps.Nonces = service.NewMemoryNonceStore()
	}
	if deps.Bus == nil {
		deps.Bus = service.NewMemoryBus(streamMaxLen)
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

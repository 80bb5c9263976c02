package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // database/sql driver for the audit trail
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-scribe/internal/audit"
	appconfig "github.com/wolfman30/clinic-scribe/internal/config"
	"github.com/wolfman30/clinic-scribe/internal/credential"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

// Credential backend names accepted in CREDENTIAL_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildCredentialBackend selects the credential backend named in config. The
// returned close func is never nil.
func BuildCredentialBackend(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (credential.Backend, func(), error) {
	noop := func() {}
	if cfg == nil {
		return nil, noop, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	switch cfg.CredentialBackend {
	case "", BackendMemory:
		logger.Warn("credential backend is in-memory; sign-in will not survive a restart")
		return credential.NewMemoryBackend(), noop, nil

	case BackendRedis:
		client := BuildRedisClient(ctx, cfg, logger, true)
		if client == nil {
			return nil, noop, fmt.Errorf("bootstrap: redis credential backend needs a reachable REDIS_ADDR")
		}
		logger.Info("credential backend ready", "backend", BackendRedis, "namespace", cfg.CredentialNamespace)
		return credential.NewRedisBackend(client, cfg.CredentialNamespace), func() { _ = client.Close() }, nil

	case BackendFile:
		if strings.TrimSpace(cfg.CredentialFile) == "" {
			return nil, noop, fmt.Errorf("bootstrap: file credential backend needs CREDENTIAL_FILE")
		}
		logger.Info("credential backend ready", "backend", BackendFile, "path", cfg.CredentialFile)
		return credential.NewFileBackend(cfg.CredentialFile), noop, nil

	case BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, noop, fmt.Errorf("bootstrap: postgres credential backend needs DATABASE_URL")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: open credential pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, noop, fmt.Errorf("bootstrap: ping credential pool: %w", err)
		}
		logger.Info("credential backend ready", "backend", BackendPostgres, "namespace", cfg.CredentialNamespace)
		return credential.NewPostgresBackend(pool, cfg.CredentialNamespace), pool.Close, nil

	default:
		return nil, noop, fmt.Errorf("bootstrap: unknown credential backend %q", cfg.CredentialBackend)
	}
}

// BuildAuditService opens the audit database when auditing is enabled. It
// returns (nil, noop, nil) when disabled.
func BuildAuditService(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*audit.Service, func(), error) {
	noop := func() {}
	if cfg == nil || !cfg.AuditEnabled {
		return nil, noop, nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, noop, fmt.Errorf("bootstrap: AUDIT_ENABLED needs DATABASE_URL")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, noop, fmt.Errorf("bootstrap: open audit db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, noop, fmt.Errorf("bootstrap: ping audit db: %w", err)
	}
	logger.Info("audit trail enabled")
	return audit.NewService(db), func() { _ = db.Close() }, nil
}

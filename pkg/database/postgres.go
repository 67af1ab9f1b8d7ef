package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
)

// ApplicationName identifies pipeline sessions in pg_stat_activity.
const ApplicationName = "ekaya-insights"

// DB wraps a pgxpool connection pool.
type DB struct {
	*pgxpool.Pool
}

// Config holds database connection configuration.
type Config struct {
	URL             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	// ConnectRetry governs the initial ping while the server is still
	// starting. Nil pings once.
	ConnectRetry *retry.Config
	Logger       *zap.Logger
}

// NewConnection creates the pool and waits until the server answers.
// The scheduler's advisory lock holds one connection for the life of the
// process, so the pool never runs with fewer than two.
func NewConnection(ctx context.Context, cfg *Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = max(cfg.MaxConnections, 2)
	if cfg.MaxConnections == 0 {
		poolConfig.MaxConns = 25
	}
	poolConfig.MaxConnLifetime = cmpOr(cfg.MaxConnLifetime, time.Hour)
	poolConfig.MaxConnIdleTime = cmpOr(cfg.MaxConnIdleTime, 30*time.Minute)
	poolConfig.ConnConfig.RuntimeParams["application_name"] = ApplicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := cfg.ConnectRetry
	if backoff == nil {
		backoff = &retry.Config{MaxRetries: 0}
	}

	attempt := 0
	err = retry.Do(ctx, backoff, func() error {
		attempt++
		if err := pool.Ping(ctx); err != nil {
			logger.Warn("Database not reachable yet", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database after %d attempts: %w", attempt, err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

func cmpOr(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}

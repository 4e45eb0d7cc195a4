package clients

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"attendkaro/attendance/internal/config"
	"attendkaro/attendance/internal/db"
	"attendkaro/attendance/internal/logging"
)

// Clients holds the process-wide connections to backing services.
type Clients struct {
	Pool  *pgxpool.Pool
	Redis redis.UniversalClient
}

// New connects to Postgres and, when REDIS_ADDR is set, to Redis.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Clients, error) {
	pool, err := db.Connect(ctx, db.PoolConfig{
		URL:           cfg.DatabaseURL,
		MaxConns:      cfg.DBMaxConns,
		RetryAttempts: cfg.DBConnectRetries,
		RetryInterval: cfg.DBRetryInterval,
	}, logger)
	if err != nil {
		return nil, err
	}
	c := &Clients{Pool: pool}
	if cfg.RedisAddr == "" {
		return c, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := ping(ctx, rdb, cfg.DBConnectRetries, cfg.DBRetryInterval, logger); err != nil {
		_ = rdb.Close()
		c.Close()
		return nil, err
	}
	c.Redis = rdb
	return c, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

func ping(ctx context.Context, rdb redis.UniversalClient, attempts uint64, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = time.Second
	}
	backoff := retry.WithMaxRetries(attempts, retry.NewExponential(interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WarnContext(ctx, "redis not ready", logging.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: connect: %w", err)
	}
	return nil
}

package jobs

import (
	"context"
	"log/slog"
	"time"

	"attendkaro/attendance/internal/config"
	"attendkaro/attendance/internal/logging"
)

// Expirer ends ACTIVE sessions older than the maximum duration.
type Expirer interface {
	ExpireStale(ctx context.Context, limit int) (int, error)
}

// RunSessionExpiryJob sweeps stale sessions on a ticker until ctx is done.
// It ends sessions that nobody reads after their deadline.
func RunSessionExpiryJob(ctx context.Context, cfg config.Config, expirer Expirer, logger *slog.Logger) error {
	if !cfg.ExpiryJobEnabled {
		logger.InfoContext(ctx, "session expiry job disabled")
		return nil
	}
	interval := cfg.ExpiryJobInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.ExpiryJobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger = logger.With(logging.Component("session_expiry"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expireTick(ctx, expirer, timeout, cfg.ExpiryJobBatch, logger)
		}
	}
}

func expireTick(ctx context.Context, expirer Expirer, timeout time.Duration, batch int, logger *slog.Logger) {
	start := time.Now()
	tickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n, err := expirer.ExpireStale(tickCtx, batch)
	if err != nil {
		logger.ErrorContext(ctx, "session expiry sweep failed", slog.Int("expired", n), logging.Error(err))
		return
	}
	if n > 0 {
		logger.InfoContext(ctx, "session expiry sweep", slog.Int("expired", n), logging.Elapsed(start))
	}
}

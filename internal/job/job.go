// Package job holds the background workers. Each one ticks on its own
// interval until the context ends or Stop is called.
package job

import (
	"context"
	"log/slog"
	"time"
)

func run(ctx context.Context, logger *slog.Logger, interval time.Duration, stopCh <-chan struct{}, tick func(context.Context)) {
	logger.Info("job started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("context done, job exiting")
			return
		case <-stopCh:
			logger.Info("job stopped")
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

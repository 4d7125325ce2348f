package job

import (
	"context"
	"log/slog"
	"time"
)

// StaleReleaser releases holds left open too long. reservation.Manager implements it.
type StaleReleaser interface {
	ReleaseStale(ctx context.Context, ttl time.Duration, limit int) (int, error)
}

// HoldExpiryJob releases created holds older than ttl, so a caller that never
// settles cannot lock a user's coins forever.
type HoldExpiryJob struct {
	holds     StaleReleaser
	ttl       time.Duration
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewHoldExpiryJob(holds StaleReleaser, ttl, interval time.Duration, logger *slog.Logger) *HoldExpiryJob {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HoldExpiryJob{
		holds:     holds,
		ttl:       ttl,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: 100,
		logger:    logger.With(slog.String("module", "job.hold_expiry")),
	}
}

func (j *HoldExpiryJob) Start(ctx context.Context) {
	run(ctx, j.logger, j.interval, j.stopCh, j.releaseExpiredHolds)
}

func (j *HoldExpiryJob) Stop() {
	close(j.stopCh)
}

func (j *HoldExpiryJob) releaseExpiredHolds(ctx context.Context) {
	n, err := j.holds.ReleaseStale(ctx, j.ttl, j.batchSize)
	if err != nil {
		j.logger.Error("release stale holds failed", slog.Int("released", n), slog.Any("error", err))
		return
	}
	if n > 0 {
		j.logger.Info("released stale holds", slog.Int("released", n))
	}
}

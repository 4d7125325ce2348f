package job

import (
	"context"
	"log/slog"
	"time"

	"liveeconomy/internal/model"
)

// Drainer hands spooled rows to fn oldest first. spool.BoltSpool implements it.
type Drainer interface {
	Drain(limit int, fn func(*model.AuditEntry) error) (int, error)
}

// AuditInserter is the audit store's write side.
type AuditInserter interface {
	Insert(ctx context.Context, entry *model.AuditEntry) error
}

// SpoolReplayer moves audit rows whose first insert failed back into the audit store.
type SpoolReplayer struct {
	spool     Drainer
	store     AuditInserter
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewSpoolReplayer(spool Drainer, store AuditInserter, interval time.Duration, logger *slog.Logger) *SpoolReplayer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SpoolReplayer{
		spool:     spool,
		store:     store,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: 500,
		logger:    logger.With(slog.String("module", "job.spool_replayer")),
	}
}

func (r *SpoolReplayer) Start(ctx context.Context) {
	run(ctx, r.logger, r.interval, r.stopCh, func(ctx context.Context) {
		if _, err := r.ReplayOnce(ctx); err != nil {
			r.logger.Warn("spool replay stopped early", slog.Any("error", err))
		}
	})
}

func (r *SpoolReplayer) Stop() {
	close(r.stopCh)
}

// ReplayOnce inserts up to one batch. It stops at the first failed insert and leaves the rest spooled.
func (r *SpoolReplayer) ReplayOnce(ctx context.Context) (int, error) {
	n, err := r.spool.Drain(r.batchSize, func(entry *model.AuditEntry) error {
		return r.store.Insert(ctx, entry)
	})
	if n > 0 {
		r.logger.Info("replayed spooled audit rows", slog.Int("count", n))
	}
	return n, err
}

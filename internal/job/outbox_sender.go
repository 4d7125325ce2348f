package job

import (
	"context"
	"log/slog"
	"time"

	"liveeconomy/internal/model"
)

// OutboxStore is the pending-message queue. repository.OutboxRepository implements it.
type OutboxStore interface {
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	MarkAsSent(ctx context.Context, id int64) error
	IncrementRetryCount(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64) error
}

// Relayer republishes an encoded envelope. channel.Publisher implements it.
type Relayer interface {
	Relay(ctx context.Context, topic, payload string) error
}

// OutboxSender relays stream events whose first publish failed.
type OutboxSender struct {
	outbox        OutboxStore
	relay         Relayer
	maxRetryCount int
	stopCh        chan struct{}
	interval      time.Duration
	batchSize     int
	logger        *slog.Logger
}

func NewOutboxSender(outbox OutboxStore, relay Relayer, interval time.Duration, maxRetryCount int, logger *slog.Logger) *OutboxSender {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if maxRetryCount <= 0 {
		maxRetryCount = 5
	}
	return &OutboxSender{
		outbox:        outbox,
		relay:         relay,
		maxRetryCount: maxRetryCount,
		stopCh:        make(chan struct{}),
		interval:      interval,
		batchSize:     100,
		logger:        logger.With(slog.String("module", "job.outbox_sender")),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	run(ctx, s.logger, s.interval, s.stopCh, s.processPendingMessages)
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outbox.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("query pending messages failed", slog.Any("error", err))
		return
	}

	// once a topic fails in this batch its later messages wait, so relays stay in order
	blocked := make(map[string]bool)
	for _, msg := range messages {
		if blocked[msg.Topic] {
			continue
		}
		if !s.sendMessage(ctx, msg) {
			blocked[msg.Topic] = true
		}
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.relay.Relay(ctx, msg.Topic, msg.Payload)
	if err == nil {
		if updateErr := s.outbox.MarkAsSent(ctx, msg.ID); updateErr != nil {
			s.logger.Error("mark sent failed", slog.Int64("id", msg.ID), slog.Any("error", updateErr))
		} else {
			s.logger.Info("message relayed",
				slog.Int64("id", msg.ID),
				slog.String("topic", msg.Topic),
				slog.String("kind", msg.Kind),
				slog.Int64("seq", msg.Seq))
		}
		return true
	}

	s.logger.Warn("relay failed", slog.Int64("id", msg.ID), slog.String("topic", msg.Topic), slog.Any("error", err))

	if msg.RetryCount+1 >= s.maxRetryCount {
		if err := s.outbox.MarkAsFailed(ctx, msg.ID); err != nil {
			s.logger.Error("mark failed failed", slog.Int64("id", msg.ID), slog.Any("error", err))
		} else {
			s.logger.Warn("message exceeded max retries, marked failed", slog.Int64("id", msg.ID))
		}
		return false
	}
	if err := s.outbox.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.logger.Error("increment retry count failed", slog.Int64("id", msg.ID), slog.Any("error", err))
	}
	return false
}

package job

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"liveeconomy/internal/model"
)

// AuditReader pages committed audit rows by id. repository.AuditRepository implements it.
type AuditReader interface {
	ListAfterID(ctx context.Context, afterID int64, limit int) ([]*model.AuditEntry, error)
}

// BatchSender publishes keyed messages. mq.Producer implements it.
type BatchSender interface {
	SendMessages(topic string, keys, values []string) error
}

// Cursor persists the last exported id. cache.Cursor implements it.
type Cursor interface {
	Load(ctx context.Context) (int64, error)
	Save(ctx context.Context, id int64) error
}

// AuditExporter streams audit rows to Kafka for the compliance export.
// Delivery is at least once: a crash between send and cursor save resends the batch.
type AuditExporter struct {
	rows      AuditReader
	sender    BatchSender
	cursor    Cursor
	topic     string
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewAuditExporter(rows AuditReader, sender BatchSender, cursor Cursor, topic string, interval time.Duration, batchSize int, logger *slog.Logger) *AuditExporter {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &AuditExporter{
		rows:      rows,
		sender:    sender,
		cursor:    cursor,
		topic:     topic,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With(slog.String("module", "job.audit_exporter")),
	}
}

func (e *AuditExporter) Start(ctx context.Context) {
	run(ctx, e.logger, e.interval, e.stopCh, func(ctx context.Context) {
		if _, err := e.ExportOnce(ctx); err != nil {
			e.logger.Error("audit export failed", slog.Any("error", err))
		}
	})
}

func (e *AuditExporter) Stop() {
	close(e.stopCh)
}

// ExportOnce sends the next batch and advances the cursor. It returns how many rows were sent.
func (e *AuditExporter) ExportOnce(ctx context.Context) (int, error) {
	after, err := e.cursor.Load(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := e.rows.ListAfterID(ctx, after, e.batchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(rows))
	values := make([]string, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return 0, err
		}
		// keyed by actor so one user's rows stay in one partition, in order
		keys = append(keys, strconv.FormatInt(row.ActorID, 10))
		values = append(values, string(data))
	}

	if err := e.sender.SendMessages(e.topic, keys, values); err != nil {
		return 0, err
	}
	last := rows[len(rows)-1].ID
	if err := e.cursor.Save(ctx, last); err != nil {
		return len(rows), err
	}
	e.logger.Info("audit rows exported", slog.Int("count", len(rows)), slog.Int64("last_id", last))
	return len(rows), nil
}

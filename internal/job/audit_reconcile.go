package job

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"liveeconomy/internal/audit"
	"liveeconomy/internal/model"
)

// HistoryScanner reads balance history by creation time. repository.TransactionRepository implements it.
type HistoryScanner interface {
	ListCreatedBetween(ctx context.Context, from, to time.Time, limit int) ([]*model.AccountTransaction, error)
}

// AuditCounter counts audit rows per transaction id. repository.AuditRepository implements it.
type AuditCounter interface {
	CountByTransactionIDs(ctx context.Context, txIDs []string) (map[string]int64, error)
}

// SpoolLen reports how many audit rows are still waiting for replay.
type SpoolLen interface {
	Len() (int, error)
}

// AuditReconcileJob compares balance history with the audit trail. Every
// history row must be referenced by at least one audit row; a row that is
// not gets a reconstructed audit entry. Rows younger than grace are left
// alone, as are all rows while the spool still holds unreplayed entries.
type AuditReconcileJob struct {
	history  HistoryScanner
	counts   AuditCounter
	log      *audit.Log
	spool    SpoolLen
	grace    time.Duration
	stopCh   chan struct{}
	interval time.Duration
	limit    int
	logger   *slog.Logger
	now      func() time.Time

	from     time.Time
	gaps     atomic.Int64
	repaired atomic.Int64
}

// NewAuditReconcileJob scans from lookback ago on its first run. spool may be nil.
func NewAuditReconcileJob(history HistoryScanner, counts AuditCounter, log *audit.Log, spool SpoolLen, interval, lookback time.Duration, logger *slog.Logger) *AuditReconcileJob {
	if interval <= 0 {
		interval = time.Minute
	}
	j := &AuditReconcileJob{
		history:  history,
		counts:   counts,
		log:      log,
		spool:    spool,
		grace:    2 * time.Minute,
		stopCh:   make(chan struct{}),
		interval: interval,
		limit:    500,
		logger:   logger.With(slog.String("module", "job.audit_reconcile")),
		now:      time.Now,
	}
	j.from = j.now().Add(-lookback)
	return j
}

func (j *AuditReconcileJob) Start(ctx context.Context) {
	run(ctx, j.logger, j.interval, j.stopCh, func(ctx context.Context) {
		if err := j.ReconcileOnce(ctx); err != nil {
			j.logger.Error("reconcile failed", slog.Any("error", err))
		}
	})
}

func (j *AuditReconcileJob) Stop() {
	close(j.stopCh)
}

// Gaps and Repaired count history rows found without audit rows, and how many were filled in.
func (j *AuditReconcileJob) Gaps() int64     { return j.gaps.Load() }
func (j *AuditReconcileJob) Repaired() int64 { return j.repaired.Load() }

// ReconcileOnce checks the next window of history rows.
func (j *AuditReconcileJob) ReconcileOnce(ctx context.Context) error {
	if j.spool != nil {
		n, err := j.spool.Len()
		if err != nil {
			return err
		}
		if n > 0 {
			j.logger.Info("spool not empty, reconcile deferred", slog.Int("spooled", n))
			return nil
		}
	}

	to := j.now().Add(-j.grace)
	if !to.After(j.from) {
		return nil
	}
	rows, err := j.history.ListCreatedBetween(ctx, j.from, to, j.limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		j.from = to
		return nil
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.TransactionNo
	}
	counts, err := j.counts.CountByTransactionIDs(ctx, ids)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if counts[row.TransactionNo] > 0 {
			continue
		}
		j.gaps.Add(1)
		j.logger.Warn("audit gap",
			slog.String("transaction_no", row.TransactionNo),
			slog.Int64("user_id", row.UserID),
			slog.String("type", row.Type),
			slog.Int64("amount", row.Amount))
		entry, ok := reconstruct(row)
		if !ok {
			continue
		}
		j.log.Record(ctx, entry)
		j.repaired.Add(1)
	}

	if len(rows) == j.limit {
		// a full page: resume at the last row seen, rows sharing its timestamp are checked again
		j.from = rows[len(rows)-1].CreatedAt
	} else {
		j.from = to
	}
	return nil
}

// reconstruct builds the audit entry a history row should have produced.
func reconstruct(row *model.AccountTransaction) (audit.Entry, bool) {
	eventType, ok := eventTypeFor(row)
	if !ok {
		return audit.Entry{}, false
	}
	amount := row.Amount
	if amount < 0 {
		amount = -amount
	}
	e := audit.Entry{
		EventType:          eventType,
		RequestID:          "reconcile:" + row.TransactionNo,
		ActorID:            row.UserID,
		Amount:             amount,
		ActorBalanceBefore: audit.Int64(row.BalanceBefore),
		ActorBalanceAfter:  audit.Int64(row.BalanceAfter),
		TransactionID:      row.TransactionNo,
		Description:        "Reconstructed from balance history: " + row.Type,
		Metadata: map[string]any{
			"reconciled": true,
			"reference":  row.Reference,
		},
	}
	if row.IdempotencyKey != nil {
		e.IdempotencyKey = *row.IdempotencyKey
	}
	if row.Type == model.TransactionTypePayout || row.Type == model.TransactionTypePayoutReturn {
		e.PayoutRequestID = row.Reference
	}
	return e, true
}

func eventTypeFor(row *model.AccountTransaction) (string, bool) {
	gift := strings.HasPrefix(row.Reference, "gift:")
	switch row.Type {
	case model.TransactionTypeTransferOut:
		if gift {
			return model.EventGiftSent, true
		}
		return model.EventTipSent, true
	case model.TransactionTypeTransferIn:
		if gift {
			return model.EventGiftReceived, true
		}
		return model.EventTipReceived, true
	case model.TransactionTypePurchase:
		return model.EventCoinPurchase, true
	case model.TransactionTypePayout:
		return model.EventPayoutRequested, true
	case model.TransactionTypePayoutReturn:
		if strings.Contains(row.Remark, audit.PayoutStatusFailed) {
			return model.EventPayoutFailed, true
		}
		return model.EventPayoutCancelled, true
	case model.TransactionTypeRefund:
		return model.EventAdminRefund, true
	case model.TransactionTypeHold:
		return model.EventHoldCreated, true
	case model.TransactionTypeHoldSettle:
		return model.EventHoldSettled, true
	case model.TransactionTypeHoldRelease:
		return model.EventHoldReleased, true
	}
	return "", false
}

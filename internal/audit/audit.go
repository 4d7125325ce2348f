// Package audit writes the append-only financial audit trail.
//
// Record never returns an error and never panics outward. A failed insert is
// logged as an audit write failure and handed to the dead-letter spool, so the
// financial action that already committed is never rolled back because of it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/model"
	"liveeconomy/internal/repository"

	"github.com/google/uuid"
)

// Store persists audit rows. repository.AuditRepository is the MySQL implementation.
type Store interface {
	Insert(ctx context.Context, entry *model.AuditEntry) error
	ListForUser(ctx context.Context, userID int64, q repository.AuditQuery) ([]*model.AuditEntry, error)
	ListForPayout(ctx context.Context, payoutRequestID string) ([]*model.AuditEntry, error)
	ListForTransaction(ctx context.Context, txID string) ([]*model.AuditEntry, error)
	ListByEventType(ctx context.Context, eventType string, q repository.AuditQuery) ([]*model.AuditEntry, error)
	ListByRequestID(ctx context.Context, requestID string) ([]*model.AuditEntry, error)
}

// Spool keeps rows whose insert failed until they can be replayed.
type Spool interface {
	Put(entry *model.AuditEntry) error
}

// Entry is the input to Record. Empty strings are stored as NULL.
type Entry struct {
	EventType            string
	RequestID            string
	ActorID              int64
	TargetID             *int64
	AdminID              *int64
	Amount               int64
	Currency             string
	ActorBalanceBefore   *int64
	ActorBalanceAfter    *int64
	TargetBalanceBefore  *int64
	TargetBalanceAfter   *int64
	TransactionID        string
	RelatedTransactionID string
	IdempotencyKey       string
	PayoutRequestID      string
	PreviousStatus       string
	NewStatus            string
	StreamID             string
	IP                   string
	Description          string
	Metadata             map[string]any
	FailureReason        string
}

type Options struct {
	Currency     string
	DefaultLimit int
	MaxLimit     int
}

// Log is the audit writer and query surface.
type Log struct {
	store    Store
	spool    Spool
	logger   *slog.Logger
	opts     Options
	failures atomic.Int64
	now      func() time.Time
}

// New builds a Log. spool may be nil, in which case failed rows are only logged.
func New(store Store, spool Spool, logger *slog.Logger, opts Options) *Log {
	if opts.Currency == "" {
		opts.Currency = "coins"
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 50
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 500
	}
	return &Log{
		store:  store,
		spool:  spool,
		logger: logger.With(slog.String("module", "audit")),
		opts:   opts,
		now:    time.Now,
	}
}

// Record appends one entry.
func (l *Log) Record(ctx context.Context, e Entry) {
	defer func() {
		if r := recover(); r != nil {
			l.failures.Add(1)
			l.logger.Error("audit record panicked",
				slog.String("event_type", e.EventType),
				slog.String("request_id", e.RequestID),
				slog.Any("panic", r))
		}
	}()

	row := l.build(e)

	// the caller's request may already be finished; the row must still land
	ctx = context.WithoutCancel(ctx)

	if err := l.store.Insert(ctx, row); err != nil {
		l.failures.Add(1)
		werr := fmt.Errorf("%w: %v", apperr.ErrAuditWriteFailure, err)
		l.logger.Error("audit write failed",
			slog.String("operation", "record"),
			slog.String("event_type", row.EventType),
			slog.String("request_id", row.RequestID),
			slog.Int64("actor_id", row.ActorID),
			slog.Any("error", werr))

		if l.spool == nil {
			return
		}
		if serr := l.spool.Put(row); serr != nil {
			l.logger.Error("audit spool failed, entry lost until reconciled",
				slog.String("event_type", row.EventType),
				slog.String("request_id", row.RequestID),
				slog.Any("error", serr))
		}
	}
}

// Failures returns how many Record calls failed to insert since start.
func (l *Log) Failures() int64 {
	return l.failures.Load()
}

func (l *Log) build(e Entry) *model.AuditEntry {
	currency := e.Currency
	if currency == "" {
		currency = l.opts.Currency
	}
	requestID := e.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	row := &model.AuditEntry{
		EventType:            e.EventType,
		RequestID:            requestID,
		ActorID:              e.ActorID,
		TargetID:             e.TargetID,
		AdminID:              e.AdminID,
		Amount:               e.Amount,
		Currency:             currency,
		ActorBalanceBefore:   e.ActorBalanceBefore,
		ActorBalanceAfter:    e.ActorBalanceAfter,
		TargetBalanceBefore:  e.TargetBalanceBefore,
		TargetBalanceAfter:   e.TargetBalanceAfter,
		TransactionID:        nullable(e.TransactionID),
		RelatedTransactionID: nullable(e.RelatedTransactionID),
		IdempotencyKey:       nullable(e.IdempotencyKey),
		PayoutRequestID:      nullable(e.PayoutRequestID),
		PreviousStatus:       nullable(e.PreviousStatus),
		NewStatus:            nullable(e.NewStatus),
		StreamID:             nullable(e.StreamID),
		IPHash:               HashIP(e.IP),
		Description:          e.Description,
		FailureReason:        nullable(e.FailureReason),
		CreatedAt:            l.now(),
	}

	metadata, err := encodeMetadata(e.Metadata)
	if err != nil {
		l.logger.Warn("audit metadata dropped",
			slog.String("event_type", e.EventType),
			slog.String("request_id", requestID),
			slog.Any("error", err))
	}
	row.Metadata = metadata
	return row
}

// HashIP returns the first 16 hex characters of sha256(ip), or nil for an empty ip.
func HashIP(ip string) *string {
	if ip == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(ip))
	h := hex.EncodeToString(sum[:])[:16]
	return &h
}

// encodeMetadata returns nil for an empty map so the column stays NULL.
func encodeMetadata(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

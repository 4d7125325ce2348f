package audit

import (
	"context"
	"fmt"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/model"
	"liveeconomy/internal/repository"
)

// Query bounds a user or event type scan. Zero Limit means the default.
type Query = repository.AuditQuery

func (l *Log) normalize(q Query) (Query, error) {
	if q.Limit <= 0 {
		q.Limit = l.opts.DefaultLimit
	}
	if q.Limit > l.opts.MaxLimit {
		q.Limit = l.opts.MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.StartDate != nil && q.EndDate != nil && q.EndDate.Before(*q.StartDate) {
		return q, apperr.Invalid("endDate", "must not be before startDate")
	}
	return q, nil
}

// GetLogsForUser returns entries where userID is the actor or the target, newest first.
func (l *Log) GetLogsForUser(ctx context.Context, userID int64, q Query) ([]*model.AuditEntry, error) {
	if userID <= 0 {
		return nil, apperr.Invalid("userId", "must be positive")
	}
	q, err := l.normalize(q)
	if err != nil {
		return nil, err
	}
	entries, err := l.store.ListForUser(ctx, userID, q)
	if err != nil {
		return nil, fmt.Errorf("audit logs for user %d: %w", userID, err)
	}
	return entries, nil
}

func (l *Log) GetLogsForPayout(ctx context.Context, payoutRequestID string) ([]*model.AuditEntry, error) {
	if payoutRequestID == "" {
		return nil, apperr.Invalid("payoutRequestId", "is required")
	}
	entries, err := l.store.ListForPayout(ctx, payoutRequestID)
	if err != nil {
		return nil, fmt.Errorf("audit logs for payout %s: %w", payoutRequestID, err)
	}
	return entries, nil
}

// GetLogsForTransaction matches txID as either the primary or the related transaction id.
func (l *Log) GetLogsForTransaction(ctx context.Context, txID string) ([]*model.AuditEntry, error) {
	if txID == "" {
		return nil, apperr.Invalid("transactionId", "is required")
	}
	entries, err := l.store.ListForTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("audit logs for transaction %s: %w", txID, err)
	}
	return entries, nil
}

func (l *Log) GetLogsByEventType(ctx context.Context, eventType string, q Query) ([]*model.AuditEntry, error) {
	if !model.IsAuditEventType(eventType) {
		return nil, apperr.Invalid("eventType", "unknown event type "+eventType)
	}
	q, err := l.normalize(q)
	if err != nil {
		return nil, err
	}
	entries, err := l.store.ListByEventType(ctx, eventType, q)
	if err != nil {
		return nil, fmt.Errorf("audit logs by event type %s: %w", eventType, err)
	}
	return entries, nil
}

// GetLogsByRequestID returns every row of one multi-entry event.
func (l *Log) GetLogsByRequestID(ctx context.Context, requestID string) ([]*model.AuditEntry, error) {
	if requestID == "" {
		return nil, apperr.Invalid("requestId", "is required")
	}
	entries, err := l.store.ListByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("audit logs by request %s: %w", requestID, err)
	}
	return entries, nil
}

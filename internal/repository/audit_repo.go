package repository

import (
	"context"
	"time"

	"liveeconomy/internal/model"

	"gorm.io/gorm"
)

// AuditQuery pages and bounds an audit scan.
type AuditQuery struct {
	Limit     int
	Offset    int
	StartDate *time.Time
	EndDate   *time.Time
}

// AuditRepository is insert plus read only. financial_audit_log rows are never updated or deleted.
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Insert(ctx context.Context, entry *model.AuditEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *AuditRepository) ListForUser(ctx context.Context, userID int64, q AuditQuery) ([]*model.AuditEntry, error) {
	query := r.db.WithContext(ctx).
		Where("actor_id = ? OR target_id = ?", userID, userID)
	return r.page(query, q)
}

func (r *AuditRepository) ListForPayout(ctx context.Context, payoutRequestID string) ([]*model.AuditEntry, error) {
	var entries []*model.AuditEntry
	err := r.db.WithContext(ctx).
		Where("payout_request_id = ?", payoutRequestID).
		Order("created_at DESC, id DESC").
		Find(&entries).Error
	return entries, err
}

// ListForTransaction matches txID on either side of a dual entry.
func (r *AuditRepository) ListForTransaction(ctx context.Context, txID string) ([]*model.AuditEntry, error) {
	var entries []*model.AuditEntry
	err := r.db.WithContext(ctx).
		Where("transaction_id = ? OR related_transaction_id = ?", txID, txID).
		Order("created_at DESC, id DESC").
		Find(&entries).Error
	return entries, err
}

func (r *AuditRepository) ListByEventType(ctx context.Context, eventType string, q AuditQuery) ([]*model.AuditEntry, error) {
	query := r.db.WithContext(ctx).Where("event_type = ?", eventType)
	return r.page(query, q)
}

func (r *AuditRepository) ListByRequestID(ctx context.Context, requestID string) ([]*model.AuditEntry, error) {
	var entries []*model.AuditEntry
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at DESC, id DESC").
		Find(&entries).Error
	return entries, err
}

// ListAfterID returns rows with id > afterID in insert order. Used by the export job.
func (r *AuditRepository) ListAfterID(ctx context.Context, afterID int64, limit int) ([]*model.AuditEntry, error) {
	var entries []*model.AuditEntry
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// CountByTransactionIDs returns how many rows reference each id as transaction_id.
func (r *AuditRepository) CountByTransactionIDs(ctx context.Context, txIDs []string) (map[string]int64, error) {
	type row struct {
		TransactionID string
		Total         int64
	}
	var rows []row
	counts := make(map[string]int64, len(txIDs))
	if len(txIDs) == 0 {
		return counts, nil
	}
	err := r.db.WithContext(ctx).
		Model(&model.AuditEntry{}).
		Select("transaction_id, COUNT(*) AS total").
		Where("transaction_id IN ?", txIDs).
		Group("transaction_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		counts[r.TransactionID] = r.Total
	}
	return counts, nil
}

// LeaderboardRow is one sender's total for a stream.
type LeaderboardRow struct {
	UserID int64 `json:"user_id"`
	Total  int64 `json:"total"`
}

// StreamLeaderboard sums tip_sent and gift_sent amounts per sender for a stream.
func (r *AuditRepository) StreamLeaderboard(ctx context.Context, streamID string, limit int) ([]LeaderboardRow, error) {
	var rows []LeaderboardRow
	err := r.db.WithContext(ctx).
		Model(&model.AuditEntry{}).
		Select("actor_id AS user_id, SUM(amount) AS total").
		Where("stream_id = ? AND event_type IN ?", streamID, []string{model.EventTipSent, model.EventGiftSent}).
		Group("actor_id").
		Order("total DESC, user_id ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}

func (r *AuditRepository) page(query *gorm.DB, q AuditQuery) ([]*model.AuditEntry, error) {
	if q.StartDate != nil {
		query = query.Where("created_at >= ?", *q.StartDate)
	}
	if q.EndDate != nil {
		query = query.Where("created_at <= ?", *q.EndDate)
	}
	var entries []*model.AuditEntry
	err := query.
		Order("created_at DESC, id DESC").
		Offset(q.Offset).
		Limit(q.Limit).
		Find(&entries).Error
	return entries, err
}

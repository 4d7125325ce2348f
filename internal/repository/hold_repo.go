package repository

import (
	"context"
	"errors"
	"time"

	"liveeconomy/internal/model"

	"gorm.io/gorm"
)

var (
	ErrHoldNotFound      = errors.New("hold not found")
	ErrHoldStatusInvalid = errors.New("hold status invalid")
)

type HoldRepository struct {
	db *gorm.DB
}

func NewHoldRepository(db *gorm.DB) *HoldRepository {
	return &HoldRepository{db: db}
}

func (r *HoldRepository) Create(ctx context.Context, hold *model.Hold) error {
	return r.db.WithContext(ctx).Create(hold).Error
}

func (r *HoldRepository) GetByHoldNo(ctx context.Context, holdNo string) (*model.Hold, error) {
	var hold model.Hold
	err := r.db.WithContext(ctx).Where("hold_no = ?", holdNo).First(&hold).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHoldNotFound
		}
		return nil, err
	}
	return &hold, nil
}

// GetByIdempotencyKey returns nil, nil when no hold carries key.
func (r *HoldRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.Hold, error) {
	var hold model.Hold
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&hold).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &hold, nil
}

// UpdateStatus moves a hold from fromStatus to toStatus.
// The WHERE on fromStatus makes a concurrent second transition affect zero rows.
func (r *HoldRepository) UpdateStatus(ctx context.Context, holdNo string, fromStatus, toStatus string, settledAmount int64) error {
	if !model.CanHoldTransitionTo(fromStatus, toStatus) {
		return ErrHoldStatusInvalid
	}

	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&model.Hold{}).
		Where("hold_no = ? AND status = ?", holdNo, fromStatus).
		Updates(map[string]interface{}{
			"status":         toStatus,
			"settled_amount": settledAmount,
			"resolved_at":    &now,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrHoldStatusInvalid
	}

	return nil
}

// GetStaleHolds returns created holds older than before.
func (r *HoldRepository) GetStaleHolds(ctx context.Context, before time.Time, limit int) ([]*model.Hold, error) {
	var holds []*model.Hold
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.HoldStatusCreated, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&holds).Error
	return holds, err
}

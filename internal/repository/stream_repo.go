package repository

import (
	"context"
	"errors"

	"liveeconomy/internal/model"

	"gorm.io/gorm"
)

// StreamStateRepository reads the canonical stream tables. It never writes them.
type StreamStateRepository struct {
	db *gorm.DB
}

func NewStreamStateRepository(db *gorm.DB) *StreamStateRepository {
	return &StreamStateRepository{db: db}
}

// ListMessages returns the newest limit messages in ascending id order.
func (r *StreamStateRepository) ListMessages(ctx context.Context, streamID string, limit int) ([]model.StreamMessage, error) {
	var messages []model.StreamMessage
	err := r.db.WithContext(ctx).
		Where("stream_id = ?", streamID).
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *StreamStateRepository) ListGoals(ctx context.Context, streamID string) ([]model.StreamGoal, error) {
	var goals []model.StreamGoal
	err := r.db.WithContext(ctx).
		Where("stream_id = ?", streamID).
		Order("id ASC").
		Find(&goals).Error
	return goals, err
}

// GetActivePoll returns nil, nil when the stream has no active poll.
func (r *StreamStateRepository) GetActivePoll(ctx context.Context, streamID string) (*model.StreamPoll, error) {
	var poll model.StreamPoll
	err := r.db.WithContext(ctx).
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("stream_id = ? AND active = ?", streamID, true).
		Order("id DESC").
		First(&poll).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &poll, nil
}

// GetActiveCountdown returns nil, nil when the stream has no active countdown.
func (r *StreamStateRepository) GetActiveCountdown(ctx context.Context, streamID string) (*model.StreamCountdown, error) {
	var countdown model.StreamCountdown
	err := r.db.WithContext(ctx).
		Where("stream_id = ? AND active = ?", streamID, true).
		Order("id DESC").
		First(&countdown).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &countdown, nil
}

func (r *StreamStateRepository) ListFeaturedCreators(ctx context.Context) ([]model.FeaturedCreator, error) {
	var creators []model.FeaturedCreator
	err := r.db.WithContext(ctx).
		Order("position ASC, id ASC").
		Find(&creators).Error
	return creators, err
}

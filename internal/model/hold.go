package model

import (
	"time"
)

const (
	HoldStatusCreated  = "created"
	HoldStatusSettled  = "settled"
	HoldStatusReleased = "released"
)

// ValidHoldTransitions maps a status to the statuses it may move to.
// Settled and released are terminal.
var ValidHoldTransitions = map[string][]string{
	HoldStatusCreated: {HoldStatusSettled, HoldStatusReleased},
}

func CanHoldTransitionTo(currentStatus, targetStatus string) bool {
	allowed, exists := ValidHoldTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Hold is a provisional debit against an account's available balance.
type Hold struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	HoldNo         string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"hold_no"`
	UserID         int64      `gorm:"index;not null" json:"user_id"`
	Amount         int64      `gorm:"not null" json:"amount"`
	SettledAmount  int64      `gorm:"not null;default:0" json:"settled_amount"`
	Purpose        string     `gorm:"type:varchar(128);not null" json:"purpose"`
	Status         string     `gorm:"type:varchar(20);index;not null" json:"status"`
	IdempotencyKey *string    `gorm:"type:varchar(128);uniqueIndex" json:"idempotency_key,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Hold) TableName() string {
	return "hold"
}

func (h *Hold) IsTerminal() bool {
	return h.Status == HoldStatusSettled || h.Status == HoldStatusReleased
}

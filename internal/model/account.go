package model

import (
	"time"
)

// Account is the balance store row for one user.
// HeldAmount is the sum of open holds; it is part of Balance, not separate from it.
type Account struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance    int64     `gorm:"not null;default:0" json:"balance"`
	HeldAmount int64     `gorm:"not null;default:0" json:"held_amount"`
	Version    int       `gorm:"not null;default:0" json:"version"` // optimistic lock
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

// Available is the part of the balance not covered by holds.
func (a *Account) Available() int64 {
	return a.Balance - a.HeldAmount
}

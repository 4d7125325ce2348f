package model

import (
	"time"
)

// ============================================================================
// Transaction types
// ============================================================================

const (
	TransactionTypeTransferOut  = "TRANSFER_OUT"
	TransactionTypeTransferIn   = "TRANSFER_IN"
	TransactionTypePurchase     = "PURCHASE"
	TransactionTypePayout       = "PAYOUT"
	TransactionTypePayoutReturn = "PAYOUT_RETURN"
	TransactionTypeRefund       = "REFUND"
	TransactionTypeHold         = "HOLD"
	TransactionTypeHoldSettle   = "HOLD_SETTLE"
	TransactionTypeHoldRelease  = "HOLD_RELEASE"
)

// ============================================================================
// Balance change history
// ============================================================================

// AccountTransaction is one row of the balance store's own change history.
//
// Rows are append only and written in the same DB transaction as the balance
// update. The audit reconcile job compares them against financial_audit_log.
type AccountTransaction struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	UserID         int64     `gorm:"index;not null" json:"user_id"`
	Reference      string    `gorm:"type:varchar(64);index;not null" json:"reference"` // tip, gift, payout or hold id
	Amount         int64     `gorm:"not null" json:"amount"`                           // signed
	HeldDelta      int64     `gorm:"not null;default:0" json:"held_delta"`
	Type           string    `gorm:"type:varchar(20);not null" json:"type"`
	BalanceBefore  int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter   int64     `gorm:"not null" json:"balance_after"`
	HeldBefore     int64     `gorm:"not null;default:0" json:"held_before"`
	HeldAfter      int64     `gorm:"not null;default:0" json:"held_after"`
	IdempotencyKey *string   `gorm:"type:varchar(192);uniqueIndex" json:"idempotency_key,omitempty"`
	Remark         string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AccountTransaction) TableName() string {
	return "account_transaction"
}

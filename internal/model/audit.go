package model

import (
	"time"
)

// ============================================================================
// Audit event types
// ============================================================================

const (
	EventTipSent             = "tip_sent"
	EventTipReceived         = "tip_received"
	EventGiftSent            = "gift_sent"
	EventGiftReceived        = "gift_received"
	EventCoinPurchase        = "coin_purchase"
	EventPayoutRequested     = "payout_requested"
	EventPayoutProcessing    = "payout_processing"
	EventPayoutCompleted     = "payout_completed"
	EventPayoutFailed        = "payout_failed"
	EventPayoutCancelled     = "payout_cancelled"
	EventAdminPayoutApproved = "admin_payout_approved"
	EventAdminPayoutRejected = "admin_payout_rejected"
	EventAdminRefund         = "admin_refund"
	EventHoldCreated         = "hold_created"
	EventHoldSettled         = "hold_settled"
	EventHoldReleased        = "hold_released"
)

// AuditEventTypes lists every valid event type.
var AuditEventTypes = []string{
	EventTipSent, EventTipReceived, EventGiftSent, EventGiftReceived,
	EventCoinPurchase,
	EventPayoutRequested, EventPayoutProcessing, EventPayoutCompleted, EventPayoutFailed, EventPayoutCancelled,
	EventAdminPayoutApproved, EventAdminPayoutRejected, EventAdminRefund,
	EventHoldCreated, EventHoldSettled, EventHoldReleased,
}

// IsAuditEventType reports whether s is a known event type.
func IsAuditEventType(s string) bool {
	for _, t := range AuditEventTypes {
		if t == s {
			return true
		}
	}
	return false
}

// ============================================================================
// Audit entry
// ============================================================================

// AuditEntry is one immutable row of the financial audit trail.
//
// Rows are inserted once and never updated or deleted. IPHash holds a
// truncated sha256 of the client IP; the raw address is never stored.
type AuditEntry struct {
	ID                   int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType            string    `gorm:"type:varchar(32);index;not null" json:"event_type"`
	RequestID            string    `gorm:"type:varchar(64);index;not null" json:"request_id"`
	ActorID              int64     `gorm:"index;not null" json:"actor_id"`
	TargetID             *int64    `gorm:"index" json:"target_id,omitempty"`
	AdminID              *int64    `json:"admin_id,omitempty"`
	Amount               int64     `gorm:"not null" json:"amount"`
	Currency             string    `gorm:"type:varchar(16);not null" json:"currency"`
	ActorBalanceBefore   *int64    `json:"actor_balance_before,omitempty"`
	ActorBalanceAfter    *int64    `json:"actor_balance_after,omitempty"`
	TargetBalanceBefore  *int64    `json:"target_balance_before,omitempty"`
	TargetBalanceAfter   *int64    `json:"target_balance_after,omitempty"`
	TransactionID        *string   `gorm:"type:varchar(64);index" json:"transaction_id,omitempty"`
	RelatedTransactionID *string   `gorm:"type:varchar(64);index" json:"related_transaction_id,omitempty"`
	IdempotencyKey       *string   `gorm:"type:varchar(128);index" json:"idempotency_key,omitempty"`
	PayoutRequestID      *string   `gorm:"type:varchar(64);index" json:"payout_request_id,omitempty"`
	PreviousStatus       *string   `gorm:"type:varchar(32)" json:"previous_status,omitempty"`
	NewStatus            *string   `gorm:"type:varchar(32)" json:"new_status,omitempty"`
	StreamID             *string   `gorm:"type:varchar(64);index" json:"stream_id,omitempty"`
	IPHash               *string   `gorm:"type:char(16)" json:"ip_hash,omitempty"`
	Description          string    `gorm:"type:varchar(512);not null" json:"description"`
	Metadata             *string   `gorm:"type:text" json:"metadata,omitempty"` // JSON string, NULL when absent
	FailureReason        *string   `gorm:"type:varchar(512)" json:"failure_reason,omitempty"`
	CreatedAt            time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AuditEntry) TableName() string {
	return "financial_audit_log"
}

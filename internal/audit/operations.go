package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"liveeconomy/internal/model"

	"github.com/google/uuid"
)

// TipParams describes a completed tip. Balances are the ledger's before/after values.
type TipParams struct {
	RequestID      string
	SenderID       int64
	CreatorID      int64
	Amount         int64
	SenderBefore   int64
	SenderAfter    int64
	CreatorBefore  int64
	CreatorAfter   int64
	TxID           string // sender side
	RelatedTxID    string // creator side
	IdempotencyKey string
	Context        string // "stream", "dm", ...
	StreamID       string
	IP             string
}

type GiftParams struct {
	TipParams
	GiftID   string
	GiftName string
}

// LogTip writes tip_sent then tip_received and returns their shared request id.
func (l *Log) LogTip(ctx context.Context, p TipParams) string {
	return l.logTransfer(ctx, p, "tip", model.EventTipSent, model.EventTipReceived, nil)
}

// LogGift writes gift_sent then gift_received. Both rows carry the gift metadata.
func (l *Log) LogGift(ctx context.Context, p GiftParams) string {
	metadata := map[string]any{
		"giftId":   p.GiftID,
		"giftName": p.GiftName,
		"streamId": p.StreamID,
	}
	return l.logTransfer(ctx, p.TipParams, "gift", model.EventGiftSent, model.EventGiftReceived, metadata)
}

// logTransfer writes the debit side first. A reader that sees the credit row can rely on the debit row being there.
func (l *Log) logTransfer(ctx context.Context, p TipParams, noun, sentType, receivedType string, metadata map[string]any) string {
	requestID := p.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	suffix := ""
	if p.Context != "" {
		suffix = " via " + p.Context
	}

	base := Entry{
		RequestID:           requestID,
		ActorID:             p.SenderID,
		TargetID:            Int64(p.CreatorID),
		Amount:              p.Amount,
		ActorBalanceBefore:  Int64(p.SenderBefore),
		ActorBalanceAfter:   Int64(p.SenderAfter),
		TargetBalanceBefore: Int64(p.CreatorBefore),
		TargetBalanceAfter:  Int64(p.CreatorAfter),
		IdempotencyKey:      p.IdempotencyKey,
		StreamID:            p.StreamID,
		IP:                  p.IP,
		Metadata:            metadata,
	}

	sent := base
	sent.EventType = sentType
	sent.TransactionID = p.TxID
	sent.RelatedTransactionID = p.RelatedTxID
	sent.Description = fmt.Sprintf("Sent %s of %d coins%s", noun, p.Amount, suffix)
	l.Record(ctx, sent)

	received := base
	received.EventType = receivedType
	received.TransactionID = p.RelatedTxID
	received.RelatedTransactionID = p.TxID
	received.Description = fmt.Sprintf("Received %s of %d coins%s", noun, p.Amount, suffix)
	l.Record(ctx, received)

	return requestID
}

// ============================================================================
// Payouts
// ============================================================================

const (
	PayoutStatusPending    = "pending"
	PayoutStatusProcessing = "processing"
	PayoutStatusCompleted  = "completed"
	PayoutStatusFailed     = "failed"
	PayoutStatusCancelled  = "cancelled"
)

var payoutEventTypes = map[string]string{
	PayoutStatusPending:    model.EventPayoutRequested,
	PayoutStatusProcessing: model.EventPayoutProcessing,
	PayoutStatusCompleted:  model.EventPayoutCompleted,
	PayoutStatusFailed:     model.EventPayoutFailed,
	PayoutStatusCancelled:  model.EventPayoutCancelled,
}

// PayoutEventType maps a payout status to its event type. Unknown statuses map to payout_requested.
func PayoutEventType(status string) string {
	if t, ok := payoutEventTypes[status]; ok {
		return t
	}
	return model.EventPayoutRequested
}

type PayoutStatusParams struct {
	RequestID       string
	CreatorID       int64
	Amount          int64
	PayoutRequestID string
	PreviousStatus  string
	NewStatus       string
	BalanceBefore   *int64
	BalanceAfter    *int64
	TxID            string
	FailureReason   string
	IP              string
}

func (l *Log) LogPayoutStatusChange(ctx context.Context, p PayoutStatusParams) {
	eventType := PayoutEventType(p.NewStatus)
	if _, known := payoutEventTypes[p.NewStatus]; !known {
		l.logger.Warn("unknown payout status, recorded as payout_requested",
			slog.String("payout_request_id", p.PayoutRequestID),
			slog.String("new_status", p.NewStatus))
	}

	desc := fmt.Sprintf("Payout %s status changed from %s to %s", p.PayoutRequestID, orNone(p.PreviousStatus), p.NewStatus)
	if p.FailureReason != "" {
		desc += ": " + p.FailureReason
	}

	l.Record(ctx, Entry{
		EventType:          eventType,
		RequestID:          p.RequestID,
		ActorID:            p.CreatorID,
		Amount:             p.Amount,
		ActorBalanceBefore: p.BalanceBefore,
		ActorBalanceAfter:  p.BalanceAfter,
		TransactionID:      p.TxID,
		PayoutRequestID:    p.PayoutRequestID,
		PreviousStatus:     p.PreviousStatus,
		NewStatus:          p.NewStatus,
		IP:                 p.IP,
		Description:        desc,
		FailureReason:      p.FailureReason,
	})
}

const (
	AdminActionApproved = "approved"
	AdminActionRejected = "rejected"
)

type AdminPayoutParams struct {
	RequestID       string
	AdminID         int64
	CreatorID       int64
	Amount          int64
	PayoutRequestID string
	Action          string
	Reason          string
	IP              string
}

// LogAdminPayoutAction records an admin decision. Actions other than approved and rejected are logged and skipped.
func (l *Log) LogAdminPayoutAction(ctx context.Context, p AdminPayoutParams) {
	e := Entry{
		RequestID:       p.RequestID,
		ActorID:         p.CreatorID,
		AdminID:         Int64(p.AdminID),
		Amount:          p.Amount,
		PayoutRequestID: p.PayoutRequestID,
		IP:              p.IP,
	}

	switch p.Action {
	case AdminActionApproved:
		e.EventType = model.EventAdminPayoutApproved
		e.Description = fmt.Sprintf("Admin %d approved payout %s", p.AdminID, p.PayoutRequestID)
	case AdminActionRejected:
		e.EventType = model.EventAdminPayoutRejected
		e.Description = fmt.Sprintf("Admin %d rejected payout %s", p.AdminID, p.PayoutRequestID)
		if p.Reason != "" {
			e.Description += ": " + p.Reason
			e.FailureReason = p.Reason
		}
	default:
		l.logger.Error("unknown admin payout action, not recorded",
			slog.String("payout_request_id", p.PayoutRequestID),
			slog.String("action", p.Action))
		return
	}

	l.Record(ctx, e)
}

// ============================================================================
// Purchases, refunds, holds
// ============================================================================

type CoinPurchaseParams struct {
	RequestID      string
	UserID         int64
	Amount         int64
	BalanceBefore  int64
	BalanceAfter   int64
	TxID           string
	IdempotencyKey string
	PaymentRef     string
	IP             string
}

func (l *Log) LogCoinPurchase(ctx context.Context, p CoinPurchaseParams) {
	var metadata map[string]any
	if p.PaymentRef != "" {
		metadata = map[string]any{"paymentRef": p.PaymentRef}
	}
	l.Record(ctx, Entry{
		EventType:          model.EventCoinPurchase,
		RequestID:          p.RequestID,
		ActorID:            p.UserID,
		Amount:             p.Amount,
		ActorBalanceBefore: Int64(p.BalanceBefore),
		ActorBalanceAfter:  Int64(p.BalanceAfter),
		TransactionID:      p.TxID,
		IdempotencyKey:     p.IdempotencyKey,
		IP:                 p.IP,
		Description:        fmt.Sprintf("Purchased %d coins", p.Amount),
		Metadata:           metadata,
	})
}

type AdminRefundParams struct {
	RequestID             string
	AdminID               int64
	UserID                int64
	Amount                int64
	BalanceBefore         int64
	BalanceAfter          int64
	TxID                  string
	RefundedTransactionID string
	IdempotencyKey        string
	Reason                string
	IP                    string
}

func (l *Log) LogAdminRefund(ctx context.Context, p AdminRefundParams) {
	desc := fmt.Sprintf("Admin %d refunded %d coins", p.AdminID, p.Amount)
	if p.Reason != "" {
		desc += ": " + p.Reason
	}
	l.Record(ctx, Entry{
		EventType:            model.EventAdminRefund,
		RequestID:            p.RequestID,
		ActorID:              p.UserID,
		AdminID:              Int64(p.AdminID),
		Amount:               p.Amount,
		ActorBalanceBefore:   Int64(p.BalanceBefore),
		ActorBalanceAfter:    Int64(p.BalanceAfter),
		TransactionID:        p.TxID,
		RelatedTransactionID: p.RefundedTransactionID,
		IdempotencyKey:       p.IdempotencyKey,
		IP:                   p.IP,
		Description:          desc,
	})
}

const (
	HoldActionCreated  = "created"
	HoldActionSettled  = "settled"
	HoldActionReleased = "released"
)

var holdEventTypes = map[string]string{
	HoldActionCreated:  model.EventHoldCreated,
	HoldActionSettled:  model.EventHoldSettled,
	HoldActionReleased: model.EventHoldReleased,
}

type HoldParams struct {
	RequestID      string
	UserID         int64
	Amount         int64
	Action         string
	HoldID         string
	Purpose        string
	BalanceBefore  int64
	BalanceAfter   int64
	HeldBefore     int64
	HeldAfter      int64
	TxID           string
	IdempotencyKey string
}

// LogHold records one hold transition. The description always names the action and the purpose.
func (l *Log) LogHold(ctx context.Context, p HoldParams) {
	eventType, ok := holdEventTypes[strings.ToLower(p.Action)]
	if !ok {
		l.logger.Warn("unknown hold action, not recorded",
			slog.String("hold_id", p.HoldID),
			slog.String("action", p.Action))
		return
	}

	l.Record(ctx, Entry{
		EventType:          eventType,
		RequestID:          p.RequestID,
		ActorID:            p.UserID,
		Amount:             p.Amount,
		ActorBalanceBefore: Int64(p.BalanceBefore),
		ActorBalanceAfter:  Int64(p.BalanceAfter),
		TransactionID:      p.TxID,
		IdempotencyKey:     p.IdempotencyKey,
		Description:        fmt.Sprintf("Hold %s: %d coins for %s", p.Action, p.Amount, p.Purpose),
		Metadata: map[string]any{
			"holdId":            p.HoldID,
			"purpose":           p.Purpose,
			"heldBalanceBefore": p.HeldBefore,
			"heldBalanceAfter":  p.HeldAfter,
		},
	})
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

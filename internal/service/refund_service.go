package service

import (
	"context"
	"log/slog"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/audit"
	"liveeconomy/internal/ledger"
	"liveeconomy/internal/model"
)

type AdminRefundRequest struct {
	RequestID             string `json:"request_id"`
	AdminID               int64  `json:"admin_id" binding:"required"`
	UserID                int64  `json:"user_id" binding:"required"`
	Amount                int64  `json:"amount" binding:"required,gt=0"`
	RefundedTransactionID string `json:"refunded_transaction_id" binding:"required"`
	Reason                string `json:"reason"`
	IdempotencyKey        string `json:"idempotency_key"`
	IP                    string `json:"-"`
}

// AdminRefund credits the user. A transaction is refunded at most once unless
// the caller supplies its own idempotency key.
func (s *EconomyService) AdminRefund(ctx context.Context, req *AdminRefundRequest) (*BalanceChangeResponse, error) {
	if req.AdminID <= 0 {
		return nil, apperr.Invalid("adminId", "must be positive")
	}
	if req.RefundedTransactionID == "" {
		return nil, apperr.Invalid("refundedTransactionId", "is required")
	}
	if req.Amount <= 0 {
		return nil, apperr.Invalid("amount", "must be positive")
	}
	key := req.IdempotencyKey
	if key == "" {
		key = "refund:" + req.RefundedTransactionID
	}

	res, err := s.apply(ctx, req.RequestID, ledger.Delta{
		ActorID:        req.UserID,
		Amount:         req.Amount,
		Type:           model.TransactionTypeRefund,
		Reference:      req.RefundedTransactionID,
		IdempotencyKey: key,
		Remark:         req.Reason,
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		s.logger.Info("refund already applied", slog.String("refunded_transaction_id", req.RefundedTransactionID))
		return res, nil
	}

	s.audit.LogAdminRefund(ctx, audit.AdminRefundParams{
		RequestID:             res.RequestID,
		AdminID:               req.AdminID,
		UserID:                req.UserID,
		Amount:                req.Amount,
		BalanceBefore:         res.BalanceBefore,
		BalanceAfter:          res.BalanceAfter,
		TxID:                  res.TransactionID,
		RefundedTransactionID: req.RefundedTransactionID,
		IdempotencyKey:        key,
		Reason:                req.Reason,
		IP:                    req.IP,
	})
	s.logger.Info("admin refund",
		slog.Int64("admin_id", req.AdminID),
		slog.Int64("user_id", req.UserID),
		slog.Int64("amount", req.Amount))
	return res, nil
}

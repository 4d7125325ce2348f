package service

import (
	"context"
	"fmt"
	"log/slog"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/audit"
	"liveeconomy/internal/infrastructure/lock"
	"liveeconomy/internal/ledger"
	"liveeconomy/internal/model"

	"github.com/google/uuid"
)

type PayoutStatusRequest struct {
	RequestID       string `json:"request_id"`
	CreatorID       int64  `json:"creator_id" binding:"required"`
	PayoutRequestID string `json:"payout_request_id"`
	Amount          int64  `json:"amount" binding:"required,gt=0"`
	PreviousStatus  string `json:"previous_status"`
	NewStatus       string `json:"new_status" binding:"required"`
	FailureReason   string `json:"failure_reason"`
	IP              string `json:"-"`
}

type PayoutStatusResponse struct {
	RequestID       string `json:"request_id"`
	PayoutRequestID string `json:"payout_request_id"`
	Status          string `json:"status"`
	TransactionID   string `json:"transaction_id,omitempty"`
	BalanceBefore   *int64 `json:"balance_before,omitempty"`
	BalanceAfter    *int64 `json:"balance_after,omitempty"`
	Replayed        bool   `json:"replayed"`
}

// ChangePayoutStatus records a payout transition and moves the coins it implies:
// entering pending debits the amount, failing or cancelling a debited payout returns it.
// Repeating a transition that already landed is a replay and writes nothing.
func (s *EconomyService) ChangePayoutStatus(ctx context.Context, req *PayoutStatusRequest) (*PayoutStatusResponse, error) {
	if err := validatePayoutStatus(req); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Acquire(ctx, lock.PayoutKey(req.PayoutRequestID))
	if err != nil {
		return nil, fmt.Errorf("system busy, retry later: %w", err)
	}
	defer unlock()
	return s.changePayoutStatus(ctx, req)
}

func validatePayoutStatus(req *PayoutStatusRequest) error {
	if req.CreatorID <= 0 {
		return apperr.Invalid("creatorId", "must be positive")
	}
	if req.PayoutRequestID == "" {
		return apperr.Invalid("payoutRequestId", "is required")
	}
	if req.Amount <= 0 {
		return apperr.Invalid("amount", "must be positive")
	}
	if req.NewStatus == "" {
		return apperr.Invalid("newStatus", "is required")
	}
	if req.NewStatus == req.PreviousStatus {
		return apperr.Invalid("newStatus", "must differ from previous status")
	}
	return nil
}

// changePayoutStatus runs under the payout lock.
func (s *EconomyService) changePayoutStatus(ctx context.Context, req *PayoutStatusRequest) (*PayoutStatusResponse, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	res := &PayoutStatusResponse{
		RequestID:       requestID,
		PayoutRequestID: req.PayoutRequestID,
		Status:          req.NewStatus,
	}

	d, ok, err := s.payoutDelta(ctx, req)
	if err != nil {
		return nil, err
	}
	if ok {
		change, err := s.apply(ctx, requestID, d)
		if err != nil {
			return nil, err
		}
		res.TransactionID = change.TransactionID
		if change.Replayed {
			res.Replayed = true
			return res, nil
		}
		res.BalanceBefore = audit.Int64(change.BalanceBefore)
		res.BalanceAfter = audit.Int64(change.BalanceAfter)
	} else if s.statusRecorded(ctx, req.PayoutRequestID, req.NewStatus) {
		res.Replayed = true
		return res, nil
	}

	s.audit.LogPayoutStatusChange(ctx, audit.PayoutStatusParams{
		RequestID:       requestID,
		CreatorID:       req.CreatorID,
		Amount:          req.Amount,
		PayoutRequestID: req.PayoutRequestID,
		PreviousStatus:  req.PreviousStatus,
		NewStatus:       req.NewStatus,
		BalanceBefore:   res.BalanceBefore,
		BalanceAfter:    res.BalanceAfter,
		TxID:            res.TransactionID,
		FailureReason:   req.FailureReason,
		IP:              req.IP,
	})
	s.logger.Info("payout status changed",
		slog.String("payout_request_id", req.PayoutRequestID),
		slog.String("from", req.PreviousStatus),
		slog.String("to", req.NewStatus))
	return res, nil
}

func payoutDebitKey(payoutRequestID string) string {
	return "payout:" + payoutRequestID + ":debit"
}

// payoutDelta returns the ledger movement a transition implies. The return
// credit is sized and addressed by the debit the ledger actually holds.
func (s *EconomyService) payoutDelta(ctx context.Context, req *PayoutStatusRequest) (ledger.Delta, bool, error) {
	switch req.NewStatus {
	case audit.PayoutStatusPending:
		return ledger.Delta{
			ActorID:        req.CreatorID,
			Amount:         -req.Amount,
			Type:           model.TransactionTypePayout,
			Reference:      req.PayoutRequestID,
			IdempotencyKey: payoutDebitKey(req.PayoutRequestID),
			Remark:         "payout requested",
		}, true, nil
	case audit.PayoutStatusFailed, audit.PayoutStatusCancelled:
		if req.PreviousStatus != audit.PayoutStatusPending && req.PreviousStatus != audit.PayoutStatusProcessing {
			return ledger.Delta{}, false, nil
		}
		debit, err := s.ledger.Lookup(ctx, payoutDebitKey(req.PayoutRequestID))
		if err != nil {
			return ledger.Delta{}, false, fmt.Errorf("payout return: %w", err)
		}
		if debit == nil {
			s.logger.Warn("payout was never debited, nothing to return",
				slog.String("payout_request_id", req.PayoutRequestID),
				slog.String("to", req.NewStatus))
			return ledger.Delta{}, false, nil
		}
		if debit.ActorID != req.CreatorID {
			return ledger.Delta{}, false, apperr.Invalid("creatorId", "does not own this payout")
		}
		return ledger.Delta{
			ActorID:        debit.ActorID,
			Amount:         debit.Before - debit.After,
			Type:           model.TransactionTypePayoutReturn,
			Reference:      req.PayoutRequestID,
			IdempotencyKey: "payout:" + req.PayoutRequestID + ":return",
			Remark:         "payout " + req.NewStatus,
		}, true, nil
	}
	return ledger.Delta{}, false, nil
}

// statusRecorded reports whether the payout already has a row for status.
// Transitions without a ledger movement use it as their idempotency gate.
func (s *EconomyService) statusRecorded(ctx context.Context, payoutRequestID, status string) bool {
	entries, err := s.audit.GetLogsForPayout(ctx, payoutRequestID)
	if err != nil {
		s.logger.Warn("payout history unavailable, recording transition",
			slog.String("payout_request_id", payoutRequestID),
			slog.Any("error", err))
		return false
	}
	for _, e := range entries {
		if e.NewStatus != nil && *e.NewStatus == status {
			return true
		}
	}
	return false
}

type AdminPayoutRequest struct {
	RequestID       string `json:"request_id"`
	AdminID         int64  `json:"admin_id" binding:"required"`
	CreatorID       int64  `json:"creator_id" binding:"required"`
	PayoutRequestID string `json:"payout_request_id"`
	Amount          int64  `json:"amount" binding:"required,gt=0"`
	Action          string `json:"action" binding:"required"`
	Reason          string `json:"reason"`
	IP              string `json:"-"`
}

// AdminPayoutAction moves a pending payout to processing (approved) or
// cancelled (rejected), then records the admin decision. A decision that
// was already applied is a replay and records nothing.
func (s *EconomyService) AdminPayoutAction(ctx context.Context, req *AdminPayoutRequest) (*PayoutStatusResponse, error) {
	if req.AdminID <= 0 {
		return nil, apperr.Invalid("adminId", "must be positive")
	}
	var next string
	switch req.Action {
	case audit.AdminActionApproved:
		next = audit.PayoutStatusProcessing
	case audit.AdminActionRejected:
		next = audit.PayoutStatusCancelled
	default:
		return nil, apperr.Invalid("action", "must be approved or rejected")
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	change := &PayoutStatusRequest{
		RequestID:       requestID,
		CreatorID:       req.CreatorID,
		PayoutRequestID: req.PayoutRequestID,
		Amount:          req.Amount,
		PreviousStatus:  audit.PayoutStatusPending,
		NewStatus:       next,
		IP:              req.IP,
	}
	if req.Action == audit.AdminActionRejected {
		change.FailureReason = req.Reason
	}
	if err := validatePayoutStatus(change); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Acquire(ctx, lock.PayoutKey(req.PayoutRequestID))
	if err != nil {
		return nil, fmt.Errorf("system busy, retry later: %w", err)
	}
	defer unlock()

	res, err := s.changePayoutStatus(ctx, change)
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		return res, nil
	}

	s.audit.LogAdminPayoutAction(ctx, audit.AdminPayoutParams{
		RequestID:       requestID,
		AdminID:         req.AdminID,
		CreatorID:       req.CreatorID,
		Amount:          req.Amount,
		PayoutRequestID: req.PayoutRequestID,
		Action:          req.Action,
		Reason:          req.Reason,
		IP:              req.IP,
	})
	return res, nil
}

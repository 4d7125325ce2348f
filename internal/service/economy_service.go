package service

import (
	"context"
	"fmt"
	"log/slog"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/audit"
	"liveeconomy/internal/channel"
	"liveeconomy/internal/infrastructure/lock"
	"liveeconomy/internal/ledger"
	"liveeconomy/internal/model"

	"github.com/google/uuid"
)

// EconomyService runs every financial action in the same order: ledger
// commit, audit, then publish. Only the ledger step can fail the action.
type EconomyService struct {
	ledger    *ledger.Adapter
	audit     *audit.Log
	publisher *channel.Publisher
	locker    lock.Locker
	logger    *slog.Logger
}

func NewEconomyService(l *ledger.Adapter, a *audit.Log, publisher *channel.Publisher, locker lock.Locker, logger *slog.Logger) *EconomyService {
	return &EconomyService{
		ledger:    l,
		audit:     a,
		publisher: publisher,
		locker:    locker,
		logger:    logger.With(slog.String("module", "service.economy")),
	}
}

type TipRequest struct {
	RequestID      string `json:"request_id"`
	SenderID       int64  `json:"sender_id" binding:"required"`
	CreatorID      int64  `json:"creator_id" binding:"required"`
	Amount         int64  `json:"amount" binding:"required,gt=0"`
	Context        string `json:"context"`
	StreamID       string `json:"stream_id"`
	IdempotencyKey string `json:"idempotency_key"`
	IP             string `json:"-"`
}

type GiftRequest struct {
	TipRequest
	GiftID   string `json:"gift_id" binding:"required"`
	GiftName string `json:"gift_name"`
}

type TransferResponse struct {
	RequestID            string `json:"request_id"`
	SenderTransactionID  string `json:"sender_transaction_id"`
	CreatorTransactionID string `json:"creator_transaction_id"`
	SenderBalance        int64  `json:"sender_balance"`
	CreatorBalance       int64  `json:"creator_balance"`
	Replayed             bool   `json:"replayed"`
}

func (s *EconomyService) SendTip(ctx context.Context, req *TipRequest) (*TransferResponse, error) {
	res, p, err := s.transfer(ctx, req, "tip")
	if err != nil || res.Replayed {
		return res, err
	}

	s.audit.LogTip(ctx, p)
	s.logger.Info("tip sent",
		slog.String("request_id", res.RequestID),
		slog.Int64("sender_id", req.SenderID),
		slog.Int64("creator_id", req.CreatorID),
		slog.Int64("amount", req.Amount))

	ev := channel.Tip{
		StreamID:      req.StreamID,
		SenderID:      req.SenderID,
		CreatorID:     req.CreatorID,
		Amount:        req.Amount,
		TransactionID: res.SenderTransactionID,
	}
	s.announce(ctx, req.StreamID, req.CreatorID, ev)
	return res, nil
}

func (s *EconomyService) SendGift(ctx context.Context, req *GiftRequest) (*TransferResponse, error) {
	if req.GiftID == "" {
		return nil, apperr.Invalid("giftId", "is required")
	}
	res, p, err := s.transfer(ctx, &req.TipRequest, "gift:"+req.GiftID)
	if err != nil || res.Replayed {
		return res, err
	}

	s.audit.LogGift(ctx, audit.GiftParams{TipParams: p, GiftID: req.GiftID, GiftName: req.GiftName})
	s.logger.Info("gift sent",
		slog.String("request_id", res.RequestID),
		slog.String("gift_id", req.GiftID),
		slog.Int64("sender_id", req.SenderID),
		slog.Int64("creator_id", req.CreatorID))

	ev := channel.Gift{
		StreamID:      req.StreamID,
		SenderID:      req.SenderID,
		CreatorID:     req.CreatorID,
		Amount:        req.Amount,
		GiftID:        req.GiftID,
		GiftName:      req.GiftName,
		TransactionID: res.SenderTransactionID,
	}
	s.announce(ctx, req.StreamID, req.CreatorID, ev)
	return res, nil
}

// transfer moves coins from sender to creator under the sender's lock and
// returns the audit parameters of the committed transfer.
func (s *EconomyService) transfer(ctx context.Context, req *TipRequest, kind string) (*TransferResponse, audit.TipParams, error) {
	if req.SenderID <= 0 {
		return nil, audit.TipParams{}, apperr.Invalid("senderId", "must be positive")
	}
	if req.CreatorID <= 0 {
		return nil, audit.TipParams{}, apperr.Invalid("creatorId", "must be positive")
	}
	if req.SenderID == req.CreatorID {
		return nil, audit.TipParams{}, apperr.Invalid("creatorId", "must differ from sender")
	}
	if req.Amount <= 0 {
		return nil, audit.TipParams{}, apperr.Invalid("amount", "must be positive")
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	via := req.Context
	if via == "" && req.StreamID != "" {
		via = "stream"
	}

	unlock, err := s.locker.Acquire(ctx, lock.UserKey(req.SenderID))
	if err != nil {
		return nil, audit.TipParams{}, fmt.Errorf("system busy, retry later: %w", err)
	}
	defer unlock()

	result, err := s.ledger.Transfer(ctx, ledger.TransferRequest{
		From:           req.SenderID,
		To:             req.CreatorID,
		Amount:         req.Amount,
		Reference:      kind + ":" + requestID,
		IdempotencyKey: req.IdempotencyKey,
		Remark:         kind,
	})
	if err != nil {
		return nil, audit.TipParams{}, fmt.Errorf("%s: %w", kind, err)
	}

	res := &TransferResponse{
		RequestID:            requestID,
		SenderTransactionID:  result.Sender.TransactionNo,
		CreatorTransactionID: result.Receiver.TransactionNo,
		SenderBalance:        result.Sender.After,
		CreatorBalance:       result.Receiver.After,
		Replayed:             result.Replayed,
	}
	if result.Replayed {
		s.logger.Info("replayed transfer, nothing recorded",
			slog.String("idempotency_key", req.IdempotencyKey),
			slog.String("reference", result.Sender.Reference))
		return res, audit.TipParams{}, nil
	}

	return res, audit.TipParams{
		RequestID:      requestID,
		SenderID:       req.SenderID,
		CreatorID:      req.CreatorID,
		Amount:         req.Amount,
		SenderBefore:   result.Sender.Before,
		SenderAfter:    result.Sender.After,
		CreatorBefore:  result.Receiver.Before,
		CreatorAfter:   result.Receiver.After,
		TxID:           result.Sender.TransactionNo,
		RelatedTxID:    result.Receiver.TransactionNo,
		IdempotencyKey: req.IdempotencyKey,
		Context:        via,
		StreamID:       req.StreamID,
		IP:             req.IP,
	}, nil
}

// announce publishes ev on the stream topic when there is one, and always on the creator's notifications.
func (s *EconomyService) announce(ctx context.Context, streamID string, creatorID int64, ev channel.Event) {
	if streamID != "" {
		s.publish(ctx, channel.StreamTopic(streamID), ev)
	}
	s.publish(ctx, channel.UserTopic(creatorID), ev)
}

func (s *EconomyService) publish(ctx context.Context, topic string, ev channel.Event) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, topic, ev); err != nil {
		s.logger.Error("publish failed", slog.String("topic", topic), slog.String("kind", string(ev.Kind())), slog.Any("error", err))
	}
}

type PurchaseRequest struct {
	RequestID      string `json:"request_id"`
	UserID         int64  `json:"user_id" binding:"required"`
	Amount         int64  `json:"amount" binding:"required,gt=0"`
	PaymentRef     string `json:"payment_ref" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
	IP             string `json:"-"`
}

type BalanceChangeResponse struct {
	RequestID     string `json:"request_id"`
	TransactionID string `json:"transaction_id"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
	Replayed      bool   `json:"replayed"`
}

// PurchaseCoins credits coins for a payment the processor already confirmed.
// The payment reference is the default idempotency key.
func (s *EconomyService) PurchaseCoins(ctx context.Context, req *PurchaseRequest) (*BalanceChangeResponse, error) {
	if req.Amount <= 0 {
		return nil, apperr.Invalid("amount", "must be positive")
	}
	if req.PaymentRef == "" {
		return nil, apperr.Invalid("paymentRef", "is required")
	}
	key := req.IdempotencyKey
	if key == "" {
		key = "purchase:" + req.PaymentRef
	}

	res, err := s.apply(ctx, req.RequestID, ledger.Delta{
		ActorID:        req.UserID,
		Amount:         req.Amount,
		Type:           model.TransactionTypePurchase,
		Reference:      req.PaymentRef,
		IdempotencyKey: key,
		Remark:         "coin purchase",
	})
	if err != nil || res.Replayed {
		return res, err
	}

	s.audit.LogCoinPurchase(ctx, audit.CoinPurchaseParams{
		RequestID:      res.RequestID,
		UserID:         req.UserID,
		Amount:         req.Amount,
		BalanceBefore:  res.BalanceBefore,
		BalanceAfter:   res.BalanceAfter,
		TxID:           res.TransactionID,
		IdempotencyKey: key,
		PaymentRef:     req.PaymentRef,
		IP:             req.IP,
	})
	return res, nil
}

// apply commits d under the actor's lock.
func (s *EconomyService) apply(ctx context.Context, requestID string, d ledger.Delta) (*BalanceChangeResponse, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	unlock, err := s.locker.Acquire(ctx, lock.UserKey(d.ActorID))
	if err != nil {
		return nil, fmt.Errorf("system busy, retry later: %w", err)
	}
	defer unlock()

	change, err := s.ledger.ApplyDelta(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Type, err)
	}
	return &BalanceChangeResponse{
		RequestID:     requestID,
		TransactionID: change.TransactionNo,
		BalanceBefore: change.Before,
		BalanceAfter:  change.After,
		Replayed:      change.Replayed,
	}, nil
}

package service

import (
	"context"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/ledger"
	"liveeconomy/internal/model"
)

// HistoryReader pages a user's balance history. repository.TransactionRepository implements it.
type HistoryReader interface {
	ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.AccountTransaction, int64, error)
}

type AccountService struct {
	ledger  *ledger.Adapter
	history HistoryReader
}

func NewAccountService(l *ledger.Adapter, history HistoryReader) *AccountService {
	return &AccountService{ledger: l, history: history}
}

func (s *AccountService) GetBalance(ctx context.Context, userID int64) (ledger.Balance, error) {
	return s.ledger.GetBalance(ctx, userID)
}

type HistoryPage struct {
	Items    []*model.AccountTransaction `json:"items"`
	Total    int64                       `json:"total"`
	Page     int                         `json:"page"`
	PageSize int                         `json:"page_size"`
}

func (s *AccountService) GetHistory(ctx context.Context, userID int64, page, pageSize int) (*HistoryPage, error) {
	if userID <= 0 {
		return nil, apperr.Invalid("userId", "must be positive")
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	items, total, err := s.history.ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

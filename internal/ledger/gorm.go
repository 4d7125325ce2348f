package ledger

import (
	"context"
	"errors"
	"sort"

	"liveeconomy/internal/model"
	"liveeconomy/internal/repository"

	"gorm.io/gorm"
)

// GormBackend stores balances in the account table and history in account_transaction.
//
// Commit locks every touched row with SELECT ... FOR UPDATE in ascending
// user id order, so two transfers between the same pair cannot deadlock.
// The version column is still checked on write.
type GormBackend struct {
	db           *gorm.DB
	accounts     *repository.AccountRepository
	transactions *repository.TransactionRepository
}

func NewGormBackend(db *gorm.DB) *GormBackend {
	return &GormBackend{
		db:           db,
		accounts:     repository.NewAccountRepository(db),
		transactions: repository.NewTransactionRepository(db),
	}
}

func (b *GormBackend) Account(ctx context.Context, actorID int64) (*model.Account, error) {
	acc, err := b.accounts.GetByUserID(ctx, actorID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	return acc, err
}

func (b *GormBackend) FindByIdempotencyKey(ctx context.Context, key string) (*model.AccountTransaction, error) {
	return b.transactions.GetByIdempotencyKey(ctx, key)
}

func (b *GormBackend) Commit(ctx context.Context, entries []Entry) ([]*model.AccountTransaction, error) {
	ids, opens := actorsOf(entries)
	var rows []*model.AccountTransaction

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			if !opens[id] {
				continue
			}
			if err := b.accounts.EnsureExists(ctx, tx, id); err != nil {
				return err
			}
		}

		locked := make(map[int64]*model.Account, len(ids))
		versions := make(map[int64]int, len(ids))
		for _, id := range ids {
			acc, err := b.accounts.GetByUserIDForUpdate(ctx, tx, id)
			if err != nil {
				if errors.Is(err, repository.ErrAccountNotFound) {
					return ErrAccountNotFound
				}
				return err
			}
			locked[id] = acc
			versions[id] = acc.Version
		}

		rows = rows[:0]
		for _, e := range entries {
			row, err := step(locked[e.ActorID], e)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}

		for _, id := range ids {
			acc := locked[id]
			if err := b.accounts.UpdateBalance(ctx, tx, id, acc.Balance, acc.HeldAmount, versions[id]); err != nil {
				return err
			}
		}

		for _, row := range rows {
			if err := b.transactions.Create(ctx, tx, row); err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return ErrDuplicateIdempotencyKey
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// actorsOf returns the distinct actor ids in ascending order and which of them may be created.
func actorsOf(entries []Entry) ([]int64, map[int64]bool) {
	opens := make(map[int64]bool, len(entries))
	var ids []int64
	for _, e := range entries {
		if _, seen := opens[e.ActorID]; !seen {
			ids = append(ids, e.ActorID)
			opens[e.ActorID] = true
		}
		opens[e.ActorID] = opens[e.ActorID] && creates(e)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, opens
}

package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"liveeconomy/internal/model"
)

// MemoryBackend keeps balances in process. It backs tests and single-node local runs.
type MemoryBackend struct {
	mu       sync.Mutex
	accounts map[int64]*model.Account
	history  []*model.AccountTransaction
	byKey    map[string]*model.AccountTransaction
	nextID   int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		accounts: make(map[int64]*model.Account),
		byKey:    make(map[string]*model.AccountTransaction),
	}
}

// Seed sets an account's balance directly, bypassing history. Test and bootstrap use only.
func (b *MemoryBackend) Seed(userID, balance int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[userID]
	if !ok {
		acc = &model.Account{UserID: userID, CreatedAt: time.Now()}
		b.accounts[userID] = acc
	}
	acc.Balance = balance
	acc.UpdatedAt = time.Now()
}

func (b *MemoryBackend) Account(_ context.Context, actorID int64) (*model.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[actorID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (b *MemoryBackend) FindByIdempotencyKey(_ context.Context, key string) (*model.AccountTransaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.byKey[key]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (b *MemoryBackend) Commit(_ context.Context, entries []Entry) ([]*model.AccountTransaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	staged := make(map[int64]*model.Account)
	rows := make([]*model.AccountTransaction, 0, len(entries))
	now := time.Now()

	for _, e := range entries {
		if e.IdempotencyKey != "" {
			if _, dup := b.byKey[e.IdempotencyKey]; dup {
				return nil, ErrDuplicateIdempotencyKey
			}
		}

		acc, ok := staged[e.ActorID]
		if !ok {
			if cur, exists := b.accounts[e.ActorID]; exists {
				cp := *cur
				acc = &cp
			} else if creates(e) {
				acc = &model.Account{UserID: e.ActorID, CreatedAt: now}
			} else {
				return nil, ErrAccountNotFound
			}
			staged[e.ActorID] = acc
		}

		row, err := step(acc, e)
		if err != nil {
			return nil, err
		}
		row.CreatedAt = now
		rows = append(rows, row)
	}

	for id, acc := range staged {
		acc.Version++
		acc.UpdatedAt = now
		b.accounts[id] = acc
	}
	out := make([]*model.AccountTransaction, len(rows))
	for i, row := range rows {
		b.nextID++
		row.ID = b.nextID
		b.history = append(b.history, row)
		if row.IdempotencyKey != nil {
			b.byKey[*row.IdempotencyKey] = row
		}
		cp := *row
		out[i] = &cp
	}
	return out, nil
}

// History returns a copy of every row for userID, oldest first.
func (b *MemoryBackend) History(userID int64) []model.AccountTransaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.AccountTransaction
	for _, row := range b.history {
		if row.UserID == userID {
			out = append(out, *row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByUserID pages a user's rows newest first, like repository.TransactionRepository.
func (b *MemoryBackend) ListByUserID(_ context.Context, userID int64, page, pageSize int) ([]*model.AccountTransaction, int64, error) {
	rows := b.History(userID)
	total := int64(len(rows))
	start := (page - 1) * pageSize
	if start < 0 {
		start = 0
	}
	var out []*model.AccountTransaction
	for i := len(rows) - 1 - start; i >= 0 && len(out) < pageSize; i-- {
		row := rows[i]
		out = append(out, &row)
	}
	return out, total, nil
}

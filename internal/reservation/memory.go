package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	"liveeconomy/internal/model"
	"liveeconomy/internal/repository"
)

// MemoryHoldStore is an in-process HoldStore.
type MemoryHoldStore struct {
	mu     sync.Mutex
	holds  map[string]*model.Hold
	nextID int64
}

func NewMemoryHoldStore() *MemoryHoldStore {
	return &MemoryHoldStore{holds: make(map[string]*model.Hold)}
}

func (s *MemoryHoldStore) Create(_ context.Context, hold *model.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	hold.ID = s.nextID
	if hold.CreatedAt.IsZero() {
		hold.CreatedAt = time.Now()
	}
	hold.UpdatedAt = hold.CreatedAt
	cp := *hold
	s.holds[hold.HoldNo] = &cp
	return nil
}

func (s *MemoryHoldStore) GetByHoldNo(_ context.Context, holdNo string) (*model.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdNo]
	if !ok {
		return nil, repository.ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryHoldStore) GetByIdempotencyKey(_ context.Context, key string) (*model.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.holds {
		if h.IdempotencyKey != nil && *h.IdempotencyKey == key {
			cp := *h
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryHoldStore) UpdateStatus(_ context.Context, holdNo string, fromStatus, toStatus string, settledAmount int64) error {
	if !model.CanHoldTransitionTo(fromStatus, toStatus) {
		return repository.ErrHoldStatusInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdNo]
	if !ok || h.Status != fromStatus {
		return repository.ErrHoldStatusInvalid
	}
	now := time.Now()
	h.Status = toStatus
	h.SettledAmount = settledAmount
	h.ResolvedAt = &now
	h.UpdatedAt = now
	return nil
}

func (s *MemoryHoldStore) GetStaleHolds(_ context.Context, before time.Time, limit int) ([]*model.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Hold
	for _, h := range s.holds {
		if h.Status == model.HoldStatusCreated && h.CreatedAt.Before(before) {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

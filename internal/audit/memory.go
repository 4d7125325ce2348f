package audit

import (
	"context"
	"sort"
	"sync"

	"liveeconomy/internal/model"
	"liveeconomy/internal/repository"
)

// MemoryStore is an in-process Store. FailWith makes every Insert return that error.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*model.AuditEntry
	nextID   int64
	failWith error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *MemoryStore) Insert(_ context.Context, entry *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.nextID++
	cp := *entry
	cp.ID = s.nextID
	entry.ID = cp.ID
	s.entries = append(s.entries, &cp)
	return nil
}

// All returns every row in insert order.
func (s *MemoryStore) All() []*model.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *MemoryStore) ListForUser(_ context.Context, userID int64, q repository.AuditQuery) ([]*model.AuditEntry, error) {
	return s.page(q, func(e *model.AuditEntry) bool {
		return e.ActorID == userID || (e.TargetID != nil && *e.TargetID == userID)
	}), nil
}

func (s *MemoryStore) ListForPayout(_ context.Context, payoutRequestID string) ([]*model.AuditEntry, error) {
	return s.filter(func(e *model.AuditEntry) bool {
		return eq(e.PayoutRequestID, payoutRequestID)
	}), nil
}

func (s *MemoryStore) ListForTransaction(_ context.Context, txID string) ([]*model.AuditEntry, error) {
	return s.filter(func(e *model.AuditEntry) bool {
		return eq(e.TransactionID, txID) || eq(e.RelatedTransactionID, txID)
	}), nil
}

func (s *MemoryStore) ListByEventType(_ context.Context, eventType string, q repository.AuditQuery) ([]*model.AuditEntry, error) {
	return s.page(q, func(e *model.AuditEntry) bool {
		return e.EventType == eventType
	}), nil
}

func (s *MemoryStore) ListByRequestID(_ context.Context, requestID string) ([]*model.AuditEntry, error) {
	return s.filter(func(e *model.AuditEntry) bool {
		return e.RequestID == requestID
	}), nil
}

func (s *MemoryStore) filter(match func(*model.AuditEntry) bool) []*model.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.AuditEntry
	for _, e := range s.entries {
		if match(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *MemoryStore) page(q repository.AuditQuery, match func(*model.AuditEntry) bool) []*model.AuditEntry {
	out := s.filter(func(e *model.AuditEntry) bool {
		if q.StartDate != nil && e.CreatedAt.Before(*q.StartDate) {
			return false
		}
		if q.EndDate != nil && e.CreatedAt.After(*q.EndDate) {
			return false
		}
		return match(e)
	})
	if q.Offset >= len(out) {
		return nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func eq(p *string, s string) bool {
	return p != nil && *p == s
}

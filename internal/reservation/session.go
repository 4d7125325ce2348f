package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/model"
)

var (
	ErrReservationExhausted = errors.New("reservation exhausted")
	ErrSessionClosed        = errors.New("metered session closed")
)

// MeteredSession bills a per-unit activity (e.g. a per-minute call) against one hold.
//
// Start reserves rate*maxUnits up front, so the caller can never be charged
// more than their available balance allowed at that moment. Tick is safe to
// call from several goroutines.
type MeteredSession struct {
	mgr      *Manager
	hold     *model.Hold
	rate     int64
	maxUnits int64

	mu     sync.Mutex
	units  int64
	closed bool
}

type SessionRequest struct {
	ActorID        int64
	Rate           int64
	MaxUnits       int64
	Purpose        string
	IdempotencyKey string
}

// StartSession reserves the worst-case cost of the session.
func (m *Manager) StartSession(ctx context.Context, req SessionRequest) (*MeteredSession, error) {
	if req.Rate <= 0 {
		return nil, apperr.Invalid("rate", "must be positive")
	}
	if req.MaxUnits <= 0 {
		return nil, apperr.Invalid("maxUnits", "must be positive")
	}
	hold, err := m.Reserve(ctx, ReserveRequest{
		ActorID:        req.ActorID,
		Amount:         req.Rate * req.MaxUnits,
		Purpose:        req.Purpose,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return &MeteredSession{mgr: m, hold: hold, rate: req.Rate, maxUnits: req.MaxUnits}, nil
}

// Tick consumes one unit and returns the total consumed amount so far.
func (s *MeteredSession) Tick() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.units * s.rate, ErrSessionClosed
	}
	if s.units >= s.maxUnits {
		return s.units * s.rate, ErrReservationExhausted
	}
	s.units++
	return s.units * s.rate, nil
}

// End settles the consumed amount and frees the remainder.
func (s *MeteredSession) End(ctx context.Context) (*model.Hold, error) {
	s.mu.Lock()
	s.closed = true
	consumed := s.units * s.rate
	s.mu.Unlock()
	return s.mgr.Settle(ctx, s.hold.HoldNo, consumed)
}

// Abort releases the whole reservation without charging.
func (s *MeteredSession) Abort(ctx context.Context) (*model.Hold, error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.mgr.Release(ctx, s.hold.HoldNo)
}

func (s *MeteredSession) HoldNo() string {
	return s.hold.HoldNo
}

// Consumed returns the amount consumed so far.
func (s *MeteredSession) Consumed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units * s.rate
}

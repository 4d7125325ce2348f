// Package reservation manages holds: provisional debits that reduce an
// account's available balance until they are settled or released.
//
//	created -> settled   consumed amount leaves the balance, the hold is freed
//	created -> released  the hold is freed, the balance is untouched
//
// Both targets are terminal. A second transition returns a ConflictError and
// performs no ledger mutation and writes no audit entry.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/audit"
	"liveeconomy/internal/infrastructure/lock"
	"liveeconomy/internal/ledger"
	"liveeconomy/internal/model"
	"liveeconomy/internal/repository"
	"liveeconomy/pkg/idgen"
)

var ErrHoldNotFound = repository.ErrHoldNotFound

// HoldStore persists holds. repository.HoldRepository is the MySQL implementation.
type HoldStore interface {
	Create(ctx context.Context, hold *model.Hold) error
	GetByHoldNo(ctx context.Context, holdNo string) (*model.Hold, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Hold, error)
	// UpdateStatus returns repository.ErrHoldStatusInvalid when the hold is no longer in fromStatus.
	UpdateStatus(ctx context.Context, holdNo string, fromStatus, toStatus string, settledAmount int64) error
	GetStaleHolds(ctx context.Context, before time.Time, limit int) ([]*model.Hold, error)
}

type ReserveRequest struct {
	ActorID        int64
	Amount         int64
	Purpose        string
	IdempotencyKey string
}

type Manager struct {
	ledger     *ledger.Adapter
	holds      HoldStore
	audit      *audit.Log
	locker     lock.Locker
	logger     *slog.Logger
	nextHoldNo func() string
}

func NewManager(l *ledger.Adapter, holds HoldStore, a *audit.Log, locker lock.Locker, logger *slog.Logger) *Manager {
	return &Manager{
		ledger:     l,
		holds:      holds,
		audit:      a,
		locker:     locker,
		logger:     logger.With(slog.String("module", "reservation")),
		nextHoldNo: idgen.GenerateHoldNo,
	}
}

func ledgerKey(holdNo, action string) string {
	return fmt.Sprintf("hold:%s:%s", holdNo, action)
}

// Reserve moves Amount into the actor's held balance and opens a hold.
// A repeated IdempotencyKey returns the hold it opened the first time.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (*model.Hold, error) {
	if req.ActorID <= 0 {
		return nil, apperr.Invalid("actorId", "must be positive")
	}
	if req.Amount <= 0 {
		return nil, apperr.Invalid("amount", "must be positive")
	}
	if req.Purpose == "" {
		return nil, apperr.Invalid("purpose", "is required")
	}

	unlock, err := m.locker.Acquire(ctx, lock.UserKey(req.ActorID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	holdNo := m.nextHoldNo()
	createKey := ledgerKey(holdNo, audit.HoldActionCreated)
	if req.IdempotencyKey != "" {
		existing, err := m.holds.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("reserve: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
		createKey = "reserve:" + req.IdempotencyKey
	}

	var change ledger.Change
	for {
		change, err = m.ledger.ApplyDelta(ctx, ledger.Delta{
			ActorID:        req.ActorID,
			HeldDelta:      req.Amount,
			Type:           model.TransactionTypeHold,
			Reference:      holdNo,
			IdempotencyKey: createKey,
			Remark:         req.Purpose,
		})
		if err != nil {
			return nil, fmt.Errorf("reserve: %w", err)
		}
		if !change.Replayed {
			break
		}
		// a previous attempt committed the ledger hold but not the row
		released, err := m.ledger.Lookup(ctx, ledgerKey(change.Reference, audit.HoldActionReleased))
		if err != nil {
			return nil, fmt.Errorf("reserve: %w", err)
		}
		if released == nil {
			holdNo = change.Reference
			break
		}
		// that attempt was compensated; reserve again under a key derived from it
		m.logger.Info("previous reserve attempt was rolled back, reserving again",
			slog.String("idempotency_key", req.IdempotencyKey),
			slog.String("rolled_back_hold_no", change.Reference))
		createKey = "reserve:" + req.IdempotencyKey + ":after:" + change.Reference
	}

	hold := &model.Hold{
		HoldNo:  holdNo,
		UserID:  req.ActorID,
		Amount:  req.Amount,
		Purpose: req.Purpose,
		Status:  model.HoldStatusCreated,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		hold.IdempotencyKey = &key
	}
	if err := m.holds.Create(ctx, hold); err != nil {
		m.logger.Error("hold row not written, returning held coins",
			slog.String("operation", "reserve"),
			slog.String("hold_no", holdNo),
			slog.Any("error", err))
		m.compensate(ctx, hold)
		return nil, fmt.Errorf("reserve: %w", err)
	}

	m.audit.LogHold(ctx, audit.HoldParams{
		UserID:         req.ActorID,
		Amount:         req.Amount,
		Action:         audit.HoldActionCreated,
		HoldID:         holdNo,
		Purpose:        req.Purpose,
		BalanceBefore:  change.Before,
		BalanceAfter:   change.After,
		HeldBefore:     change.HeldBefore,
		HeldAfter:      change.HeldAfter,
		TxID:           change.TransactionNo,
		IdempotencyKey: req.IdempotencyKey,
	})
	return hold, nil
}

func (m *Manager) compensate(ctx context.Context, hold *model.Hold) {
	_, err := m.ledger.ApplyDelta(ctx, ledger.Delta{
		ActorID:        hold.UserID,
		HeldDelta:      -hold.Amount,
		Type:           model.TransactionTypeHoldRelease,
		Reference:      hold.HoldNo,
		IdempotencyKey: ledgerKey(hold.HoldNo, audit.HoldActionReleased),
		Remark:         "hold row not persisted",
	})
	if err != nil {
		m.logger.Error("hold compensation failed",
			slog.String("hold_no", hold.HoldNo),
			slog.Int64("amount", hold.Amount),
			slog.Any("error", err))
	}
}

// Settle charges consumed coins and frees the rest of the hold.
func (m *Manager) Settle(ctx context.Context, holdNo string, consumed int64) (*model.Hold, error) {
	if consumed < 0 {
		return nil, apperr.Invalid("consumed", "must not be negative")
	}
	return m.transition(ctx, holdNo, model.HoldStatusSettled, func(h *model.Hold) (ledger.Delta, error) {
		if consumed > h.Amount {
			return ledger.Delta{}, apperr.Invalid("consumed", fmt.Sprintf("exceeds reserved amount %d", h.Amount))
		}
		return ledger.Delta{
			ActorID:   h.UserID,
			Amount:    -consumed,
			HeldDelta: -h.Amount,
			Type:      model.TransactionTypeHoldSettle,
		}, nil
	}, consumed)
}

// Release frees the whole hold without charging anything.
func (m *Manager) Release(ctx context.Context, holdNo string) (*model.Hold, error) {
	return m.transition(ctx, holdNo, model.HoldStatusReleased, func(h *model.Hold) (ledger.Delta, error) {
		return ledger.Delta{
			ActorID:   h.UserID,
			HeldDelta: -h.Amount,
			Type:      model.TransactionTypeHoldRelease,
		}, nil
	}, 0)
}

func (m *Manager) transition(ctx context.Context, holdNo, to string, delta func(*model.Hold) (ledger.Delta, error), settled int64) (*model.Hold, error) {
	if holdNo == "" {
		return nil, apperr.Invalid("holdNo", "is required")
	}

	unlock, err := m.locker.Acquire(ctx, lock.HoldKey(holdNo))
	if err != nil {
		return nil, err
	}
	defer unlock()

	hold, err := m.holds.GetByHoldNo(ctx, holdNo)
	if err != nil {
		return nil, fmt.Errorf("%s hold: %w", to, err)
	}
	if hold.IsTerminal() {
		return nil, apperr.Conflict("hold", holdNo, hold.Status)
	}

	d, err := delta(hold)
	if err != nil {
		return nil, err
	}
	d.Reference = holdNo
	d.IdempotencyKey = ledgerKey(holdNo, to)
	d.Remark = hold.Purpose

	change, err := m.ledger.ApplyDelta(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("%s hold: %w", to, err)
	}

	if err := m.holds.UpdateStatus(ctx, holdNo, model.HoldStatusCreated, to, settled); err != nil {
		if errors.Is(err, repository.ErrHoldStatusInvalid) {
			// only reachable if the lock expired mid-transition
			m.logger.Error("hold transition raced",
				slog.String("hold_no", holdNo),
				slog.String("to", to),
				slog.String("ledger_tx", change.TransactionNo))
			current, _ := m.holds.GetByHoldNo(ctx, holdNo)
			state := "resolved"
			if current != nil {
				state = current.Status
			}
			return nil, apperr.Conflict("hold", holdNo, state)
		}
		return nil, fmt.Errorf("%s hold: %w", to, err)
	}

	now := time.Now()
	hold.Status = to
	hold.SettledAmount = settled
	hold.ResolvedAt = &now

	amount := hold.Amount
	if to == model.HoldStatusSettled {
		amount = settled
	}
	m.audit.LogHold(ctx, audit.HoldParams{
		UserID:         hold.UserID,
		Amount:         amount,
		Action:         to,
		HoldID:         holdNo,
		Purpose:        hold.Purpose,
		BalanceBefore:  change.Before,
		BalanceAfter:   change.After,
		HeldBefore:     change.HeldBefore,
		HeldAfter:      change.HeldAfter,
		TxID:           change.TransactionNo,
		IdempotencyKey: d.IdempotencyKey,
	})
	return hold, nil
}

// Get returns a hold by number.
func (m *Manager) Get(ctx context.Context, holdNo string) (*model.Hold, error) {
	return m.holds.GetByHoldNo(ctx, holdNo)
}

// ReleaseStale releases created holds older than ttl and returns how many it released.
func (m *Manager) ReleaseStale(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	holds, err := m.holds.GetStaleHolds(ctx, time.Now().Add(-ttl), limit)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, h := range holds {
		if _, err := m.Release(ctx, h.HoldNo); err != nil {
			if apperr.IsConflict(err) {
				continue
			}
			m.logger.Error("release stale hold failed", slog.String("hold_no", h.HoldNo), slog.Any("error", err))
			continue
		}
		released++
	}
	return released, nil
}

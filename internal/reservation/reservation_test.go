package reservation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/audit"
	"liveeconomy/internal/infrastructure/lock"
	"liveeconomy/internal/ledger"
	"liveeconomy/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mgr     *Manager
	backend *ledger.MemoryBackend
	ledger  *ledger.Adapter
	audit   *audit.MemoryStore
	holds   *MemoryHoldStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := ledger.NewMemoryBackend()
	adapter := ledger.NewAdapter(backend, logger)
	store := audit.NewMemoryStore()
	holds := NewMemoryHoldStore()
	mgr := NewManager(adapter, holds, audit.New(store, nil, logger, audit.Options{}), lock.NewLocalLocker(), logger)
	return &fixture{mgr: mgr, backend: backend, ledger: adapter, audit: store, holds: holds}
}

func (f *fixture) balance(t *testing.T, userID int64) ledger.Balance {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func TestReserveThenSettle(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 100)
	ctx := context.Background()

	hold, err := f.mgr.Reserve(ctx, ReserveRequest{ActorID: 1, Amount: 60, Purpose: "call:c1"})
	require.NoError(t, err)
	assert.Equal(t, model.HoldStatusCreated, hold.Status)
	assert.Equal(t, ledger.Balance{Current: 100, Held: 60, Available: 40}, f.balance(t, 1))

	settled, err := f.mgr.Settle(ctx, hold.HoldNo, 25)
	require.NoError(t, err)
	assert.Equal(t, model.HoldStatusSettled, settled.Status)
	assert.Equal(t, int64(25), settled.SettledAmount)
	assert.Equal(t, ledger.Balance{Current: 75, Held: 0, Available: 75}, f.balance(t, 1))

	rows := f.audit.All()
	require.Len(t, rows, 2)
	assert.Equal(t, model.EventHoldCreated, rows[0].EventType)
	assert.Equal(t, model.EventHoldSettled, rows[1].EventType)
	assert.Equal(t, int64(100), *rows[1].ActorBalanceBefore)
	assert.Equal(t, int64(75), *rows[1].ActorBalanceAfter)
	assert.Contains(t, *rows[1].Metadata, `"heldBalanceBefore":60`)
	assert.Contains(t, *rows[1].Metadata, `"heldBalanceAfter":0`)
}

func TestReleaseLeavesBalanceUntouched(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 100)
	ctx := context.Background()

	hold, err := f.mgr.Reserve(ctx, ReserveRequest{ActorID: 1, Amount: 60, Purpose: "call:c1"})
	require.NoError(t, err)

	released, err := f.mgr.Release(ctx, hold.HoldNo)
	require.NoError(t, err)
	assert.Equal(t, model.HoldStatusReleased, released.Status)
	assert.Equal(t, ledger.Balance{Current: 100, Held: 0, Available: 100}, f.balance(t, 1))

	rows := f.audit.All()
	require.Len(t, rows, 2)
	assert.Equal(t, model.EventHoldReleased, rows[1].EventType)
	assert.Equal(t, *rows[1].ActorBalanceBefore, *rows[1].ActorBalanceAfter)
}

func TestSecondTransitionIsConflictWithoutMutation(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 100)
	ctx := context.Background()

	hold, err := f.mgr.Reserve(ctx, ReserveRequest{ActorID: 1, Amount: 40, Purpose: "call:c2"})
	require.NoError(t, err)
	_, err = f.mgr.Settle(ctx, hold.HoldNo, 40)
	require.NoError(t, err)

	historyBefore := len(f.backend.History(1))
	auditBefore := len(f.audit.All())

	_, err = f.mgr.Settle(ctx, hold.HoldNo, 40)
	assert.True(t, apperr.IsConflict(err), "got %v", err)
	_, err = f.mgr.Release(ctx, hold.HoldNo)
	assert.True(t, apperr.IsConflict(err), "got %v", err)

	assert.Len(t, f.backend.History(1), historyBefore)
	assert.Len(t, f.audit.All(), auditBefore)
	assert.Equal(t, int64(60), f.balance(t, 1).Current)
}

func TestConcurrentSettleAndReleaseOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 100)
	ctx := context.Background()

	hold, err := f.mgr.Reserve(ctx, ReserveRequest{ActorID: 1, Amount: 50, Purpose: "call:c3"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins, conflicts int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.mgr.Settle(ctx, hold.HoldNo, 10)
			} else {
				_, err = f.mgr.Release(ctx, hold.HoldNo)
			}
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case apperr.IsConflict(err):
				atomic.AddInt32(&conflicts, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(9), conflicts)
	assert.Equal(t, int64(0), f.balance(t, 1).Held)
	// one HOLD row plus exactly one terminal row
	assert.Len(t, f.backend.History(1), 2)
}

func TestReserveMoreThanAvailableFails(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 100)
	ctx := context.Background()

	_, err := f.mgr.Reserve(ctx, ReserveRequest{ActorID: 1, Amount: 70, Purpose: "a"})
	require.NoError(t, err)
	_, err = f.mgr.Reserve(ctx, ReserveRequest{ActorID: 1, Amount: 40, Purpose: "b"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Len(t, f.audit.All(), 1)
}

func TestSettleValidation(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 100)
	ctx := context.Background()

	hold, err := f.mgr.Reserve(ctx, ReserveRequest{ActorID: 1, Amount: 30, Purpose: "a"})
	require.NoError(t, err)

	_, err = f.mgr.Settle(ctx, hold.HoldNo, 31)
	assert.True(t, apperr.IsValidation(err))
	_, err = f.mgr.Settle(ctx, hold.HoldNo, -1)
	assert.True(t, apperr.IsValidation(err))
	_, err = f.mgr.Settle(ctx, "HLD-missing", 1)
	assert.ErrorIs(t, err, ErrHoldNotFound)

	_, err = f.mgr.Reserve(ctx, ReserveRequest{ActorID: 1, Amount: 0, Purpose: "a"})
	assert.True(t, apperr.IsValidation(err))
	_, err = f.mgr.Reserve(ctx, ReserveRequest{ActorID: 1, Amount: 5})
	assert.True(t, apperr.IsValidation(err))
}

func TestReserveIdempotencyKeyReturnsSameHold(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 100)
	ctx := context.Background()
	req := ReserveRequest{ActorID: 1, Amount: 30, Purpose: "a", IdempotencyKey: "call-start-1"}

	first, err := f.mgr.Reserve(ctx, req)
	require.NoError(t, err)
	second, err := f.mgr.Reserve(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.HoldNo, second.HoldNo)
	assert.Equal(t, int64(30), f.balance(t, 1).Held)
	assert.Len(t, f.audit.All(), 1)
}

// failingCreateStore refuses the first n hold rows.
type failingCreateStore struct {
	*MemoryHoldStore
	failures atomic.Int32
}

func (s *failingCreateStore) Create(ctx context.Context, hold *model.Hold) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return s.MemoryHoldStore.Create(ctx, hold)
}

func TestReserveRetryAfterRolledBackAttemptOpensRealHold(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 100)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	holds := &failingCreateStore{MemoryHoldStore: NewMemoryHoldStore()}
	holds.failures.Store(1)
	mgr := NewManager(f.ledger, holds, audit.New(f.audit, nil, logger, audit.Options{}), lock.NewLocalLocker(), logger)
	ctx := context.Background()
	req := ReserveRequest{ActorID: 1, Amount: 30, Purpose: "call:1", IdempotencyKey: "call-start-9"}

	_, err := mgr.Reserve(ctx, req)
	require.Error(t, err)
	assert.Equal(t, int64(0), f.balance(t, 1).Held)

	hold, err := mgr.Reserve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(30), f.balance(t, 1).Held)

	again, err := mgr.Reserve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, hold.HoldNo, again.HoldNo)
	assert.Equal(t, int64(30), f.balance(t, 1).Held)

	settled, err := mgr.Settle(ctx, hold.HoldNo, 30)
	require.NoError(t, err)
	assert.Equal(t, model.HoldStatusSettled, settled.Status)
	assert.Equal(t, ledger.Balance{Current: 70, Held: 0, Available: 70}, f.balance(t, 1))

	created := 0
	for _, e := range f.audit.All() {
		if e.EventType == model.EventHoldCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestReserveAdoptsCommittedHoldWithoutRow(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 100)
	ctx := context.Background()

	// the ledger hold landed but the process stopped before the row was written
	_, err := f.ledger.ApplyDelta(ctx, ledger.Delta{
		ActorID: 1, HeldDelta: 30, Type: model.TransactionTypeHold,
		Reference: "HLD-orphan", IdempotencyKey: "reserve:call-start-7",
	})
	require.NoError(t, err)

	hold, err := f.mgr.Reserve(ctx, ReserveRequest{ActorID: 1, Amount: 30, Purpose: "call:7", IdempotencyKey: "call-start-7"})
	require.NoError(t, err)
	assert.Equal(t, "HLD-orphan", hold.HoldNo)
	assert.Equal(t, int64(30), f.balance(t, 1).Held)
}

func TestReleaseStale(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 100)
	ctx := context.Background()

	old, err := f.mgr.Reserve(ctx, ReserveRequest{ActorID: 1, Amount: 30, Purpose: "old"})
	require.NoError(t, err)
	f.holds.holds[old.HoldNo].CreatedAt = time.Now().Add(-3 * time.Hour)
	_, err = f.mgr.Reserve(ctx, ReserveRequest{ActorID: 1, Amount: 20, Purpose: "fresh"})
	require.NoError(t, err)

	n, err := f.mgr.ReleaseStale(ctx, 2*time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(20), f.balance(t, 1).Held)

	h, err := f.mgr.Get(ctx, old.HoldNo)
	require.NoError(t, err)
	assert.Equal(t, model.HoldStatusReleased, h.Status)
}

func TestMeteredSessionConcurrentTicksNeverExceedReservation(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 100)
	ctx := context.Background()

	session, err := f.mgr.StartSession(ctx, SessionRequest{ActorID: 1, Rate: 10, MaxUnits: 5, Purpose: "call:c9"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), f.balance(t, 1).Held)

	var wg sync.WaitGroup
	var ok, exhausted int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := session.Tick()
			if err == nil {
				atomic.AddInt32(&ok, 1)
			} else if err == ErrReservationExhausted {
				atomic.AddInt32(&exhausted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok)
	assert.Equal(t, int32(15), exhausted)

	hold, err := session.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), hold.SettledAmount)
	assert.Equal(t, ledger.Balance{Current: 50, Held: 0, Available: 50}, f.balance(t, 1))

	_, err = session.Tick()
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = session.End(ctx)
	assert.True(t, apperr.IsConflict(err))
}

func TestMeteredSessionPartialUseSettlesConsumedOnly(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 100)
	ctx := context.Background()

	session, err := f.mgr.StartSession(ctx, SessionRequest{ActorID: 1, Rate: 7, MaxUnits: 10, Purpose: "call:c10"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := session.Tick()
		require.NoError(t, err)
	}

	_, err = session.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Balance{Current: 79, Held: 0, Available: 79}, f.balance(t, 1))
}

func TestMeteredSessionAbortReleases(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 100)
	ctx := context.Background()

	session, err := f.mgr.StartSession(ctx, SessionRequest{ActorID: 1, Rate: 5, MaxUnits: 4, Purpose: "call:c11"})
	require.NoError(t, err)
	_, _ = session.Tick()

	hold, err := session.Abort(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.HoldStatusReleased, hold.Status)
	assert.Equal(t, int64(100), f.balance(t, 1).Current)
}

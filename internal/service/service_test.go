package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/audit"
	"liveeconomy/internal/channel"
	"liveeconomy/internal/infrastructure/lock"
	"liveeconomy/internal/ledger"
	"liveeconomy/internal/model"
	"liveeconomy/internal/poller"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	economy  *EconomyService
	streams  *StreamService
	accounts *AccountService
	backend  *ledger.MemoryBackend
	ledger   *ledger.Adapter
	store    *audit.MemoryStore
	log      *audit.Log
	client   *channel.Client
	source   *poller.MemorySource
	presence *memoryPresence
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := ledger.NewMemoryBackend()
	adapter := ledger.NewAdapter(backend, logger)
	store := audit.NewMemoryStore()
	auditLog := audit.New(store, nil, logger, audit.Options{})

	hub := channel.NewMemoryHub()
	publisher := channel.NewPublisher(hub.Transport(), channel.NewMemorySequencer(), nil, logger)
	client := channel.NewClient(hub.Transport(), time.Second, logger)
	t.Cleanup(client.Close)

	source := poller.NewMemorySource()
	presence := newMemoryPresence()
	return &fixture{
		economy:  NewEconomyService(adapter, auditLog, publisher, lock.NewLocalLocker(), logger),
		streams:  NewStreamService(publisher, client, presence, source, poller.Options{}, logger),
		accounts: NewAccountService(adapter, backend),
		backend:  backend,
		ledger:   adapter,
		store:    store,
		log:      auditLog,
		client:   client,
		source:   source,
		presence: presence,
	}
}

// collector subscribes to topic and gathers every event received.
type collector struct {
	mu     sync.Mutex
	events []channel.Event
}

func (f *fixture) collect(t *testing.T, topic string) *collector {
	t.Helper()
	c := &collector{}
	add := func(ev channel.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, ev)
	}
	_, err := f.client.Subscribe(context.Background(), topic, channel.Handlers{
		OnTip:           func(e channel.Tip) { add(e) },
		OnGift:          func(e channel.Gift) { add(e) },
		OnViewerCount:   func(e channel.ViewerCount) { add(e) },
		OnGuestInvite:   func(e channel.GuestInvite) { add(e) },
		OnGuestAccepted: func(e channel.GuestAccepted) { add(e) },
		OnGuestRemoved:  func(e channel.GuestRemoved) { add(e) },
	})
	require.NoError(t, err)
	return c
}

func (c *collector) snapshot() []channel.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]channel.Event(nil), c.events...)
}

func (c *collector) waitFor(t *testing.T, n int) []channel.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= n }, time.Second, 5*time.Millisecond)
	return c.snapshot()
}

type memoryPresence struct {
	mu      sync.Mutex
	viewers map[string]map[int64]struct{}
}

func newMemoryPresence() *memoryPresence {
	return &memoryPresence{viewers: make(map[string]map[int64]struct{})}
}

func (p *memoryPresence) Join(_ context.Context, streamID string, userID int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.viewers[streamID] == nil {
		p.viewers[streamID] = make(map[int64]struct{})
	}
	p.viewers[streamID][userID] = struct{}{}
	return int64(len(p.viewers[streamID])), nil
}

func (p *memoryPresence) Leave(_ context.Context, streamID string, userID int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.viewers[streamID], userID)
	return int64(len(p.viewers[streamID])), nil
}

func (p *memoryPresence) Count(_ context.Context, streamID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.viewers[streamID])), nil
}

// ============================================================================
// Tips and gifts
// ============================================================================

func TestSendTipMovesCoinsRecordsBothSidesAndPublishes(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 200)
	f.backend.Seed(2, 1000)
	events := f.collect(t, channel.StreamTopic("s1"))
	ctx := context.Background()

	res, err := f.economy.SendTip(ctx, &TipRequest{SenderID: 1, CreatorID: 2, Amount: 50, StreamID: "s1", IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, int64(150), res.SenderBalance)
	assert.Equal(t, int64(1050), res.CreatorBalance)
	assert.False(t, res.Replayed)

	rows := f.store.All()
	require.Len(t, rows, 2)
	assert.Equal(t, model.EventTipSent, rows[0].EventType)
	assert.Equal(t, model.EventTipReceived, rows[1].EventType)
	assert.Contains(t, rows[0].Description, "via stream")
	assert.Equal(t, int64(200), *rows[0].ActorBalanceBefore)
	assert.Equal(t, int64(150), *rows[0].ActorBalanceAfter)
	assert.Equal(t, int64(1000), *rows[0].TargetBalanceBefore)
	assert.Equal(t, int64(1050), *rows[0].TargetBalanceAfter)
	assert.Equal(t, res.SenderTransactionID, *rows[0].TransactionID)
	assert.Equal(t, res.CreatorTransactionID, *rows[1].TransactionID)
	assert.Equal(t, res.RequestID, rows[0].RequestID)
	assert.NotEqual(t, "10.0.0.1", *rows[0].IPHash)

	for _, txID := range []string{res.SenderTransactionID, res.CreatorTransactionID} {
		found, err := f.log.GetLogsForTransaction(ctx, txID)
		require.NoError(t, err)
		assert.Len(t, found, 2)
	}

	got := events.waitFor(t, 1)
	tip, ok := got[0].(channel.Tip)
	require.True(t, ok)
	assert.Equal(t, int64(50), tip.Amount)
	assert.Equal(t, res.SenderTransactionID, tip.TransactionID)
}

func TestSendTipReplayWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 200)
	ctx := context.Background()
	req := &TipRequest{SenderID: 1, CreatorID: 2, Amount: 50, IdempotencyKey: "tip-abc", Context: "dm"}

	first, err := f.economy.SendTip(ctx, req)
	require.NoError(t, err)
	second, err := f.economy.SendTip(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.SenderTransactionID, second.SenderTransactionID)
	assert.Len(t, f.store.All(), 2)
	assert.Contains(t, f.store.All()[0].Description, "via dm")

	bal, err := f.accounts.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal.Current)
}

func TestSendTipInsufficientBalanceRecordsNothing(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 10)

	_, err := f.economy.SendTip(context.Background(), &TipRequest{SenderID: 1, CreatorID: 2, Amount: 50})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Empty(t, f.store.All())
}

func TestSendTipValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []*TipRequest{
		{SenderID: 0, CreatorID: 2, Amount: 1},
		{SenderID: 1, CreatorID: 1, Amount: 1},
		{SenderID: 1, CreatorID: 2, Amount: -5},
	}
	for _, req := range cases {
		_, err := f.economy.SendTip(ctx, req)
		assert.True(t, apperr.IsValidation(err), "%+v", req)
	}
}

func TestAuditOutageDoesNotFailTheTip(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 200)
	f.store.FailWith(errors.New("disk full"))

	res, err := f.economy.SendTip(context.Background(), &TipRequest{SenderID: 1, CreatorID: 2, Amount: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(150), res.SenderBalance)
	assert.Equal(t, int64(2), f.log.Failures())
}

func TestSendGiftCarriesGiftMetadata(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(1, 500)
	events := f.collect(t, channel.UserTopic(2))

	_, err := f.economy.SendGift(context.Background(), &GiftRequest{
		TipRequest: TipRequest{SenderID: 1, CreatorID: 2, Amount: 100, StreamID: "s1"},
		GiftID:     "rose",
		GiftName:   "Rose",
	})
	require.NoError(t, err)

	rows := f.store.All()
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.NotNil(t, row.Metadata)
		assert.Contains(t, *row.Metadata, `"giftId":"rose"`)
	}
	gift, ok := events.waitFor(t, 1)[0].(channel.Gift)
	require.True(t, ok)
	assert.Equal(t, "Rose", gift.GiftName)

	_, err = f.economy.SendGift(context.Background(), &GiftRequest{TipRequest: TipRequest{SenderID: 1, CreatorID: 2, Amount: 1}})
	assert.True(t, apperr.IsValidation(err))
}

func TestPurchaseCoinsIsIdempotentPerPaymentRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := &PurchaseRequest{UserID: 9, Amount: 300, PaymentRef: "pi_123"}

	first, err := f.economy.PurchaseCoins(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.BalanceBefore)
	assert.Equal(t, int64(300), first.BalanceAfter)

	second, err := f.economy.PurchaseCoins(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)

	rows := f.store.All()
	require.Len(t, rows, 1)
	assert.Equal(t, model.EventCoinPurchase, rows[0].EventType)

	page, err := f.accounts.GetHistory(ctx, 9, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

// ============================================================================
// Payouts and refunds
// ============================================================================

func TestPayoutRejectedReturnsCoins(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(3, 500)
	ctx := context.Background()

	res, err := f.economy.ChangePayoutStatus(ctx, &PayoutStatusRequest{
		CreatorID: 3, PayoutRequestID: "PO1", Amount: 100, NewStatus: audit.PayoutStatusPending,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(400), *res.BalanceAfter)

	res, err = f.economy.AdminPayoutAction(ctx, &AdminPayoutRequest{
		AdminID: 77, CreatorID: 3, PayoutRequestID: "PO1", Amount: 100,
		Action: audit.AdminActionRejected, Reason: "bank details invalid",
	})
	require.NoError(t, err)
	assert.Equal(t, audit.PayoutStatusCancelled, res.Status)
	assert.Equal(t, int64(500), *res.BalanceAfter)

	logs, err := f.log.GetLogsForPayout(ctx, "PO1")
	require.NoError(t, err)
	types := make(map[string]bool)
	for _, l := range logs {
		types[l.EventType] = true
	}
	assert.Equal(t, map[string]bool{
		model.EventPayoutRequested:     true,
		model.EventAdminPayoutRejected: true,
		model.EventPayoutCancelled:     true,
	}, types)
}

func TestPayoutApprovedDoesNotTouchBalance(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(3, 500)
	ctx := context.Background()

	_, err := f.economy.ChangePayoutStatus(ctx, &PayoutStatusRequest{CreatorID: 3, PayoutRequestID: "PO2", Amount: 100, NewStatus: "pending"})
	require.NoError(t, err)
	res, err := f.economy.AdminPayoutAction(ctx, &AdminPayoutRequest{AdminID: 1, CreatorID: 3, PayoutRequestID: "PO2", Amount: 100, Action: "approved"})
	require.NoError(t, err)
	assert.Nil(t, res.BalanceAfter)

	bal, _ := f.accounts.GetBalance(ctx, 3)
	assert.Equal(t, int64(400), bal.Current)

	_, err = f.economy.AdminPayoutAction(ctx, &AdminPayoutRequest{AdminID: 1, CreatorID: 3, PayoutRequestID: "PO2", Amount: 100, Action: "escalated"})
	assert.True(t, apperr.IsValidation(err))
}

func TestPayoutCancelWithoutDebitReturnsNothing(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(3, 100)
	ctx := context.Background()

	res, err := f.economy.ChangePayoutStatus(ctx, &PayoutStatusRequest{
		CreatorID: 3, PayoutRequestID: "PO-never-pending", Amount: 1000,
		PreviousStatus: audit.PayoutStatusProcessing, NewStatus: audit.PayoutStatusCancelled,
	})
	require.NoError(t, err)
	assert.Nil(t, res.BalanceAfter)
	assert.Empty(t, res.TransactionID)

	_, err = f.economy.AdminPayoutAction(ctx, &AdminPayoutRequest{
		AdminID: 77, CreatorID: 3, PayoutRequestID: "PO-unknown", Amount: 1000, Action: audit.AdminActionRejected,
	})
	require.NoError(t, err)

	bal, err := f.accounts.GetBalance(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Current)
}

func TestPayoutReturnIsSizedByTheDebit(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(3, 500)
	ctx := context.Background()

	_, err := f.economy.ChangePayoutStatus(ctx, &PayoutStatusRequest{
		CreatorID: 3, PayoutRequestID: "PO3", Amount: 100, NewStatus: audit.PayoutStatusPending,
	})
	require.NoError(t, err)

	// a failure report with an inflated amount still returns only what was debited
	res, err := f.economy.ChangePayoutStatus(ctx, &PayoutStatusRequest{
		CreatorID: 3, PayoutRequestID: "PO3", Amount: 900,
		PreviousStatus: audit.PayoutStatusPending, NewStatus: audit.PayoutStatusFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), *res.BalanceAfter)

	_, err = f.economy.ChangePayoutStatus(ctx, &PayoutStatusRequest{
		CreatorID: 4, PayoutRequestID: "PO3", Amount: 100,
		PreviousStatus: audit.PayoutStatusPending, NewStatus: audit.PayoutStatusCancelled,
	})
	assert.True(t, apperr.IsValidation(err))
}

func TestRepeatedAdminApprovalRecordsOnce(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(3, 500)
	ctx := context.Background()

	_, err := f.economy.ChangePayoutStatus(ctx, &PayoutStatusRequest{
		CreatorID: 3, PayoutRequestID: "PO4", Amount: 100, NewStatus: audit.PayoutStatusPending,
	})
	require.NoError(t, err)

	approve := &AdminPayoutRequest{AdminID: 1, CreatorID: 3, PayoutRequestID: "PO4", Amount: 100, Action: audit.AdminActionApproved}
	first, err := f.economy.AdminPayoutAction(ctx, approve)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	second, err := f.economy.AdminPayoutAction(ctx, approve)
	require.NoError(t, err)
	assert.True(t, second.Replayed)

	logs, err := f.log.GetLogsForPayout(ctx, "PO4")
	require.NoError(t, err)
	counts := make(map[string]int)
	for _, l := range logs {
		counts[l.EventType]++
	}
	assert.Equal(t, map[string]int{
		model.EventPayoutRequested:     1,
		model.EventPayoutProcessing:    1,
		model.EventAdminPayoutApproved: 1,
	}, counts)
}

func TestAdminPayoutActionValidatesBeforeRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, req := range []*AdminPayoutRequest{
		{AdminID: 1, CreatorID: 0, PayoutRequestID: "PO5", Amount: 100, Action: audit.AdminActionApproved},
		{AdminID: 1, CreatorID: 3, PayoutRequestID: "PO5", Amount: 0, Action: audit.AdminActionRejected},
		{AdminID: 1, CreatorID: 3, PayoutRequestID: "", Amount: 100, Action: audit.AdminActionApproved},
	} {
		_, err := f.economy.AdminPayoutAction(ctx, req)
		assert.True(t, apperr.IsValidation(err))
	}
	assert.Empty(t, f.store.All())
}

func TestAdminRefundOncePerTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := &AdminRefundRequest{AdminID: 1, UserID: 5, Amount: 40, RefundedTransactionID: "TXN1", Reason: "duplicate charge"}

	first, err := f.economy.AdminRefund(ctx, req)
	require.NoError(t, err)
	second, err := f.economy.AdminRefund(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	rows := f.store.All()
	require.Len(t, rows, 1)
	assert.Equal(t, "TXN1", *rows[0].RelatedTransactionID)
	assert.Contains(t, rows[0].Description, "duplicate charge")
}

// ============================================================================
// Streams
// ============================================================================

func TestJoinStreamPublishesViewerCount(t *testing.T) {
	f := newFixture(t)
	events := f.collect(t, channel.StreamTopic("s1"))
	ctx := context.Background()

	n, err := f.streams.JoinStream(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = f.streams.JoinStream(ctx, "s1", 11)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = f.streams.LeaveStream(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got := events.waitFor(t, 3)
	last, ok := got[2].(channel.ViewerCount)
	require.True(t, ok)
	assert.Equal(t, int64(1), last.Count)
}

func TestGuestFlowNotifiesGuestAndStream(t *testing.T) {
	f := newFixture(t)
	inbox := f.collect(t, channel.UserTopic(8))
	stream := f.collect(t, channel.StreamTopic("s1"))
	ctx := context.Background()

	require.NoError(t, f.streams.InviteGuest(ctx, "s1", 1, 8))
	require.NoError(t, f.streams.AcceptInvite(ctx, "s1", 8))
	require.NoError(t, f.streams.RemoveGuest(ctx, "s1", 8, "time is up"))

	invite, ok := inbox.waitFor(t, 1)[0].(channel.GuestInvite)
	require.True(t, ok)
	assert.Equal(t, int64(1), invite.HostID)
	assert.Len(t, stream.waitFor(t, 3), 3)

	assert.True(t, apperr.IsValidation(f.streams.InviteGuest(ctx, "s1", 8, 8)))
	assert.True(t, apperr.IsValidation(f.streams.AcceptInvite(ctx, "", 8)))
}

func TestSnapshotReadsCanonicalState(t *testing.T) {
	f := newFixture(t)
	f.source.AddMessage(model.StreamMessage{ID: 1, StreamID: "s1", Body: "hi"})
	f.source.SetViewers("s1", 3)

	snap, err := f.streams.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, snap.Messages, 1)
	assert.Equal(t, int64(3), snap.ViewerCount)
}

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"

	"liveeconomy/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) (*Log, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return New(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{}), store
}

func tipParams() TipParams {
	return TipParams{
		SenderID:      1,
		CreatorID:     2,
		Amount:        50,
		SenderBefore:  200,
		SenderAfter:   150,
		CreatorBefore: 1000,
		CreatorAfter:  1050,
		TxID:          "tx-1",
		RelatedTxID:   "tx-2",
		Context:       "stream",
		StreamID:      "s-1",
	}
}

func TestLogTipWritesLinkedDualEntries(t *testing.T) {
	l, store := newTestLog(t)

	requestID := l.LogTip(context.Background(), tipParams())

	rows := store.All()
	require.Len(t, rows, 2)
	sent, received := rows[0], rows[1]

	assert.Equal(t, model.EventTipSent, sent.EventType)
	assert.Equal(t, model.EventTipReceived, received.EventType)
	assert.Equal(t, *sent.TransactionID, *received.RelatedTransactionID)
	assert.Equal(t, *sent.RelatedTransactionID, *received.TransactionID)
	assert.Equal(t, sent.Amount, received.Amount)
	assert.Equal(t, requestID, sent.RequestID)
	assert.Equal(t, requestID, received.RequestID)

	assert.Equal(t, int64(200), *sent.ActorBalanceBefore)
	assert.Equal(t, int64(150), *sent.ActorBalanceAfter)
	assert.Equal(t, int64(1000), *received.TargetBalanceBefore)
	assert.Equal(t, int64(1050), *received.TargetBalanceAfter)
	assert.Contains(t, sent.Description, "via stream")
	assert.Equal(t, "coins", sent.Currency)
}

func TestLogGiftAttachesMetadataToBothRows(t *testing.T) {
	l, store := newTestLog(t)

	l.LogGift(context.Background(), GiftParams{TipParams: tipParams(), GiftID: "g-7", GiftName: "Rose"})

	rows := store.All()
	require.Len(t, rows, 2)
	assert.Equal(t, model.EventGiftSent, rows[0].EventType)
	assert.Equal(t, model.EventGiftReceived, rows[1].EventType)
	for _, row := range rows {
		require.NotNil(t, row.Metadata)
		var meta map[string]any
		require.NoError(t, json.Unmarshal([]byte(*row.Metadata), &meta))
		assert.Equal(t, "g-7", meta["giftId"])
		assert.Equal(t, "Rose", meta["giftName"])
		assert.Equal(t, "s-1", meta["streamId"])
	}
}

func TestPayoutStatusTable(t *testing.T) {
	cases := map[string]string{
		"pending":    model.EventPayoutRequested,
		"processing": model.EventPayoutProcessing,
		"completed":  model.EventPayoutCompleted,
		"failed":     model.EventPayoutFailed,
		"cancelled":  model.EventPayoutCancelled,
		"on_hold":    model.EventPayoutRequested,
		"":           model.EventPayoutRequested,
	}
	for status, want := range cases {
		l, store := newTestLog(t)
		l.LogPayoutStatusChange(context.Background(), PayoutStatusParams{
			CreatorID: 3, Amount: 500, PayoutRequestID: "po-1", PreviousStatus: "pending", NewStatus: status,
		})
		rows := store.All()
		require.Len(t, rows, 1, status)
		assert.Equal(t, want, rows[0].EventType, status)
	}
}

func TestAdminPayoutRejectionStoresReason(t *testing.T) {
	l, store := newTestLog(t)

	l.LogAdminPayoutAction(context.Background(), AdminPayoutParams{
		AdminID: 99, CreatorID: 3, Amount: 500, PayoutRequestID: "po-1", Action: AdminActionRejected, Reason: "kyc incomplete",
	})
	l.LogAdminPayoutAction(context.Background(), AdminPayoutParams{
		AdminID: 99, CreatorID: 3, Amount: 500, PayoutRequestID: "po-2", Action: AdminActionApproved,
	})
	l.LogAdminPayoutAction(context.Background(), AdminPayoutParams{
		AdminID: 99, CreatorID: 3, Amount: 500, PayoutRequestID: "po-3", Action: "escalated",
	})

	rows := store.All()
	require.Len(t, rows, 2)
	assert.Equal(t, model.EventAdminPayoutRejected, rows[0].EventType)
	assert.True(t, regexp.MustCompile(`kyc incomplete$`).MatchString(rows[0].Description))
	require.NotNil(t, rows[0].FailureReason)
	assert.Equal(t, "kyc incomplete", *rows[0].FailureReason)
	assert.Equal(t, int64(99), *rows[0].AdminID)

	assert.Equal(t, model.EventAdminPayoutApproved, rows[1].EventType)
	assert.Nil(t, rows[1].FailureReason)
}

func TestIPIsHashedNeverStoredRaw(t *testing.T) {
	l, store := newTestLog(t)

	l.Record(context.Background(), Entry{EventType: model.EventCoinPurchase, ActorID: 1, Amount: 10, IP: "10.0.0.1", Description: "x"})
	l.Record(context.Background(), Entry{EventType: model.EventCoinPurchase, ActorID: 1, Amount: 10, IP: "10.0.0.1", Description: "y"})
	l.Record(context.Background(), Entry{EventType: model.EventCoinPurchase, ActorID: 1, Amount: 10, Description: "z"})

	rows := store.All()
	require.Len(t, rows, 3)
	require.NotNil(t, rows[0].IPHash)
	assert.Regexp(t, `^[a-f0-9]{16}$`, *rows[0].IPHash)
	assert.Equal(t, *rows[0].IPHash, *rows[1].IPHash)
	assert.Nil(t, rows[2].IPHash)

	raw, err := json.Marshal(rows[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "10.0.0.1")
}

func TestMissingMetadataStoresNull(t *testing.T) {
	l, store := newTestLog(t)

	l.Record(context.Background(), Entry{EventType: model.EventCoinPurchase, ActorID: 1, Amount: 10})
	l.Record(context.Background(), Entry{EventType: model.EventCoinPurchase, ActorID: 1, Amount: 10, Metadata: map[string]any{}})

	for _, row := range store.All() {
		assert.Nil(t, row.Metadata)
	}
}

type recordingSpool struct {
	mu   sync.Mutex
	rows []*model.AuditEntry
}

func (s *recordingSpool) Put(entry *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, entry)
	return nil
}

func TestStorageFailureIsSwallowedLoggedAndSpooled(t *testing.T) {
	var buf bytes.Buffer
	store := NewMemoryStore()
	store.FailWith(errors.New("connection refused"))
	spool := &recordingSpool{}
	l := New(store, spool, slog.New(slog.NewJSONHandler(&buf, nil)), Options{})

	assert.NotPanics(t, func() {
		l.LogTip(context.Background(), tipParams())
	})

	assert.Equal(t, int64(2), l.Failures())
	assert.Contains(t, buf.String(), "audit write failed")
	assert.Contains(t, buf.String(), "connection refused")
	require.Len(t, spool.rows, 2)
	assert.Equal(t, model.EventTipSent, spool.rows[0].EventType)
}

type panickingStore struct{ *MemoryStore }

func (panickingStore) Insert(context.Context, *model.AuditEntry) error {
	panic("driver bug")
}

func TestPanicInStoreDoesNotEscape(t *testing.T) {
	var buf bytes.Buffer
	l := New(panickingStore{NewMemoryStore()}, nil, slog.New(slog.NewJSONHandler(&buf, nil)), Options{})

	assert.NotPanics(t, func() {
		l.Record(context.Background(), Entry{EventType: model.EventAdminRefund, ActorID: 1})
	})
	assert.Equal(t, int64(1), l.Failures())
	assert.Contains(t, buf.String(), "driver bug")
}

func TestLogHoldDescriptionNamesActionAndPurpose(t *testing.T) {
	l, store := newTestLog(t)

	for _, action := range []string{HoldActionCreated, HoldActionSettled, HoldActionReleased} {
		l.LogHold(context.Background(), HoldParams{
			UserID: 1, Amount: 30, Action: action, HoldID: "HLD1", Purpose: "call:abc",
			BalanceBefore: 100, BalanceAfter: 100, HeldBefore: 0, HeldAfter: 30,
		})
	}

	rows := store.All()
	require.Len(t, rows, 3)
	assert.Equal(t, model.EventHoldCreated, rows[0].EventType)
	assert.Equal(t, model.EventHoldSettled, rows[1].EventType)
	assert.Equal(t, model.EventHoldReleased, rows[2].EventType)
	for i, action := range []string{"created", "settled", "released"} {
		assert.Contains(t, rows[i].Description, action)
		assert.Contains(t, rows[i].Description, "call:abc")
		assert.Contains(t, *rows[i].Metadata, `"heldBalanceAfter":30`)
	}
}

func TestLogHoldSkipsUnknownAction(t *testing.T) {
	var buf bytes.Buffer
	store := NewMemoryStore()
	l := New(store, nil, slog.New(slog.NewTextHandler(&buf, nil)), Options{})

	l.LogHold(context.Background(), HoldParams{
		UserID: 1, Amount: 30, Action: "refunded", HoldID: "HLD9", Purpose: "call:abc",
	})

	assert.Empty(t, store.All())
	assert.Contains(t, buf.String(), "unknown hold action")
	assert.Contains(t, buf.String(), "HLD9")
}

func TestGetLogsForTransactionFindsBothSides(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	requestID := l.LogTip(ctx, tipParams())

	for _, id := range []string{"tx-1", "tx-2"} {
		rows, err := l.GetLogsForTransaction(ctx, id)
		require.NoError(t, err)
		assert.Len(t, rows, 2, id)
	}

	rows, err := l.GetLogsByRequestID(ctx, requestID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestGetLogsForUserMatchesActorOrTargetNewestFirst(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	l.LogTip(ctx, tipParams())
	l.LogCoinPurchase(ctx, CoinPurchaseParams{UserID: 2, Amount: 100, BalanceBefore: 1050, BalanceAfter: 1150, TxID: "tx-3"})

	rows, err := l.GetLogsForUser(ctx, 2, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, model.EventCoinPurchase, rows[0].EventType)

	rows, err = l.GetLogsForUser(ctx, 2, Query{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.EventTipReceived, rows[0].EventType)
}

type limitSpy struct {
	*MemoryStore
	limits []int
}

func (s *limitSpy) ListByEventType(ctx context.Context, eventType string, q Query) ([]*model.AuditEntry, error) {
	s.limits = append(s.limits, q.Limit)
	return s.MemoryStore.ListByEventType(ctx, eventType, q)
}

func TestQueryLimitDefaultsAndCap(t *testing.T) {
	spy := &limitSpy{MemoryStore: NewMemoryStore()}
	l := New(spy, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{})
	ctx := context.Background()

	_, err := l.GetLogsByEventType(ctx, model.EventTipSent, Query{})
	require.NoError(t, err)
	_, err = l.GetLogsByEventType(ctx, model.EventTipSent, Query{Limit: 10000})
	require.NoError(t, err)
	_, err = l.GetLogsByEventType(ctx, "not_a_type", Query{})
	assert.Error(t, err)

	assert.Equal(t, []int{50, 500}, spy.limits)
}

func TestHashIP(t *testing.T) {
	assert.Nil(t, HashIP(""))
	h := HashIP("10.0.0.1")
	require.NotNil(t, h)
	assert.Len(t, *h, 16)
	assert.NotEqual(t, *h, *HashIP("10.0.0.2"))
}

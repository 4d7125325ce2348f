package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	tips   []Tip
	counts []int64
	kinds  []Kind
}

func (r *recorder) visitor() Visitor {
	return Handlers{
		OnTip: func(e Tip) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.tips = append(r.tips, e)
		},
		OnViewerCount: func(e ViewerCount) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.counts = append(r.counts, e.Count)
		},
	}
}

func (r *recorder) tipAmounts() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.tips))
	for i, t := range r.tips {
		out[i] = t.Amount
	}
	return out
}

func newPair(t *testing.T) (*MemoryHub, *MemoryTransport, *Client, *Publisher) {
	t.Helper()
	hub := NewMemoryHub()
	tr := hub.Transport()
	client := NewClient(tr, 100*time.Millisecond, discardLogger())
	pub := NewPublisher(hub.Transport(), NewMemorySequencer(), nil, discardLogger())
	t.Cleanup(client.Close)
	return hub, tr, client, pub
}

func TestEveryKindDispatchesToItsVisitorMethod(t *testing.T) {
	events := []Event{
		ChatMessage{ID: 1}, Tip{Amount: 1}, Gift{GiftID: "g"}, ViewerCount{Count: 1},
		GoalUpdate{GoalID: 1}, PollUpdate{PollID: 1}, CountdownUpdate{CountdownID: 1},
		SpotlightChange{CreatorID: 1}, GuestInvite{GuestID: 1}, GuestAccepted{GuestID: 1},
		GuestJoined{GuestID: 1}, GuestRemoved{GuestID: 1},
	}

	var got []Kind
	mark := func(k Kind) { got = append(got, k) }
	h := Handlers{
		OnChatMessage:     func(ChatMessage) { mark(KindChatMessage) },
		OnTip:             func(Tip) { mark(KindTip) },
		OnGift:            func(Gift) { mark(KindGift) },
		OnViewerCount:     func(ViewerCount) { mark(KindViewerCount) },
		OnGoalUpdate:      func(GoalUpdate) { mark(KindGoalUpdate) },
		OnPollUpdate:      func(PollUpdate) { mark(KindPollUpdate) },
		OnCountdownUpdate: func(CountdownUpdate) { mark(KindCountdownUpdate) },
		OnSpotlightChange: func(SpotlightChange) { mark(KindSpotlightChange) },
		OnGuestInvite:     func(GuestInvite) { mark(KindGuestInvite) },
		OnGuestAccepted:   func(GuestAccepted) { mark(KindGuestAccepted) },
		OnGuestJoined:     func(GuestJoined) { mark(KindGuestJoined) },
		OnGuestRemoved:    func(GuestRemoved) { mark(KindGuestRemoved) },
	}

	var want []Kind
	for i, ev := range events {
		env, err := NewEnvelope("stream:s1", int64(i+1), ev)
		require.NoError(t, err)
		decoded, err := env.Event()
		require.NoError(t, err)
		decoded.Accept(h)
		want = append(want, ev.Kind())
	}
	assert.Equal(t, want, got)

	_, err := Decode("confetti", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestSubscribeDeliversSameKindInPublishOrder(t *testing.T) {
	_, _, client, pub := newPair(t)
	ctx := context.Background()
	rec := &recorder{}

	_, err := client.Subscribe(ctx, StreamTopic("s1"), rec.visitor())
	require.NoError(t, err)
	assert.Equal(t, StateConnected, client.State())

	for i := int64(1); i <= 20; i++ {
		_, err := pub.Publish(ctx, StreamTopic("s1"), Tip{StreamID: "s1", Amount: i})
		require.NoError(t, err)
	}
	// other topics are not delivered
	_, err = pub.Publish(ctx, StreamTopic("s2"), Tip{StreamID: "s2", Amount: 99})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(rec.tipAmounts()) == 20 }, time.Second, 5*time.Millisecond)
	for i, amount := range rec.tipAmounts() {
		assert.Equal(t, int64(i+1), amount)
	}
}

func TestDuplicateEnvelopeIsDeliveredOnce(t *testing.T) {
	_, tr, client, _ := newPair(t)
	ctx := context.Background()
	rec := &recorder{}

	_, err := client.Subscribe(ctx, StreamTopic("s1"), rec.visitor())
	require.NoError(t, err)

	env, err := NewEnvelope(StreamTopic("s1"), 7, ViewerCount{StreamID: "s1", Count: 12})
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, StreamTopic("s1"), data))
	require.NoError(t, tr.Publish(ctx, StreamTopic("s1"), data))

	// an older envelope not yet seen still arrives, once
	older, _ := NewEnvelope(StreamTopic("s1"), 6, ViewerCount{StreamID: "s1", Count: 3})
	data, _ = json.Marshal(older)
	require.NoError(t, tr.Publish(ctx, StreamTopic("s1"), data))
	require.NoError(t, tr.Publish(ctx, StreamTopic("s1"), data))

	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []int64{12, 3}, rec.counts)
}

func TestRelayedOutboxEventArrivesAfterNewerOnes(t *testing.T) {
	hub := NewMemoryHub()
	client := NewClient(hub.Transport(), 100*time.Millisecond, discardLogger())
	t.Cleanup(client.Close)
	outbox := &memoryOutbox{}
	pub := NewPublisher(hub.Transport(), NewMemorySequencer(), outbox, discardLogger())
	ctx := context.Background()

	var mu sync.Mutex
	var gifts []string
	_, err := client.Subscribe(ctx, StreamTopic("s1"), Handlers{OnGift: func(e Gift) {
		mu.Lock()
		defer mu.Unlock()
		gifts = append(gifts, e.GiftID)
	}})
	require.NoError(t, err)

	_, err = pub.Publish(ctx, StreamTopic("s1"), Gift{StreamID: "s1", GiftID: "rose"})
	require.NoError(t, err)
	hub.SetDown(true)
	_, err = pub.Publish(ctx, StreamTopic("s1"), Gift{StreamID: "s1", GiftID: "diamond"})
	require.NoError(t, err)
	hub.SetDown(false)
	_, err = pub.Publish(ctx, StreamTopic("s1"), Gift{StreamID: "s1", GiftID: "heart"})
	require.NoError(t, err)

	require.Len(t, outbox.msgs, 1)
	require.NoError(t, pub.Relay(ctx, outbox.msgs[0].Topic, outbox.msgs[0].Payload))
	// a second relay of the same row is a duplicate
	require.NoError(t, pub.Relay(ctx, outbox.msgs[0].Topic, outbox.msgs[0].Payload))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gifts) == 3
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"rose", "heart", "diamond"}, gifts)
}

type downSequencer struct{}

func (downSequencer) Next(context.Context, string) (int64, error) {
	return 0, errors.New("redis: connection refused")
}

func TestSequencerOutageStillPublishesOrQueues(t *testing.T) {
	hub := NewMemoryHub()
	client := NewClient(hub.Transport(), 100*time.Millisecond, discardLogger())
	t.Cleanup(client.Close)
	outbox := &memoryOutbox{}
	pub := NewPublisher(hub.Transport(), downSequencer{}, outbox, discardLogger())
	ctx := context.Background()
	rec := &recorder{}

	_, err := client.Subscribe(ctx, StreamTopic("s1"), rec.visitor())
	require.NoError(t, err)

	first, err := pub.Publish(ctx, StreamTopic("s1"), Tip{StreamID: "s1", Amount: 5})
	require.NoError(t, err)
	assert.Zero(t, first.Seq)
	assert.NotEmpty(t, first.ID)

	hub.SetDown(true)
	queued, err := pub.Publish(ctx, StreamTopic("s1"), Tip{StreamID: "s1", Amount: 6})
	require.NoError(t, err)
	hub.SetDown(false)

	require.Len(t, outbox.msgs, 1)
	assert.Equal(t, StreamTopic("s1")+"#"+queued.ID, outbox.msgs[0].MessageKey)
	require.NoError(t, pub.Relay(ctx, outbox.msgs[0].Topic, outbox.msgs[0].Payload))

	assert.Eventually(t, func() bool { return len(rec.tipAmounts()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{5, 6}, rec.tipAmounts())
}

func TestSeenWindowForgetsOldestKey(t *testing.T) {
	w := newSeenWindow(2)
	w.add("tip#1")
	w.add("tip#2")
	w.add("tip#2")
	assert.True(t, w.has("tip#1"))

	w.add("tip#3")
	assert.False(t, w.has("tip#1"))
	assert.True(t, w.has("tip#2"))
	assert.True(t, w.has("tip#3"))
	assert.Len(t, w.keys, 2)
}

func TestSubscribeTimesOutWhenTransportUnreachable(t *testing.T) {
	hub, _, client, _ := newPair(t)
	hub.SetDown(true)

	start := time.Now()
	_, err := client.Subscribe(context.Background(), StreamTopic("s1"), Handlers{})
	assert.ErrorIs(t, err, apperr.ErrConnectionTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, client.TopicCount())
}

func TestSubscribeWithRetryRecoversOnceTransportIsBack(t *testing.T) {
	hub, _, client, _ := newPair(t)
	hub.SetDown(true)
	go func() {
		time.Sleep(150 * time.Millisecond)
		hub.SetDown(false)
	}()

	sub, err := SubscribeWithRetry(context.Background(), client, StreamTopic("s1"), Handlers{},
		Backoff{Initial: 20 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2, MaxAttempts: 10})
	require.NoError(t, err)
	assert.Equal(t, StreamTopic("s1"), sub.Topic())
}

func TestSubscribeWithRetryGivesUp(t *testing.T) {
	hub, _, client, _ := newPair(t)
	hub.SetDown(true)

	_, err := SubscribeWithRetry(context.Background(), client, StreamTopic("s1"), Handlers{},
		Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1, MaxAttempts: 2})
	assert.ErrorIs(t, err, apperr.ErrConnectionTimeout)
}

func TestTopicAttachedOnceAndTornDownAtZero(t *testing.T) {
	_, tr, client, _ := newPair(t)
	ctx := context.Background()

	a, err := client.Subscribe(ctx, StreamTopic("s1"), Handlers{})
	require.NoError(t, err)
	b, err := client.Subscribe(ctx, StreamTopic("s1"), Handlers{})
	require.NoError(t, err)

	attaches, _ := tr.Counts()
	assert.Equal(t, 1, attaches)

	require.NoError(t, a.Unsubscribe())
	_, detaches := tr.Counts()
	assert.Equal(t, 0, detaches)
	assert.Equal(t, StateConnected, client.State())

	require.NoError(t, b.Unsubscribe())
	_, detaches = tr.Counts()
	assert.Equal(t, 1, detaches)
	assert.Equal(t, StateDisconnected, client.State())
	assert.Zero(t, client.TopicCount())

	// unsubscribing again is a no-op
	assert.NoError(t, b.Unsubscribe())
	_, detaches = tr.Counts()
	assert.Equal(t, 1, detaches)
}

func TestStateListenersSeeLifecycle(t *testing.T) {
	_, tr, client, _ := newPair(t)
	var mu sync.Mutex
	var states []State
	client.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	sub, err := client.Subscribe(context.Background(), UserTopic(5), Handlers{})
	require.NoError(t, err)
	tr.Sever()
	tr.Restore()
	require.NoError(t, sub.Unsubscribe())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateReconnecting, StateConnected, StateDisconnected}, states)
}

type memoryOutbox struct {
	mu   sync.Mutex
	msgs []*model.OutboxMessage
}

func (o *memoryOutbox) Create(_ context.Context, msg *model.OutboxMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

func TestPublishFailureGoesToOutbox(t *testing.T) {
	hub := NewMemoryHub()
	outbox := &memoryOutbox{}
	pub := NewPublisher(hub.Transport(), NewMemorySequencer(), outbox, discardLogger())
	hub.SetDown(true)

	env, err := pub.Publish(context.Background(), StreamTopic("s1"), Gift{StreamID: "s1", GiftID: "rose"})
	require.NoError(t, err)
	require.Len(t, outbox.msgs, 1)
	assert.Equal(t, StreamTopic("s1"), outbox.msgs[0].Topic)
	assert.True(t, outbox.msgs[0].Pending())
	assert.Equal(t, string(KindGift), outbox.msgs[0].Kind)
	assert.Equal(t, env.Seq, outbox.msgs[0].Seq)

	var stored Envelope
	require.NoError(t, json.Unmarshal([]byte(outbox.msgs[0].Payload), &stored))
	assert.Equal(t, env.Seq, stored.Seq)
	assert.Equal(t, KindGift, stored.Kind)
}

func TestPublishWithoutOutboxReturnsError(t *testing.T) {
	hub := NewMemoryHub()
	pub := NewPublisher(hub.Transport(), NewMemorySequencer(), nil, discardLogger())
	hub.SetDown(true)

	_, err := pub.Publish(context.Background(), StreamTopic("s1"), Tip{})
	assert.True(t, errors.Is(err, ErrTransportDown))
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	_, _, client, pub := newPair(t)
	ctx := context.Background()
	var mu sync.Mutex
	var seen []int64

	_, err := client.Subscribe(ctx, StreamTopic("s1"), Handlers{OnTip: func(e Tip) {
		mu.Lock()
		seen = append(seen, e.Amount)
		mu.Unlock()
		if e.Amount == 1 {
			panic("boom")
		}
	}})
	require.NoError(t, err)

	_, _ = pub.Publish(ctx, StreamTopic("s1"), Tip{Amount: 1})
	_, _ = pub.Publish(ctx, StreamTopic("s1"), Tip{Amount: 2})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestBackoffDelayIsCapped(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, b.delay(0))
	assert.Equal(t, 400*time.Millisecond, b.delay(2))
	assert.Equal(t, time.Second, b.delay(10))
}

func TestTopicNames(t *testing.T) {
	assert.Equal(t, "stream:abc", StreamTopic("abc"))
	assert.Equal(t, "user:42:notifications", UserTopic(42))
	id, ok := StreamIDOf("stream:abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	_, ok = StreamIDOf("user:42:notifications")
	assert.False(t, ok)
}

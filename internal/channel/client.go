package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"liveeconomy/internal/apperr"

	"github.com/google/uuid"
)

// Client is an explicitly constructed handle over one Transport.
//
// The transport is connected on the first subscription and closed when the
// last subscription goes away. A subscribe that finds the transport down
// waits at most ConnectTimeout and then fails with apperr.ErrConnectionTimeout;
// the client never retries on its own.
type Client struct {
	transport      Transport
	connectTimeout time.Duration
	logger         *slog.Logger

	// ops serializes subscribe and unsubscribe so the subscriber set and the
	// transport attachments change together.
	ops sync.Mutex

	mu         sync.RWMutex
	state      State
	connecting chan struct{}
	connectErr error
	topics     map[string]*topic
	listeners  map[int]func(State)
	nextListen int
}

type topic struct {
	name     string
	subs     map[string]*Subscription
	attached bool
}

func NewClient(transport Transport, connectTimeout time.Duration, logger *slog.Logger) *Client {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	c := &Client{
		transport:      transport,
		connectTimeout: connectTimeout,
		logger:         logger.With(slog.String("module", "channel")),
		state:          StateDisconnected,
		topics:         make(map[string]*topic),
		listeners:      make(map[int]func(State)),
	}
	transport.SetStateHandler(c.transportState)
	return c
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnStateChange registers fn for every state change. The returned func removes it.
func (c *Client) OnStateChange(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextListen
	c.nextListen++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	c.logger.Info("connection state", slog.String("state", string(s)))
	for _, fn := range fns {
		fn(s)
	}
}

// transportState receives health changes once connected. It is ignored while no connection is wanted.
func (c *Client) transportState(s State) {
	c.mu.RLock()
	active := c.state == StateConnected || c.state == StateReconnecting
	c.mu.RUnlock()
	if active {
		c.setState(s)
	}
}

// Subscribe attaches v to topic. Events of one kind reach v in publish order.
func (c *Client) Subscribe(ctx context.Context, topicName string, v Visitor) (*Subscription, error) {
	if topicName == "" {
		return nil, apperr.Invalid("topic", "is required")
	}

	c.ops.Lock()
	defer c.ops.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	sub := newSubscription(c, topicName, v)

	c.mu.Lock()
	t, ok := c.topics[topicName]
	if !ok {
		t = &topic{name: topicName, subs: make(map[string]*Subscription)}
		c.topics[topicName] = t
	}
	t.subs[sub.id] = sub
	needAttach := !t.attached
	c.mu.Unlock()

	if needAttach {
		if err := c.transport.Attach(ctx, topicName, c.dispatcher(topicName)); err != nil {
			c.removeLocked(sub)
			return nil, fmt.Errorf("attach %s: %w", topicName, err)
		}
		c.mu.Lock()
		t.attached = true
		c.mu.Unlock()
	}

	go sub.run()
	return sub, nil
}

// ensureConnected starts one connect attempt if none is running and waits for it.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateReconnecting {
		c.mu.Unlock()
		return nil
	}
	done := c.connecting
	start := done == nil
	if start {
		done = make(chan struct{})
		c.connecting = done
	}
	c.mu.Unlock()

	if start {
		c.setState(StateConnecting)
		go c.connect(done)
	}

	timer := time.NewTimer(c.connectTimeout)
	defer timer.Stop()

	select {
	case <-done:
		c.mu.RLock()
		err := c.connectErr
		c.mu.RUnlock()
		return err
	case <-timer.C:
		return apperr.ErrConnectionTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connect(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()

	err := c.transport.Connect(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = apperr.ErrConnectionTimeout
	}

	c.mu.Lock()
	c.connectErr = err
	c.connecting = nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("connect failed", slog.Any("error", err))
		c.setState(StateDisconnected)
	} else {
		c.setState(StateConnected)
	}
	close(done)
}

func (c *Client) dispatcher(topicName string) func([]byte) {
	return func(data []byte) {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("drop malformed envelope", slog.String("topic", topicName), slog.Any("error", err))
			return
		}
		c.mu.RLock()
		t, ok := c.topics[topicName]
		var subs []*Subscription
		if ok {
			subs = make([]*Subscription, 0, len(t.subs))
			for _, s := range t.subs {
				subs = append(subs, s)
			}
		}
		c.mu.RUnlock()
		for _, s := range subs {
			s.enqueue(env)
		}
	}
}

// Unsubscribe detaches the logical subscriber, then the physical channel if it was attached.
func (c *Client) Unsubscribe(sub *Subscription) error {
	c.ops.Lock()
	defer c.ops.Unlock()
	return c.removeLocked(sub)
}

// removeLocked runs with c.ops held.
func (c *Client) removeLocked(sub *Subscription) error {
	c.mu.Lock()
	t, ok := c.topics[sub.topic]
	if !ok {
		c.mu.Unlock()
		sub.stop()
		return nil
	}
	if _, member := t.subs[sub.id]; !member {
		c.mu.Unlock()
		sub.stop()
		return nil
	}
	delete(t.subs, sub.id)
	empty := len(t.subs) == 0
	attached := t.attached
	if empty {
		delete(c.topics, sub.topic)
	}
	last := len(c.topics) == 0
	c.mu.Unlock()

	sub.stop()

	var err error
	if empty && attached {
		ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
		err = c.transport.Detach(ctx, sub.topic)
		cancel()
		if err != nil {
			c.logger.Warn("detach failed", slog.String("topic", sub.topic), slog.Any("error", err))
		}
	}
	if last {
		c.teardown()
	}
	return err
}

func (c *Client) teardown() {
	if err := c.transport.Close(); err != nil {
		c.logger.Warn("transport close failed", slog.Any("error", err))
	}
	c.setState(StateDisconnected)
}

// Close drops every subscription and closes the transport.
func (c *Client) Close() {
	c.ops.Lock()
	defer c.ops.Unlock()

	c.mu.RLock()
	var subs []*Subscription
	for _, t := range c.topics {
		for _, s := range t.subs {
			subs = append(subs, s)
		}
	}
	c.mu.RUnlock()

	for _, s := range subs {
		_ = c.removeLocked(s)
	}
}

// TopicCount returns how many topics have at least one subscriber.
func (c *Client) TopicCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.topics)
}

// Subscription is one logical subscriber with its own ordered queue.
type Subscription struct {
	id      string
	topic   string
	client  *Client
	visitor Visitor

	mu       sync.Mutex
	queue    []Envelope
	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	seen     *seenWindow
}

func newSubscription(c *Client, topicName string, v Visitor) *Subscription {
	return &Subscription{
		id:      uuid.NewString(),
		topic:   topicName,
		client:  c,
		visitor: v,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		seen:    newSeenWindow(seenWindowSize),
	}
}

func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) Unsubscribe() error {
	return s.client.Unsubscribe(s)
}

func (s *Subscription) enqueue(env Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			env := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(env)
		}
	}
}

// deliver drops envelopes already delivered. Only the run goroutine touches seen.
func (s *Subscription) deliver(env Envelope) {
	key := env.key()
	if key != "" && s.seen.has(key) {
		return
	}
	ev, err := env.Event()
	if err != nil {
		s.client.logger.Warn("drop undecodable event",
			slog.String("topic", s.topic),
			slog.String("kind", string(env.Kind)),
			slog.Any("error", err))
		return
	}
	if key != "" {
		s.seen.add(key)
	}

	defer func() {
		if r := recover(); r != nil {
			s.client.logger.Error("subscriber handler panicked",
				slog.String("topic", s.topic),
				slog.String("kind", string(env.Kind)),
				slog.Any("panic", r))
		}
	}()
	ev.Accept(s.visitor)
}

const seenWindowSize = 1024

// seenWindow remembers the most recent envelope keys. Arrivals out of
// sequence order, such as outbox relays, are still delivered once.
type seenWindow struct {
	keys  map[string]struct{}
	order []string
	next  int
}

func newSeenWindow(size int) *seenWindow {
	return &seenWindow{keys: make(map[string]struct{}, size), order: make([]string, 0, size)}
}

func (w *seenWindow) has(key string) bool {
	_, ok := w.keys[key]
	return ok
}

// add remembers key, forgetting the oldest one when the window is full.
func (w *seenWindow) add(key string) {
	if w.has(key) {
		return
	}
	if len(w.order) < cap(w.order) {
		w.order = append(w.order, key)
	} else {
		delete(w.keys, w.order[w.next])
		w.order[w.next] = key
		w.next = (w.next + 1) % len(w.order)
	}
	w.keys[key] = struct{}{}
}

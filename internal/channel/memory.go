package channel

import (
	"context"
	"errors"
	"sync"
)

var ErrTransportDown = errors.New("transport down")

// MemoryHub is an in-process broker. Each Transport it hands out behaves like one connection.
type MemoryHub struct {
	mu        sync.RWMutex
	endpoints map[*MemoryTransport]struct{}
	down      bool
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{endpoints: make(map[*MemoryTransport]struct{})}
}

// Transport returns a new endpoint on the hub.
func (h *MemoryHub) Transport() *MemoryTransport {
	t := &MemoryTransport{hub: h, topics: make(map[string]func([]byte))}
	h.mu.Lock()
	h.endpoints[t] = struct{}{}
	h.mu.Unlock()
	return t
}

// SetDown makes Connect block until its context ends and Publish fail.
func (h *MemoryHub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	h.mu.Unlock()
}

func (h *MemoryHub) isDown() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.down
}

func (h *MemoryHub) publish(topic string, data []byte) error {
	h.mu.RLock()
	if h.down {
		h.mu.RUnlock()
		return ErrTransportDown
	}
	endpoints := make([]*MemoryTransport, 0, len(h.endpoints))
	for t := range h.endpoints {
		endpoints = append(endpoints, t)
	}
	h.mu.RUnlock()

	for _, t := range endpoints {
		t.deliver(topic, data)
	}
	return nil
}

// MemoryTransport is one hub endpoint.
type MemoryTransport struct {
	hub *MemoryHub

	// dmu orders deliveries so one topic's messages reach the client in publish order
	dmu sync.Mutex

	mu        sync.Mutex
	connected bool
	severed   bool
	topics    map[string]func([]byte)
	onState   func(State)
	attaches  int
	detaches  int
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Connect(ctx context.Context) error {
	if t.hub.isDown() {
		<-ctx.Done()
		return ctx.Err()
	}
	t.mu.Lock()
	t.connected = true
	t.severed = false
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Attach(_ context.Context, topic string, deliver func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrTransportDown
	}
	t.topics[topic] = deliver
	t.attaches++
	return nil
}

func (t *MemoryTransport) Detach(_ context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.topics, topic)
	t.detaches++
	return nil
}

func (t *MemoryTransport) Publish(_ context.Context, topic string, data []byte) error {
	return t.hub.publish(topic, data)
}

func (t *MemoryTransport) SetStateHandler(fn func(State)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.topics = make(map[string]func([]byte))
	t.mu.Unlock()
	return nil
}

// Sever simulates a dropped connection: deliveries stop and the client sees reconnecting.
func (t *MemoryTransport) Sever() {
	t.mu.Lock()
	t.severed = true
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(StateReconnecting)
	}
}

// Restore ends a Sever. Messages published in between are lost, as on a real pub/sub.
func (t *MemoryTransport) Restore() {
	t.mu.Lock()
	t.severed = false
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(StateConnected)
	}
}

// Counts returns how many attaches and detaches the client performed.
func (t *MemoryTransport) Counts() (attaches, detaches int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attaches, t.detaches
}

func (t *MemoryTransport) deliver(topic string, data []byte) {
	t.dmu.Lock()
	defer t.dmu.Unlock()

	t.mu.Lock()
	fn, ok := t.topics[topic]
	skip := !t.connected || t.severed
	t.mu.Unlock()
	if ok && !skip {
		fn(data)
	}
}

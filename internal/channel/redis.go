package channel

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisTransport carries envelopes over redis Pub/Sub.
//
// Channels are "<prefix>:<topic>". A ping loop reports reconnecting while
// redis is unreachable and connected once it answers again. Pub/Sub has no
// replay, so whatever is published during an outage is only recovered by the
// reconciliation poller.
type RedisTransport struct {
	client         *redis.Client
	prefix         string
	healthInterval time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	handlers map[string]func([]byte)
	onState  func(State)
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ Transport = (*RedisTransport)(nil)

func NewRedisTransport(client *redis.Client, prefix string, healthInterval time.Duration, logger *slog.Logger) *RedisTransport {
	if healthInterval <= 0 {
		healthInterval = 5 * time.Second
	}
	return &RedisTransport{
		client:         client,
		prefix:         prefix,
		healthInterval: healthInterval,
		logger:         logger.With(slog.String("module", "channel.redis")),
		handlers:       make(map[string]func([]byte)),
	}
}

func (t *RedisTransport) channel(topic string) string {
	return t.prefix + ":" + topic
}

func (t *RedisTransport) topicOf(channel string) string {
	return strings.TrimPrefix(channel, t.prefix+":")
}

func (t *RedisTransport) Connect(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		loopCtx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.wg.Add(1)
		go t.healthLoop(loopCtx)
	}
	return nil
}

func (t *RedisTransport) Attach(ctx context.Context, topic string, deliver func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := t.channel(topic)
	if t.pubsub == nil {
		ps := t.client.Subscribe(ctx, ch)
		// wait for the subscription confirmation so Attach means attached
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return err
		}
		t.pubsub = ps
		t.wg.Add(1)
		go t.receiveLoop(ps)
	} else if err := t.pubsub.Subscribe(ctx, ch); err != nil {
		return err
	}
	t.handlers[topic] = deliver
	return nil
}

func (t *RedisTransport) Detach(ctx context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, topic)
	if t.pubsub == nil {
		return nil
	}
	return t.pubsub.Unsubscribe(ctx, t.channel(topic))
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, data []byte) error {
	return t.client.Publish(ctx, t.channel(topic), data).Err()
}

func (t *RedisTransport) SetStateHandler(fn func(State)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// Close stops the loops and the Pub/Sub connection. The redis client itself stays open.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	ps := t.pubsub
	cancel := t.cancel
	t.pubsub = nil
	t.cancel = nil
	t.handlers = make(map[string]func([]byte))
	t.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
	}
	if ps != nil {
		err = ps.Close()
	}
	t.wg.Wait()
	return err
}

func (t *RedisTransport) receiveLoop(ps *redis.PubSub) {
	defer t.wg.Done()
	for msg := range ps.Channel() {
		t.mu.Lock()
		fn := t.handlers[t.topicOf(msg.Channel)]
		t.mu.Unlock()
		if fn != nil {
			fn([]byte(msg.Payload))
		}
	}
}

func (t *RedisTransport) healthLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.healthInterval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, t.healthInterval)
			err := t.client.Ping(pingCtx).Err()
			cancel()

			switch {
			case err != nil && healthy:
				healthy = false
				t.logger.Warn("redis unreachable", slog.Any("error", err))
				t.emit(StateReconnecting)
			case err == nil && !healthy:
				healthy = true
				t.logger.Info("redis reachable again")
				t.emit(StateConnected)
			}
		}
	}
}

func (t *RedisTransport) emit(s State) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

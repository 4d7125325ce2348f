package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"liveeconomy/internal/model"

	"github.com/go-redis/redis/v8"
)

// Sequencer hands out increasing sequence numbers per topic.
type Sequencer interface {
	Next(ctx context.Context, topic string) (int64, error)
}

// OutboxWriter stores envelopes whose publish failed. repository.OutboxRepository implements it.
type OutboxWriter interface {
	Create(ctx context.Context, msg *model.OutboxMessage) error
}

// Publisher stamps events with a sequence number and publishes them.
// A failed publish is written to the outbox and relayed later by the outbox job.
type Publisher struct {
	transport Transport
	seq       Sequencer
	outbox    OutboxWriter
	logger    *slog.Logger
}

func NewPublisher(transport Transport, seq Sequencer, outbox OutboxWriter, logger *slog.Logger) *Publisher {
	return &Publisher{
		transport: transport,
		seq:       seq,
		outbox:    outbox,
		logger:    logger.With(slog.String("module", "channel.publisher")),
	}
}

// Publish sends ev on topic. When the sequencer is unavailable the envelope
// goes out unsequenced; when the transport fails it is written to the outbox.
func (p *Publisher) Publish(ctx context.Context, topic string, ev Event) (Envelope, error) {
	seq, err := p.seq.Next(ctx, topic)
	if err != nil {
		p.logger.Warn("sequence unavailable, publishing unsequenced",
			slog.String("topic", topic),
			slog.String("kind", string(ev.Kind())),
			slog.Any("error", err))
		seq = 0
	}
	env, err := NewEnvelope(topic, seq, ev)
	if err != nil {
		return Envelope{}, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, err
	}

	if err := p.transport.Publish(ctx, topic, data); err != nil {
		p.logger.Warn("publish failed, queued to outbox",
			slog.String("topic", topic),
			slog.String("kind", string(env.Kind)),
			slog.Int64("seq", seq),
			slog.Any("error", err))
		if p.outbox == nil {
			return env, fmt.Errorf("publish %s: %w", topic, err)
		}
		qerr := p.outbox.Create(ctx, &model.OutboxMessage{
			MessageKey: outboxKey(env),
			Topic:      topic,
			Kind:       string(env.Kind),
			Seq:        seq,
			Payload:    string(data),
			Status:     model.OutboxStatusPending,
		})
		if qerr != nil {
			return env, fmt.Errorf("publish %s: %w (outbox: %v)", topic, err, qerr)
		}
	}
	return env, nil
}

func outboxKey(env Envelope) string {
	if env.Seq > 0 {
		return fmt.Sprintf("%s#%d", env.Topic, env.Seq)
	}
	return env.Topic + "#" + env.ID
}

// Relay republishes an already encoded envelope. Used by the outbox job.
func (p *Publisher) Relay(ctx context.Context, topic, payload string) error {
	return p.transport.Publish(ctx, topic, []byte(payload))
}

// MemorySequencer is a process-local Sequencer.
type MemorySequencer struct {
	mu   sync.Mutex
	last map[string]int64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{last: make(map[string]int64)}
}

func (s *MemorySequencer) Next(_ context.Context, topic string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[topic]++
	return s.last[topic], nil
}

// RedisSequencer uses INCR so every publisher in the fleet shares one counter per topic.
type RedisSequencer struct {
	client *redis.Client
	prefix string
}

func NewRedisSequencer(client *redis.Client, prefix string) *RedisSequencer {
	return &RedisSequencer{client: client, prefix: prefix}
}

func (s *RedisSequencer) Next(ctx context.Context, topic string) (int64, error) {
	return s.client.Incr(ctx, s.prefix+":seq:"+topic).Result()
}

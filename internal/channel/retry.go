package channel

import (
	"context"
	"log/slog"
	"time"
)

// Backoff configures SubscribeWithRetry.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, MaxAttempts: 5}
}

func (b Backoff) delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
		if time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	return time.Duration(d)
}

// SubscribeWithRetry is the caller-side retry loop the Client deliberately does not run itself.
// It returns the last error once MaxAttempts subscribes have failed.
func SubscribeWithRetry(ctx context.Context, c *Client, topic string, v Visitor, b Backoff) (*Subscription, error) {
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 1
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}

	var lastErr error
	for attempt := 0; attempt < b.MaxAttempts; attempt++ {
		sub, err := c.Subscribe(ctx, topic, v)
		if err == nil {
			return sub, nil
		}
		lastErr = err
		if attempt == b.MaxAttempts-1 {
			break
		}

		wait := b.delay(attempt)
		c.logger.Warn("subscribe failed, backing off",
			slog.String("topic", topic),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
			slog.Any("error", err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

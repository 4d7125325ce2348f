package cache

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Presence tracks who is watching a stream in a redis set per stream.
type Presence struct {
	client *redis.Client
	prefix string
}

func NewPresence(client *redis.Client, prefix string) *Presence {
	return &Presence{client: client, prefix: prefix}
}

func (p *Presence) key(streamID string) string {
	return fmt.Sprintf("%s:stream:%s:viewers", p.prefix, streamID)
}

// Join adds userID and returns the new viewer count.
func (p *Presence) Join(ctx context.Context, streamID string, userID int64) (int64, error) {
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, p.key(streamID), userID)
	card := pipe.SCard(ctx, p.key(streamID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// Leave removes userID and returns the new viewer count.
func (p *Presence) Leave(ctx context.Context, streamID string, userID int64) (int64, error) {
	pipe := p.client.TxPipeline()
	pipe.SRem(ctx, p.key(streamID), userID)
	card := pipe.SCard(ctx, p.key(streamID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (p *Presence) Count(ctx context.Context, streamID string) (int64, error) {
	return p.client.SCard(ctx, p.key(streamID)).Result()
}

package cache

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// Cursor persists a job's last processed id in redis.
type Cursor struct {
	client *redis.Client
	key    string
}

func NewCursor(client *redis.Client, key string) *Cursor {
	return &Cursor{client: client, key: key}
}

// Load returns 0 when no position was saved yet.
func (c *Cursor) Load(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (c *Cursor) Save(ctx context.Context, id int64) error {
	return c.client.Set(ctx, c.key, id, 0).Err()
}

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"liveeconomy/internal/config"

	"github.com/go-redis/redis/v8"
)

// NewRedis connects and pings. The client is passed explicitly to every component that needs it.
func NewRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	logger.Info("redis connected", slog.String("addr", client.Options().Addr))
	return client, nil
}

// Package store provides the shared Redis client used by the coordinator,
// validator, and event bus.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/storyweave/agentcore/pkg/config"
)

// NewClient connects to Redis and verifies the connection with a ping.
// The returned client is safe for concurrent use and shared across all
// core components.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	slog.Info("Connected to Redis", "addr", cfg.Addr, "db", cfg.DB)
	return client, nil
}

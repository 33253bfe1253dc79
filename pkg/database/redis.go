package database

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/easel-ai/easel-engine/pkg/config"
)

// redisPingTimeout bounds the connectivity check at boot.
const redisPingTimeout = 5 * time.Second

// NewRedisClient connects the shared catalog snapshot cache. An empty host
// means the deployment runs without Redis; callers get a nil client and the
// registry caches in-process only.
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg.Host == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:       net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: "easel-engine",
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Host, err)
	}

	return client, nil
}

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig selects either a sentinel-managed master or a single node.
type RedisConfig struct {
	// Sentinels and MasterName enable failover mode when both are set.
	Sentinels  []string
	MasterName string
	// Addr is used in single-node mode.
	Addr     string
	Password string
	DB       int
}

// NewRedisClient opens the shared Redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	var client redis.UniversalClient
	if cfg.MasterName != "" && len(cfg.Sentinels) > 0 {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Sentinels,
			Password:      cfg.Password,
			DB:            cfg.DB,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisConfig struct {
	Addr    string
	Channel string
	Node    string
}

type Redis struct {
	rdb     *redis.Client
	channel string
	node    string
	log     *zap.SugaredLogger
}

func NewRedis(ctx context.Context, cfg RedisConfig, log *zap.SugaredLogger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newRedis(rdb, cfg, log), nil
}

func newRedis(rdb *redis.Client, cfg RedisConfig, log *zap.SugaredLogger) *Redis {
	if cfg.Node == "" {
		cfg.Node = time.Now().Format("Node-20060102150405")
	}
	if cfg.Channel == "" {
		cfg.Channel = cfg.Node
	}
	log.Infow("redis mirror enabled", "node", cfg.Node, "channel", cfg.Channel)
	return &Redis{
		rdb:     rdb,
		channel: cfg.Channel,
		node:    cfg.Node,
		log:     log.With("sink", "redis"),
	}
}

func (r *Redis) Publish(ctx context.Context, event string, payload []byte) error {
	d, err := encode(r.node, event, payload)
	if err != nil {
		return err
	}
	n, err := r.rdb.Publish(ctx, r.channel, d).Result()
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	r.log.Debugw("published", "event", event, "receivers", n)
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

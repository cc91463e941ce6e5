package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"scrapewatch/internal/eventbus"
	logx "scrapewatch/pkg/logx"
)

type RedisConfig struct {
	URL     string
	Channel string
}

// RedisSink publishes events as JSON on a redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
	log     logx.Logger
}

func NewRedis(ctx context.Context, cfg RedisConfig, log logx.Logger) (*RedisSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("broadcast.redis.url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = "scrapewatch:events"
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("redis broadcast connected", logx.String("addr", opts.Addr), logx.String("channel", cfg.Channel))
	return &RedisSink{client: client, channel: cfg.Channel, log: log}, nil
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Deliver(ctx context.Context, ev eventbus.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

// Subscribe is used by tests and external tooling to watch the channel.
func (r *RedisSink) Subscribe(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, r.channel)
}

func (r *RedisSink) Close() error { return r.client.Close() }

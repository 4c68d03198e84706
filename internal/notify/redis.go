package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hetangai/generation-engine/internal/observability"
)

// RedisOptions configures the Redis publisher. Prefix namespaces the pub/sub
// channels so one Redis instance can be shared with other services.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisPublisher mirrors lifecycle events onto Redis pub/sub channels.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	logger *observability.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection with a
// ping before returning.
func NewRedisPublisher(ctx context.Context, opts RedisOptions, logger *observability.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	p := &RedisPublisher{
		client: client,
		prefix: opts.Prefix,
		logger: logger.WithComponent("notify-redis"),
	}
	p.logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("redis publisher connected")
	return p, nil
}

// Publish serializes the event and publishes it on the prefixed channel.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

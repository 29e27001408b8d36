package notifier

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes notifications as JSON on a Redis pub/sub channel,
// letting a dashboard process push live updates without polling the store.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier builds the sink for the given address and channel
// (VIGIL_REDIS_ADDR, VIGIL_REDIS_CHANNEL).
func NewRedisNotifier(addr, channel string) *RedisNotifier {
	return &RedisNotifier{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

// Notify publishes one message.
func (r *RedisNotifier) Notify(ctx context.Context, notification Notification) error {
	value, err := notification.JSON()
	if err != nil {
		return err
	}

	if err := r.client.Publish(ctx, r.channel, value).Err(); err != nil {
		return fmt.Errorf("publish redis message: %w", err)
	}

	return nil
}

// Close closes the Redis connection.
func (r *RedisNotifier) Close() error {
	return r.client.Close()
}

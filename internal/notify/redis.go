package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis"
	json "github.com/goccy/go-json"
)

// RedisChannel publishes messages as JSON on a pub/sub channel.
type RedisChannel struct {
	client  *redis.Client
	channel string
}

// NewRedisChannel connects to addr, either host:port or a redis:// URL.
func NewRedisChannel(addr, password, channel string) (*RedisChannel, error) {
	if channel == "" {
		return nil, errors.New("redis notify: channel is required")
	}
	opts := &redis.Options{Addr: addr, Password: password}
	if u, err := redis.ParseURL(addr); err == nil {
		opts = u
		if password != "" {
			opts.Password = password
		}
	}
	return &RedisChannel{client: redis.NewClient(opts), channel: channel}, nil
}

func (r *RedisChannel) Name() string { return "redis" }

// Send publishes msg. A message nobody received counts as a failure so the
// chain falls through to the next channel.
func (r *RedisChannel) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	receivers, err := r.client.WithContext(ctx).Publish(r.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	if receivers == 0 {
		return fmt.Errorf("publish to %s: no subscribers", r.channel)
	}
	return nil
}

func (r *RedisChannel) Close() error {
	return r.client.Close()
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of *redis.Client used for publishing.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes each event to <prefix>:calls:<call_id> and to the
// <prefix>:calls firehose channel.
type RedisPublisher struct {
	client RedisClient
	prefix string
}

func NewRedisPublisher(client RedisClient, prefix string) *RedisPublisher {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "vai-phone"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) CallChannel(callID string) string {
	return p.prefix + ":calls:" + callID
}

func (p *RedisPublisher) FirehoseChannel() string {
	return p.prefix + ":calls"
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	for _, channel := range []string{p.CallChannel(ev.CallID), p.FirehoseChannel()} {
		if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
			return fmt.Errorf("redis publish %s: %w", channel, err)
		}
	}
	return nil
}

// OpenRedis parses a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

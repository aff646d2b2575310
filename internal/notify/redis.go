// Package notify provides pipeline.Publisher implementations: Redis pub/sub,
// CloudEvents webhooks, structured logs, and a router that picks one by topic.
package notify

import (
	"cdpipeline/internal/pipeline"
	"cdpipeline/pkg/backoff"
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Defaults for RedisConfig.
const (
	DefaultChannelPrefix = "cdpipeline:"
	DefaultRedisTimeout  = 5 * time.Second
	DefaultRedisRetries  = 3
)

// RedisConfig configures the Redis publisher.
type RedisConfig struct {
	// ChannelPrefix is prepended to the topic to form the channel name.
	ChannelPrefix string
	// Timeout bounds each PUBLISH attempt.
	Timeout time.Duration
	// Retries after the first attempt.
	Retries int
	// RetryInitial is the first backoff delay (default 500ms).
	RetryInitial time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = DefaultChannelPrefix
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultRedisTimeout
	}
	if c.Retries < 0 {
		c.Retries = DefaultRedisRetries
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	return c
}

// Redis publishes run messages as JSON with Redis PUBLISH.
type Redis struct {
	client *goredis.Client
	cfg    RedisConfig
}

// NewRedis creates a publisher on client. The client is owned by the caller.
func NewRedis(client *goredis.Client, cfg RedisConfig) *Redis {
	return &Redis{client: client, cfg: cfg.withDefaults()}
}

// Channel returns the channel a topic is published on.
func (r *Redis) Channel(topicID string) string {
	return r.cfg.ChannelPrefix + topicID
}

// Publish sends msg to the topic's channel, retrying with exponential backoff.
// Having no subscribers is not an error.
func (r *Redis) Publish(ctx context.Context, topicID string, msg *pipeline.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: marshal message: %w", err)
	}

	channel := r.Channel(topicID)
	attempts := 1 + r.cfg.Retries
	err = backoff.Retry(ctx, attempts, &backoff.Config{Initial: r.cfg.RetryInitial}, func(int) error {
		publishCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		return r.client.Publish(publishCtx, channel, body).Err()
	})
	if err != nil {
		return fmt.Errorf("redis: publish to %s failed after %d attempts: %w", channel, attempts, err)
	}
	return nil
}

var _ pipeline.Publisher = (*Redis)(nil)

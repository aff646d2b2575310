package stacklock

import (
	"cdpipeline/pkg/backoff"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Defaults for RedisConfig.
const (
	DefaultKeyPrefix    = "cdpipeline:stacklock:"
	DefaultTTL          = 2 * time.Minute
	DefaultPollInterval = 200 * time.Millisecond
)

var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisConfig configures the distributed locker.
type RedisConfig struct {
	KeyPrefix    string
	TTL          time.Duration // lock lease, refreshed every TTL/3 while held
	PollInterval time.Duration // first wait between acquisition attempts
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Redis grants locks shared by every service instance using the same Redis.
// A lease that is not refreshed (crashed holder) expires after TTL.
type Redis struct {
	client *goredis.Client
	cfg    RedisConfig
	logger *slog.Logger
}

// NewRedis creates a distributed locker on client.
func NewRedis(client *goredis.Client, cfg RedisConfig) *Redis {
	return &Redis{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: slog.With("component", "stacklock"),
	}
}

// Lock polls until the stack key is set for owner or ctx is done.
func (r *Redis) Lock(ctx context.Context, stackID, owner string) (func(), error) {
	key := r.cfg.KeyPrefix + stackID
	poll := &backoff.Config{Initial: r.cfg.PollInterval, Max: 2 * time.Second, Jitter: 0.2}

	for attempt := 1; ; attempt++ {
		ok, err := r.client.SetNX(ctx, key, owner, r.cfg.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if ok {
			break
		}
		if err := backoff.Sleep(ctx, backoff.Exponential(attempt, poll)); err != nil {
			return nil, err
		}
	}

	leaseCtx, stopLease := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(leaseCtx, key, owner)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopLease()
			wg.Wait()
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{key}, owner).Err(); err != nil {
				r.logger.Error("Failed to release stack lock", "stack", stackID, "owner", owner, "error", err)
			}
		})
	}, nil
}

func (r *Redis) keepAlive(ctx context.Context, key, owner string) {
	ticker := time.NewTicker(r.cfg.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, r.client, []string{key}, owner, r.cfg.TTL.Milliseconds()).Int()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				r.logger.Warn("Failed to refresh stack lock", "key", key, "owner", owner, "error", err)
				continue
			}
			if n == 0 {
				r.logger.Error("Stack lock lost", "key", key, "owner", owner)
				return
			}
		}
	}
}

// Holder returns the owner currently holding stackID, if any.
func (r *Redis) Holder(ctx context.Context, stackID string) (string, bool, error) {
	owner, err := r.client.Get(ctx, r.cfg.KeyPrefix+stackID).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLockerConfig configures a RedisLocker
type RedisLockerConfig struct {
	Prefix     string        // key prefix (default "lock")
	TTL        time.Duration // lease length; a crashed holder frees the lock after this
	RetryDelay time.Duration // pause between acquisition attempts
}

// DefaultRedisLockerConfig returns default configuration
func DefaultRedisLockerConfig() RedisLockerConfig {
	return RedisLockerConfig{
		Prefix:     "lock",
		TTL:        10 * time.Second,
		RetryDelay: 25 * time.Millisecond,
	}
}

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	redis  *redis.Client
	config RedisLockerConfig
}

// NewRedisLocker creates a new Redis-backed locker
func NewRedisLocker(redisClient *redis.Client, config RedisLockerConfig) *RedisLocker {
	defaults := DefaultRedisLockerConfig()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	return &RedisLocker{redis: redisClient, config: config}
}

// Lock polls SET NX until it wins, ctx ends, or Redis fails.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := fmt.Sprintf("%s:%s", l.config.Prefix, key)
	token := uuid.New().String()

	ticker := time.NewTicker(l.config.RetryDelay)
	defer ticker.Stop()

	for {
		ok, err := l.redis.SetNX(ctx, redisKey, token, l.config.TTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, errors.Join(ErrNotAcquired, ctxErr)
			}
			return nil, fmt.Errorf("redis error: %w", err)
		}
		if ok {
			return l.release(redisKey, token), nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		}
	}
}

func (l *RedisLocker) release(redisKey, token string) Unlock {
	var (
		once sync.Once
		err  error
	)
	return func() error {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), l.config.TTL)
			defer cancel()
			if _, runErr := releaseScript.Run(ctx, l.redis, []string{redisKey}, token).Result(); runErr != nil {
				err = fmt.Errorf("failed to release lock %s: %w", redisKey, runErr)
			}
		})
		return err
	}
}

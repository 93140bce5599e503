package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"

	"kitchenplan/backend/internal/logger"
)

// RedisLocker serializes across service instances with a Redis lease. The
// lease is refreshed every ttl/2 while held, so a critical section may outlive
// ttl; a crashed holder blocks others for at most ttl.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	backoff := 25 * time.Millisecond
	return &RedisLocker{
		client: redislock.New(client),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(backoff), int(ttl/backoff)),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lease, err := l.client.Obtain(ctx, "lock:"+key, l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(stop, l.ttl/2, func(ctx context.Context) error {
			return lease.Refresh(ctx, l.ttl, nil)
		}, key)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := lease.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				logger.Log.Warn().Err(err).Str("component", "lock").Str("key", key).Msg("failed to release redis lock")
			}
		})
	}, nil
}

// keepAlive calls refresh every interval until stop is closed or a refresh
// fails. A failed refresh means the lease is gone and is only logged.
func keepAlive(stop <-chan struct{}, interval time.Duration, refresh func(context.Context) error, key string) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := refresh(ctx)
			cancel()
			if err != nil {
				logger.Log.Warn().Err(err).Str("component", "lock").Str("key", key).Msg("failed to refresh redis lock")
				return
			}
		}
	}
}

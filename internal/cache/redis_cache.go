package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kitchenplan/backend/internal/domain"
)

type RedisExplosionCache struct {
	client redis.UniversalClient
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisExplosionCache(client redis.UniversalClient) *RedisExplosionCache {
	return &RedisExplosionCache{client: client}
}

func (c *RedisExplosionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisExplosionCache) Get(ctx context.Context, key string) (*domain.ExplosionReport, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var report domain.ExplosionReport
	if err := json.Unmarshal(val, &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

func (c *RedisExplosionCache) Set(ctx context.Context, key string, value *domain.ExplosionReport, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisExplosionCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

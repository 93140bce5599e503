// Package app wires the repository, Redis-backed helpers and the planning
// service from configuration. Both binaries start from here.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"kitchenplan/backend/internal/cache"
	"kitchenplan/backend/internal/config"
	"kitchenplan/backend/internal/lock"
	"kitchenplan/backend/internal/logger"
	"kitchenplan/backend/internal/notify"
	"kitchenplan/backend/internal/service"
	"kitchenplan/backend/internal/store"
	"kitchenplan/backend/internal/store/memory"
	pgstore "kitchenplan/backend/internal/store/postgres"
)

type Runtime struct {
	Repo    store.Repository
	Service *service.Service

	closers []func() error
}

// Open connects to Postgres when DATABASE_URL is set and to Redis when
// REDIS_ADDR is set. A configured but unreachable database is fatal; an
// unreachable Redis degrades to in-process cache, locks and log notices.
func Open(ctx context.Context, cfg config.Config) (*Runtime, error) {
	log := logger.Component("app")
	rt := &Runtime{}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		rt.Repo = pg
		rt.closers = append(rt.closers, pg.Close)
		log.Info().Msg("repository: postgres")
	} else {
		rt.Repo = memory.NewSeeded()
		log.Info().Msg("repository: in-memory")
	}

	opts := service.Options{
		Cache:          cache.NoopExplosionCache{},
		CacheTTL:       time.Duration(cfg.ExplosionCacheTTLSeconds) * time.Second,
		Locker:         lock.NewKeyedMutex(),
		Notifier:       notify.LogNotifier{},
		DefaultOwnerID: cfg.OwnerID,
	}

	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			log.Warn().Err(err).Msg("redis unavailable, using in-process cache and locks")
		} else {
			wireRedis(&opts, client, cfg)
			rt.closers = append(rt.closers, client.Close)
			log.Info().Str("addr", cfg.RedisAddr).Msg("cache, locks and notices: redis")
		}
	} else {
		log.Info().Msg("cache: noop, locks: in-process")
	}

	rt.Service = service.New(rt.Repo, opts)
	return rt, nil
}

func wireRedis(opts *service.Options, client redis.UniversalClient, cfg config.Config) {
	opts.Cache = cache.NewRedisExplosionCache(client)
	opts.Locker = lock.NewRedisLocker(client, time.Duration(cfg.StockLockTTLSeconds)*time.Second)
	opts.Notifier = notify.NewRedisNotifier(client, cfg.NotifyChannel)
}

// Close releases connections in reverse order of acquisition.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			logger.Log.Warn().Err(err).Msg("close error")
		}
	}
	rt.closers = nil
}

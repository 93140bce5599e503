package cache

import (
	"context"
	"fmt"
	"time"

	"kitchenplan/backend/internal/domain"
)

// ExplosionCache keeps the last explosion report per owner and target date.
type ExplosionCache interface {
	Get(ctx context.Context, key string) (*domain.ExplosionReport, bool, error)
	Set(ctx context.Context, key string, value *domain.ExplosionReport, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func ExplosionKey(ownerID string, targetDate time.Time) string {
	return fmt.Sprintf("kitchen:explosion:%s:%s", ownerID, targetDate.UTC().Format(time.DateOnly))
}

type NoopExplosionCache struct{}

func (NoopExplosionCache) Get(_ context.Context, _ string) (*domain.ExplosionReport, bool, error) {
	return nil, false, nil
}

func (NoopExplosionCache) Set(_ context.Context, _ string, _ *domain.ExplosionReport, _ time.Duration) error {
	return nil
}

func (NoopExplosionCache) Delete(_ context.Context, _ string) error {
	return nil
}

// Package notify delivers planning notices (shelf-life warnings, shortfalls,
// data-integrity warnings) to whoever is listening.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kitchenplan/backend/internal/domain"
	"kitchenplan/backend/internal/logger"
)

type Notifier interface {
	Notify(ctx context.Context, notice domain.Notice)
}

// LogNotifier writes notices to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, notice domain.Notice) {
	event := logger.Log.Warn().
		Str("component", "notify").
		Str("owner_id", notice.OwnerID).
		Str("kind", notice.Kind).
		Int("warnings", len(notice.Warnings))
	for _, w := range notice.Warnings {
		event = event.Str("warning_"+w.Code, w.Ref)
	}
	event.Msg(notice.Message)
}

// RedisNotifier publishes notices as JSON on "<channel>:<owner>".
type RedisNotifier struct {
	client   redis.UniversalClient
	channel  string
	fallback Notifier
}

func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = "kitchen:notices"
	}
	return &RedisNotifier{client: client, channel: channel, fallback: LogNotifier{}}
}

func (n *RedisNotifier) Channel(ownerID string) string {
	return fmt.Sprintf("%s:%s", n.channel, ownerID)
}

func (n *RedisNotifier) Notify(ctx context.Context, notice domain.Notice) {
	if notice.CreatedAt.IsZero() {
		notice.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(notice)
	if err == nil {
		err = n.client.Publish(ctx, n.Channel(notice.OwnerID), payload).Err()
	}
	if err != nil {
		logger.Log.Warn().Err(err).Str("component", "notify").Msg("publish failed, logging notice instead")
		n.fallback.Notify(ctx, notice)
	}
}

// Recorder keeps notices in memory; used by tests and the CLI.
type Recorder struct {
	mu      sync.Mutex
	Notices []domain.Notice
}

func (r *Recorder) Notify(_ context.Context, notice domain.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Notices = append(r.Notices, notice)
}

func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.Notices))
	for _, n := range r.Notices {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

package notice

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ericfisherdev/capsuled/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.NoticeTracker = (*RedisTracker)(nil)

// RedisTracker is the Redis implementation of the NoticeTracker port
// interface, for deployments that want notice state to survive restarts.
// Keys live under the "notice:" prefix with a TTL, so a capsule stuck long
// enough past the window warns its owner again.
type RedisTracker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisTracker creates a RedisTracker with the given retention window.
func NewRedisTracker(rdb *redis.Client, ttl time.Duration) *RedisTracker {
	return &RedisTracker{rdb: rdb, ttl: ttl}
}

// FirstNotice records key as seen and reports whether this was the first
// sighting within the TTL. SET NX makes the check-and-record one round
// trip, so concurrent callers cannot both see true.
func (t *RedisTracker) FirstNotice(ctx context.Context, key string) (bool, error) {
	first, err := t.rdb.SetNX(ctx, "notice:"+key, 1, t.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record notice %q: %w", key, err)
	}
	return first, nil
}

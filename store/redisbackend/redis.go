// Package redisbackend provides an optional networked substitute for the
// rate limiter's sliding-window bucket, backed by Redis sorted sets. The
// core engine never requires this package — spec.md explicitly keeps
// distributed storage out of scope for the core — but a caller running
// several engine instances behind a load balancer can inject this to share
// rate-limit state across processes through ratelimiter's CheckDistributed
// (the engine's Evaluate path uses the local limiter and never calls this
// package). A gobreaker circuit breaker guards every call; a failing Redis
// instance yields an error, on which CheckDistributed falls back to its
// in-memory Check.
package redisbackend

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Backend is a Redis-backed sliding-window counter, matching the shape the
// ratelimiter package's Backend interface expects.
type Backend struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
}

// New wraps an existing Redis client with a circuit breaker. name is used
// as the breaker's identity in logs/metrics.
func New(client *redis.Client, name string) *Backend {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Backend{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

// CountInWindow records now under key (as a sorted-set member scored by its
// own timestamp) and returns the number of members remaining once entries
// older than windowStart have been pruned — the same sliding-window-log
// semantics the in-memory ratelimiter bucket implements, shared across
// processes via Redis. If the breaker is open or Redis errs, it returns a
// non-nil error and the caller is expected to fall back to its local
// bucket; it never panics.
func (b *Backend) CountInWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		windowStart := now.Add(-window)
		pipe := b.client.Pipeline()
		pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: fmt.Sprintf("%d", now.UnixNano())})
		card := pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, window+time.Minute)

		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		return card.Val(), nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Reset deletes key's sliding-window set, e.g. on an identity reset.
func (b *Backend) Reset(ctx context.Context, key string) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Del(ctx, key).Err()
	})
	return err
}

// Available reports whether the breaker currently allows calls through,
// useful for a caller deciding whether to even attempt the networked path
// this request.
func (b *Backend) Available() bool {
	return b.breaker.State() != gobreaker.StateOpen
}

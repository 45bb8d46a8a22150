// Package ratelimit provides Redis-backed fixed-window rate limiting shared
// by every chat server node. Each check is one atomic INCR plus an EXPIRE on
// the increment that creates the key, so a user hammering two nodes at once
// still consumes a single cluster-wide budget.
//
// The window is fixed, not sliding: a sender can burst up to twice the limit
// across a window boundary. That imprecision is accepted for the latency of
// a single round trip on the message hot path.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for per-user message counters.
const KeyPrefix = "rl:msg:"

// Budget is a rate limiting policy: at most Limit requests per Window.
type Budget struct {
	Limit  int
	Window time.Duration
}

// DefaultBudget matches the production message budget of 10000 messages per
// user per minute.
var DefaultBudget = Budget{Limit: 10000, Window: time.Minute}

// Result is the outcome of one CheckAndConsume call. RetryAfter is only
// meaningful when Allowed is false.
type Result struct {
	Allowed    bool
	RetryAfter int // seconds until the window resets
}

// Limiter checks per-user budgets against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// CheckAndConsume atomically consumes one slot of the user's budget. The
// first increment in a window sets the key's expiry to the window length;
// when the counter exceeds the limit the call is rejected and RetryAfter
// carries the key's remaining TTL.
//
// Redis errors fail OPEN: rate limiting protects the cluster, it is not a
// correctness mechanism, and an outage must not block all traffic. This is
// the opposite of the session store's fail-closed policy, deliberately.
func (l *Limiter) CheckAndConsume(ctx context.Context, userID string, budget Budget) Result {
	key := KeyPrefix + userID

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR %s: %v (failing open)", key, err)
		return Result{Allowed: true}
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, budget.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE %s: %v (failing open)", key, err)
			// The key now has no TTL and would throttle the user forever.
			// Best effort: remove it.
			l.client.Del(ctx, key)
			return Result{Allowed: true}
		}
	}

	if int(count) <= budget.Limit {
		return Result{Allowed: true}
	}

	return Result{Allowed: false, RetryAfter: l.retryAfter(ctx, key, budget)}
}

// retryAfter reads the key's remaining TTL, clamped to at least one second
// so a rejected client never retries immediately.
func (l *Limiter) retryAfter(ctx context.Context, key string, budget Budget) int {
	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		return int(budget.Window.Seconds())
	}
	secs := int(ttl.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Remaining returns how many requests userID has left in the current window,
// without consuming one. Returns the full limit on a missing key or on Redis
// errors (fail open).
func (l *Limiter) Remaining(ctx context.Context, userID string, budget Budget) int {
	key := KeyPrefix + userID

	count, err := l.client.Get(ctx, key).Int()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[ratelimit] redis GET %s: %v (failing open)", key, err)
		}
		return budget.Limit
	}

	remaining := budget.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

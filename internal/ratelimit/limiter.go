// Package ratelimit provides Redis-backed fixed window rate limiting using
// INCR + EXPIRE. Each (action, identifier) pair gets its own counter key that
// expires when the window closes. Redis failures fail open so that an outage
// of the counting store never blocks matchmaking.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "ratelimit:"

// Rule is a named rate limiting policy.
type Rule struct {
	Action string
	Limit  int
	Window time.Duration
}

// RuleJoin allows 5 queue joins per minute per user.
var RuleJoin = Rule{Action: "matchmaking_join", Limit: 5, Window: time.Minute}

// Result is the outcome of one check.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the window resets. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.Cmdable
	log    *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.Cmdable, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{client: client, log: log.Named("ratelimit")}
}

// Check counts one attempt of action by identifier against limit per window.
//
// On Redis errors Check fails open: it returns an allowed Result together
// with the error, so callers can log it and proceed.
func (l *Limiter) Check(ctx context.Context, identifier, action string, limit int, window time.Duration) (Result, error) {
	key := keyPrefix + action + ":" + identifier
	open := Result{Allowed: true, Remaining: limit}

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("incr failed, failing open", zap.String("key", key), zap.Error(err))
		return open, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, window).Err(); err != nil {
			l.log.Warn("expire failed, failing open", zap.String("key", key), zap.Error(err))
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return open, err
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if int(count) <= limit {
		return Result{Allowed: true, Remaining: remaining}, nil
	}

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil {
		l.log.Warn("ttl failed", zap.String("key", key), zap.Error(err))
		ttl = window
	}
	if ttl <= 0 {
		ttl = window
	}
	return Result{Allowed: false, Remaining: 0, RetryAfter: ttl}, nil
}

// Allow is Check with a predefined Rule.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Result, error) {
	return l.Check(ctx, identifier, rule.Action, rule.Limit, rule.Window)
}

// Noop allows everything. It stands in when no Redis is configured.
type Noop struct{}

func (Noop) Check(_ context.Context, _, _ string, limit int, _ time.Duration) (Result, error) {
	return Result{Allowed: true, Remaining: limit}, nil
}

func (n Noop) Allow(ctx context.Context, identifier string, rule Rule) (Result, error) {
	return n.Check(ctx, identifier, rule.Action, rule.Limit, rule.Window)
}

// Package ratelimit provides sliding-window rate limiting.
//
// A single process uses MemoryLimiter. Deployments running several replicas
// behind one set of alert channels substitute RedisLimiter so every replica
// draws from the same per-channel budget. The Limiter interface is the
// contract.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Rule is a budget of Limit events per Window. Prefix namespaces keys so
// different rules never share counters.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of a single Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time // when the oldest counted event leaves the window
}

// FormatHeaders renders the result as standard X-RateLimit-* headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter decides whether an event identified by key fits in rule's window.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow records the event when permitted. Returning an error signals a
	// limiter malfunction; callers treat errors as fail-open.
	Allow(ctx context.Context, rule Rule, key string) (Result, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every event. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits and reports the full budget as remaining.
func (NoopLimiter) Allow(_ context.Context, rule Rule, _ string) (Result, error) {
	return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: time.Now().Add(rule.Window)}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

func fullKey(rule Rule, key string) string {
	return "ratelimit:" + rule.Prefix + ":" + key
}

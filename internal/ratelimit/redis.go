package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims the sorted set to the window, admits the event if
// there is room and reports the count and oldest score. Running it as one
// script keeps check-and-add atomic across replicas.
//
// KEYS[1] key; ARGV[1] now (µs); ARGV[2] window (µs); ARGV[3] limit; ARGV[4] member.
var slidingWindowScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, math.ceil(window / 1000))
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then oldestScore = tonumber(oldest[2]) end
return {allowed, count, oldestScore}
`)

// RedisLimiter implements Limiter with a Redis sorted set per key.
type RedisLimiter struct {
	client *redis.Client
	logger *slog.Logger
	seq    atomic.Uint64
}

// NewRedisLimiter wraps client. The limiter does not own the client; Close is
// a no-op so a shared client can back several components.
func NewRedisLimiter(client *redis.Client, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, logger: logger}
}

// Allow admits and records the event if the window has room.
func (l *RedisLimiter) Allow(ctx context.Context, rule Rule, key string) (Result, error) {
	now := time.Now()
	nowMicros := now.UnixMicro()
	member := strconv.FormatInt(nowMicros, 10) + "-" + strconv.FormatUint(l.seq.Add(1), 10)

	raw, err := slidingWindowScript.Run(ctx, l.client,
		[]string{fullKey(rule, key)},
		nowMicros, rule.Window.Microseconds(), rule.Limit, member,
	).Int64Slice()
	if err != nil {
		l.logger.Warn("ratelimit: redis script failed", "error", err, "prefix", rule.Prefix)
		return Result{}, fmt.Errorf("ratelimit: redis allow: %w", err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("ratelimit: redis allow: unexpected reply length %d", len(raw))
	}

	count := int(raw[1])
	res := Result{
		Allowed: raw[0] == 1,
		Limit:   rule.Limit,
		ResetAt: time.UnixMicro(raw[2]).Add(rule.Window),
	}
	if res.Allowed {
		res.Remaining = max(rule.Limit-count, 0)
	}
	return res, nil
}

// Close is a no-op; the caller owns the client.
func (l *RedisLimiter) Close() error { return nil }

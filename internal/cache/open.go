package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backend selectors accepted by Open.
const (
	BackendAuto   = "auto"
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendNone   = "none"
)

const redisConnectTimeout = 5 * time.Second

// Open selects the cache tier. "auto" prefers Redis when a URL is set and
// falls back to the in-memory cache when Redis is unreachable; "redis" makes
// an unreachable Redis a startup error.
func Open(ctx context.Context, backend, redisURL string, logger *slog.Logger) (Cache, error) {
	switch backend {
	case BackendNone:
		return NopCache{}, nil
	case BackendMemory:
		return NewMemory(), nil
	case BackendRedis, BackendAuto, "":
		if redisURL == "" {
			if backend == BackendRedis {
				return nil, fmt.Errorf("cache: redis backend requires a URL")
			}
			return NewMemory(), nil
		}
		rctx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
		defer cancel()
		r, err := NewRedis(rctx, redisURL)
		if err == nil {
			return r, nil
		}
		if backend == BackendRedis {
			return nil, err
		}
		logger.Warn("cache: redis unavailable, using in-memory cache", "error", err)
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", backend)
	}
}

// Package cache provides the fast key-value tier used for low-latency
// dashboard reads. Values are JSON encoded so the in-memory and Redis
// implementations behave the same.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
)

// Well-known keys.
const (
	KeyIntegrated    = "metrics:integrated"
	keyLatestPrefix  = "metrics:latest:"
	keyHistoryPrefix = "metrics:history:"
)

// KeyLatest is the key holding the latest snapshot for one metric kind.
func KeyLatest(kind string) string { return keyLatestPrefix + kind }

// KeyHistory is the key holding a rollup-backed history range.
func KeyHistory(name string, hours int) string {
	return keyHistoryPrefix + name + ":" + strconv.Itoa(hours)
}

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a TTL key-value store. Implementations must be safe for
// concurrent use.
type Cache interface {
	// Get decodes the value stored under key into dest. Returns ErrMiss when
	// the key is absent or expired.
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
	Name() string
}

// Loader produces a value on a cache miss.
type Loader[T any] func(ctx context.Context) (T, error)

// GetOrLoad is cache-aside: it returns the cached value, or calls load on a
// miss and caches the result. Cache errors other than a miss are treated as a
// miss so a broken cache degrades to direct reads.
func GetOrLoad[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load Loader[T]) (T, error) {
	var v T
	if err := c.Get(ctx, key, &v); err == nil {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	_ = c.Set(ctx, key, v, ttl)
	return v, nil
}

// Refresher is refresh-ahead: on a miss it recomputes the value through a
// supplied callback and re-caches it. Concurrent misses for the same key
// share one computation.
type Refresher struct {
	cache Cache
	group singleflight.Group
}

// NewRefresher wraps c.
func NewRefresher(c Cache) *Refresher {
	return &Refresher{cache: c}
}

// Get returns the cached value for key, recomputing it with compute when
// absent rather than failing the read.
func (r *Refresher) Get(ctx context.Context, key string, ttl time.Duration, dest any, compute func(context.Context) (any, error)) error {
	if err := r.cache.Get(ctx, key, dest); err == nil {
		return nil
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		fresh, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		_ = r.cache.Set(ctx, key, fresh, ttl)
		return fresh, nil
	})
	if err != nil {
		return fmt.Errorf("cache: refresh %s: %w", key, err)
	}
	return assign(v, dest)
}

// NopCache never stores anything. Every Get is a miss.
type NopCache struct{}

func (NopCache) Get(context.Context, string, any) error { return ErrMiss }
func (NopCache) Set(context.Context, string, any, time.Duration) error { return nil }
func (NopCache) Delete(context.Context, string) error { return nil }
func (NopCache) Ping(context.Context) error { return nil }
func (NopCache) Close() error { return nil }
func (NopCache) Name() string { return "none" }

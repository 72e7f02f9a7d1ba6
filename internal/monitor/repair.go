package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/mealforge/sentinel/internal/cache"
	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/storage"
)

// MemoryRepairer returns freed heap to the OS.
type MemoryRepairer struct{}

func (MemoryRepairer) Repair(context.Context, model.ErrorReport) error {
	debug.FreeOSMemory()
	return nil
}

// CacheRepairer drops the derived dashboard keys, which are rebuilt on the
// next collector tick, and verifies the cache answers again.
type CacheRepairer struct {
	Cache cache.Cache
}

func (r CacheRepairer) Repair(ctx context.Context, _ model.ErrorReport) error {
	for _, key := range []string{
		cache.KeyIntegrated,
		cache.KeyLatest(string(model.KindSystem)),
		cache.KeyLatest(string(model.KindApplication)),
		cache.KeyLatest(string(model.KindBusiness)),
		checkKey,
	} {
		if err := r.Cache.Delete(ctx, key); err != nil {
			return fmt.Errorf("monitor: cache repair: delete %s: %w", key, err)
		}
	}
	if err := r.Cache.Ping(ctx); err != nil {
		return fmt.Errorf("monitor: cache repair: ping: %w", err)
	}
	return nil
}

// StorageRepairer retries the storage ping with backoff and refreshes the
// stats view once the backend answers.
type StorageRepairer struct {
	Store    *storage.Adapter
	Attempts int
}

func (r StorageRepairer) Repair(ctx context.Context, _ model.ErrorReport) error {
	attempts := max(r.Attempts, 1)
	var err error
	for i := 0; i < attempts; i++ {
		if err = r.Store.Ping(ctx); err == nil {
			return r.Store.RefreshStats(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 200 * time.Millisecond):
		}
	}
	return fmt.Errorf("monitor: storage repair: %w", err)
}

// StorageSnapshotter captures the storage adapter's configuration and
// counters before a storage repair. It reads nothing from the backend, which
// is the thing being repaired.
type StorageSnapshotter struct {
	Store *storage.Adapter
}

func (s StorageSnapshotter) Snapshot(context.Context) ([]byte, error) {
	payload, err := json.Marshal(s.Store.State())
	if err != nil {
		return nil, fmt.Errorf("monitor: storage snapshot: %w", err)
	}
	return payload, nil
}

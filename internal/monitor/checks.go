package monitor

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mealforge/sentinel/internal/cache"
	"github.com/mealforge/sentinel/internal/model"
)

// Pinger is satisfied by storage.Adapter.
type Pinger interface {
	Ping(ctx context.Context) error
	Backend() string
}

// StorageMonitor pings the active storage backend.
type StorageMonitor struct {
	store Pinger
}

func NewStorageMonitor(store Pinger) *StorageMonitor { return &StorageMonitor{store: store} }

func (m *StorageMonitor) Name() string { return ComponentStorage }

func (m *StorageMonitor) Check(ctx context.Context) (*model.ErrorReport, error) {
	start := time.Now()
	if err := m.store.Ping(ctx); err != nil {
		return newReport(ComponentStorage, model.SeverityCritical, "storage ping failed: "+err.Error(), map[string]any{
			"backend":    m.store.Backend(),
			"latency_ms": time.Since(start).Milliseconds(),
		}), nil
	}
	return nil, nil
}

const checkKey = "sentinel:monitor:check"

// CacheMonitor round-trips a check value through the cache.
type CacheMonitor struct {
	cache cache.Cache
}

func NewCacheMonitor(c cache.Cache) *CacheMonitor { return &CacheMonitor{cache: c} }

func (m *CacheMonitor) Name() string { return ComponentCache }

func (m *CacheMonitor) Check(ctx context.Context) (*model.ErrorReport, error) {
	fail := func(op string, err error) (*model.ErrorReport, error) {
		return newReport(ComponentCache, model.SeverityError, fmt.Sprintf("cache %s failed: %v", op, err), map[string]any{
			"backend": m.cache.Name(),
		}), nil
	}
	if err := m.cache.Ping(ctx); err != nil {
		return fail("ping", err)
	}
	want := time.Now().UnixNano()
	if err := m.cache.Set(ctx, checkKey, want, time.Minute); err != nil {
		return fail("set", err)
	}
	var got int64
	if err := m.cache.Get(ctx, checkKey, &got); err != nil {
		return fail("get", err)
	}
	if got != want {
		return fail("verify", fmt.Errorf("read %d, wrote %d", got, want))
	}
	return nil, nil
}

// MemoryMonitor compares the Go heap against a limit. Above the limit is an
// error; above 1.5x the limit is critical.
type MemoryMonitor struct {
	limitBytes uint64
	readHeap   func() uint64
}

func NewMemoryMonitor(limitMB int) *MemoryMonitor {
	return &MemoryMonitor{
		limitBytes: uint64(limitMB) * 1024 * 1024,
		readHeap: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapAlloc
		},
	}
}

func (m *MemoryMonitor) Name() string { return ComponentMemory }

func (m *MemoryMonitor) Check(context.Context) (*model.ErrorReport, error) {
	heap := m.readHeap()
	if m.limitBytes == 0 || heap <= m.limitBytes {
		return nil, nil
	}
	severity := model.SeverityError
	if heap > m.limitBytes+m.limitBytes/2 {
		severity = model.SeverityCritical
	}
	return newReport(ComponentMemory, severity,
		fmt.Sprintf("heap %d MiB exceeds limit %d MiB", heap>>20, m.limitBytes>>20),
		map[string]any{"heap_bytes": heap, "limit_bytes": m.limitBytes},
	), nil
}

// ExternalAPIMonitor checks external dependencies with GET requests, all
// concurrently. Any failing URL makes the component unhealthy.
type ExternalAPIMonitor struct {
	urls []string
	http *http.Client
}

func NewExternalAPIMonitor(urls []string, client *http.Client) *ExternalAPIMonitor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &ExternalAPIMonitor{urls: urls, http: client}
}

func (m *ExternalAPIMonitor) Name() string { return ComponentExternalAPI }

func (m *ExternalAPIMonitor) Check(ctx context.Context) (*model.ErrorReport, error) {
	var mu sync.Mutex
	failures := map[string]string{}

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range m.urls {
		g.Go(func() error {
			if err := m.get(gctx, u); err != nil {
				mu.Lock()
				failures[u] = err.Error()
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == 0 {
		return nil, nil
	}
	failed := make([]string, 0, len(failures))
	for u := range failures {
		failed = append(failed, u)
	}
	sort.Strings(failed)

	severity := model.SeverityWarning
	if len(failures) == len(m.urls) {
		severity = model.SeverityError
	}
	details := make(map[string]any, len(failures))
	for u, e := range failures {
		details[u] = e
	}
	return newReport(ComponentExternalAPI, severity,
		fmt.Sprintf("%d of %d external APIs unhealthy: %s", len(failures), len(m.urls), strings.Join(failed, ", ")),
		details,
	), nil
}

func (m *ExternalAPIMonitor) get(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

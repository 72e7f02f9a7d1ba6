package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealforge/sentinel/internal/cache"
	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/storage"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }
func (fakePinger) Backend() string { return "sqlite" }

func TestStorageMonitor(t *testing.T) {
	r, err := NewStorageMonitor(fakePinger{}).Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = NewStorageMonitor(fakePinger{err: errors.New("database is locked")}).Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, ComponentStorage, r.ComponentType)
	assert.Equal(t, model.SeverityCritical, r.Severity)
	assert.Equal(t, "sqlite", r.Details["backend"])
}

type brokenCache struct{ cache.NopCache }

func (brokenCache) Ping(context.Context) error { return errors.New("connection refused") }

func TestCacheMonitor(t *testing.T) {
	mem := cache.NewMemory()
	defer func() { _ = mem.Close() }()

	r, err := NewCacheMonitor(mem).Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = NewCacheMonitor(brokenCache{}).Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Contains(t, r.Message, "ping")

	// NopCache accepts writes but never returns them.
	r, err = NewCacheMonitor(cache.NopCache{}).Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Contains(t, r.Message, "get")
}

func TestMemoryMonitor(t *testing.T) {
	m := NewMemoryMonitor(100)
	heap := uint64(50 << 20)
	m.readHeap = func() uint64 { return heap }

	r, _ := m.Check(context.Background())
	assert.Nil(t, r)

	heap = 120 << 20
	r, _ = m.Check(context.Background())
	require.NotNil(t, r)
	assert.Equal(t, model.SeverityError, r.Severity)

	heap = 200 << 20
	r, _ = m.Check(context.Background())
	require.NotNil(t, r)
	assert.Equal(t, model.SeverityCritical, r.Severity)
}

func TestExternalAPIMonitor(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }))
	defer broken.Close()

	r, err := NewExternalAPIMonitor([]string{healthy.URL}, nil).Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = NewExternalAPIMonitor([]string{healthy.URL, broken.URL}, nil).Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, model.SeverityWarning, r.Severity)
	assert.Contains(t, r.Message, "1 of 2")
	assert.Equal(t, "status 503", r.Details[broken.URL])

	r, _ = NewExternalAPIMonitor([]string{broken.URL}, nil).Check(context.Background())
	require.NotNil(t, r)
	assert.Equal(t, model.SeverityError, r.Severity)
}

func TestCacheRepairerClearsDerivedKeys(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()
	defer func() { _ = mem.Close() }()
	require.NoError(t, mem.Set(ctx, cache.KeyIntegrated, 1, 0))

	require.NoError(t, CacheRepairer{Cache: mem}.Repair(ctx, model.ErrorReport{}))
	var v int
	assert.ErrorIs(t, mem.Get(ctx, cache.KeyIntegrated, &v), cache.ErrMiss)

	assert.Error(t, CacheRepairer{Cache: brokenCache{}}.Repair(ctx, model.ErrorReport{}))
}

func TestStorageRepairer(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "repair.db"), logger)
	require.NoError(t, err)

	r := StorageRepairer{Store: store, Attempts: 2}
	require.NoError(t, r.Repair(ctx, model.ErrorReport{}))

	require.NoError(t, store.Close(ctx))
	repairCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	assert.Error(t, r.Repair(repairCtx, model.ErrorReport{}))
}

func TestStorageSnapshotSurvivesClosedBackend(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "snap.db")
	store, err := storage.OpenSQLite(ctx, path, logger)
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx))

	payload, err := StorageSnapshotter{Store: store}.Snapshot(ctx)
	require.NoError(t, err)

	var st storage.State
	require.NoError(t, json.Unmarshal(payload, &st))
	assert.Equal(t, "sqlite", st.Backend)
	assert.Equal(t, path, st.SQLitePath)
	assert.False(t, st.OpenedAt.IsZero())
}

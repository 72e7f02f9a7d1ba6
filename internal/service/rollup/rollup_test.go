package rollup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mealforge/sentinel/internal/testutil"
)

type fakeStore struct {
	mu        sync.Mutex
	hours     []time.Time
	days      []time.Time
	cleanups  []int
	purges    []time.Time
	optimized int
	hourErr   error
}

func (f *fakeStore) AggregateHour(_ context.Context, h time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hourErr != nil {
		return 0, f.hourErr
	}
	f.hours = append(f.hours, h)
	return 1, nil
}

func (f *fakeStore) AggregateDay(_ context.Context, d time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days = append(f.days, d)
	return 1, nil
}

func (f *fakeStore) CleanupOlderThan(_ context.Context, days int) (int64, error) {
	f.cleanups = append(f.cleanups, days)
	return 7, nil
}

func (f *fakeStore) PurgeBackups(_ context.Context, t time.Time) (int64, error) {
	f.purges = append(f.purges, t)
	return 2, nil
}

func (f *fakeStore) RefreshStats(context.Context) error { return nil }

func (f *fakeStore) Optimize(context.Context) error {
	f.optimized++
	return nil
}

func newTestScheduler(store Store, now time.Time) (*Scheduler, *time.Time) {
	s := New(store, Config{RetentionDays: 30}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := now
	s.now = func() time.Time { return clock }
	return s, &clock
}

func at(h, m int) time.Time { return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC) }

func TestRunHourlyAggregatesLastCompletedHourOnce(t *testing.T) {
	store := &fakeStore{}
	s, clock := newTestScheduler(store, at(14, 5))

	s.RunHourly(context.Background())
	s.RunHourly(context.Background())
	require.Equal(t, []time.Time{at(13, 0)}, store.hours, "a completed hour is aggregated once")

	*clock = at(14, 59)
	s.RunHourly(context.Background())
	assert.Len(t, store.hours, 1, "the current hour has not elapsed")

	*clock = at(15, 1)
	s.RunHourly(context.Background())
	assert.Equal(t, []time.Time{at(13, 0), at(14, 0)}, store.hours)
}

func TestRunHourlyCatchesUpMissedHours(t *testing.T) {
	store := &fakeStore{}
	s, clock := newTestScheduler(store, at(10, 1))
	s.RunHourly(context.Background())

	*clock = at(13, 2)
	s.RunHourly(context.Background())
	assert.Equal(t, []time.Time{at(9, 0), at(10, 0), at(11, 0), at(12, 0)}, store.hours)
}

func TestRunHourlyCatchUpIsBounded(t *testing.T) {
	store := &fakeStore{}
	s, clock := newTestScheduler(store, at(1, 0))
	s.RunHourly(context.Background())

	*clock = clock.Add(72 * time.Hour)
	s.RunHourly(context.Background())
	assert.Len(t, store.hours, 1+maxCatchUpHours)
}

func TestRunHourlyRollsUpPreviousDayOnce(t *testing.T) {
	store := &fakeStore{}
	s, clock := newTestScheduler(store, at(0, 10))

	s.RunHourly(context.Background())
	require.Equal(t, []time.Time{time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)}, store.days)

	*clock = at(1, 10)
	s.RunHourly(context.Background())
	assert.Len(t, store.days, 1)
}

func TestRunHourlyStopsOnError(t *testing.T) {
	store := &fakeStore{hourErr: errors.New("db down")}
	s, _ := newTestScheduler(store, at(14, 5))

	s.RunHourly(context.Background())
	assert.Empty(t, store.days, "daily rollup waits for the hours")
	assert.True(t, s.lastHour.IsZero())
}

func TestTriggerNow(t *testing.T) {
	store := &fakeStore{}
	s, _ := newTestScheduler(store, at(14, 30))

	n, err := s.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []time.Time{at(13, 0)}, store.hours)

	store.hourErr = errors.New("boom")
	_, err = s.TriggerNow(context.Background())
	assert.ErrorContains(t, err, "rollup: trigger")
}

func TestRunCleanupUsesRetention(t *testing.T) {
	store := &fakeStore{}
	s, _ := newTestScheduler(store, at(3, 0))

	s.RunCleanup(context.Background())
	assert.Equal(t, []int{30}, store.cleanups)
	require.Len(t, store.purges, 1)
	assert.Equal(t, at(3, 0).AddDate(0, 0, -30), store.purges[0])
}

func TestRunOptimize(t *testing.T) {
	store := &fakeStore{}
	s, _ := newTestScheduler(store, at(3, 0))
	s.RunOptimize(context.Background())
	assert.Equal(t, 1, store.optimized)
}

func TestRunsAreMetered(t *testing.T) {
	reader := testutil.MetricReader(t)
	store := &fakeStore{}
	s, _ := newTestScheduler(store, at(14, 30))
	ctx := context.Background()

	_, err := s.TriggerNow(ctx)
	require.NoError(t, err)
	store.hourErr = errors.New("db down")
	_, err = s.TriggerNow(ctx)
	require.Error(t, err)
	s.RunCleanup(ctx)

	job := attribute.String("job", JobTrigger)
	assert.Equal(t, int64(1), testutil.Int64Sum(t, reader, "sentinel.rollup.runs", job, attribute.String("outcome", "success")))
	assert.Equal(t, int64(1), testutil.Int64Sum(t, reader, "sentinel.rollup.runs", job, attribute.String("outcome", "failure")))
	assert.Equal(t, uint64(2), testutil.HistogramCount(t, reader, "sentinel.rollup.duration", job))
	assert.Equal(t, uint64(1), testutil.HistogramCount(t, reader, "sentinel.rollup.duration", attribute.String("job", JobCleanup)))

	assert.Equal(t, int64(7), testutil.Int64Sum(t, reader, "sentinel.rollup.cleanup.deleted", attribute.String("kind", "samples")))
	assert.Equal(t, int64(2), testutil.Int64Sum(t, reader, "sentinel.rollup.cleanup.deleted", attribute.String("kind", "backups")))
}

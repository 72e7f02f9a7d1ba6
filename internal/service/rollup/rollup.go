// Package rollup schedules hourly aggregation, daily summaries, retention
// cleanup and weekly storage optimization.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/telemetry"
)

// Job names used as the "job" metric attribute.
const (
	JobHourly   = "hourly"
	JobDaily    = "daily"
	JobTrigger  = "trigger"
	JobCleanup  = "cleanup"
	JobOptimize = "optimize"
)

// maxCatchUpHours bounds how many missed hours one tick will aggregate after
// downtime.
const maxCatchUpHours = 24

// Store is the storage surface the scheduler drives.
type Store interface {
	AggregateHour(ctx context.Context, hourStart time.Time) (int, error)
	AggregateDay(ctx context.Context, day time.Time) (int, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
	PurgeBackups(ctx context.Context, olderThan time.Time) (int64, error)
	RefreshStats(ctx context.Context) error
	Optimize(ctx context.Context) error
}

// Config controls the schedules. Zero durations take the defaults.
type Config struct {
	RetentionDays    int
	HourlyCheck      time.Duration // how often to look for a newly completed hour
	CleanupInterval  time.Duration
	OptimizeInterval time.Duration
	StatsInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.HourlyCheck <= 0 {
		c.HourlyCheck = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 24 * time.Hour
	}
	if c.OptimizeInterval <= 0 {
		c.OptimizeInterval = 7 * 24 * time.Hour
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 15 * time.Minute
	}
	return c
}

// Scheduler runs the background loops. Only fully elapsed hours are
// aggregated; the hourly loop remembers the last hour it completed so a
// restart or a slow tick catches up instead of skipping.
type Scheduler struct {
	store  Store
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	lastHour time.Time
	lastDay  time.Time

	runs     metric.Int64Counter
	duration metric.Float64Histogram
	deleted  metric.Int64Counter
}

func New(store Store, cfg Config, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		store:  store,
		logger: logger,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
	meter := telemetry.Meter("sentinel/rollup")
	s.runs, _ = meter.Int64Counter("sentinel.rollup.runs",
		metric.WithDescription("Rollup and maintenance runs, by job and outcome"))
	s.duration, _ = meter.Float64Histogram("sentinel.rollup.duration",
		metric.WithDescription("Rollup and maintenance run time in seconds, by job"),
		metric.WithUnit("s"))
	s.deleted, _ = meter.Int64Counter("sentinel.rollup.cleanup.deleted",
		metric.WithDescription("Rows removed by retention cleanup, by kind (samples or backups)"))
	return s
}

// observe records one run of job that started at start.
func (s *Scheduler) observe(ctx context.Context, job string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", job),
		attribute.String("outcome", outcome),
	))
	s.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("job", job)))
}

// Run starts the loops and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		interval time.Duration
		fn       func(context.Context)
	}{
		{s.cfg.HourlyCheck, s.RunHourly},
		{s.cfg.CleanupInterval, s.RunCleanup},
		{s.cfg.OptimizeInterval, s.RunOptimize},
		{s.cfg.StatsInterval, s.refreshStats},
	}
	for _, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(l.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					l.fn(ctx)
				}
			}
		}()
	}
	wg.Wait()
}

// RunHourly aggregates every completed hour not yet aggregated (at most
// maxCatchUpHours), then rolls up the previous UTC day once per day.
func (s *Scheduler) RunHourly(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	last := model.HourStart(now).Add(-time.Hour)
	first := last
	if !s.lastHour.IsZero() {
		first = s.lastHour.Add(time.Hour)
	}
	if earliest := last.Add(-(maxCatchUpHours - 1) * time.Hour); first.Before(earliest) {
		first = earliest
	}

	for h := first; !h.After(last); h = h.Add(time.Hour) {
		start := time.Now()
		n, err := s.store.AggregateHour(ctx, h)
		s.observe(ctx, JobHourly, start, err)
		if err != nil {
			s.logger.Error("rollup: hourly aggregation failed", "error", err, "hour", h)
			return
		}
		s.lastHour = h
		s.logger.Info("rollup: hour aggregated", "hour", h, "buckets", n)
	}

	yesterday := model.DayStart(now).AddDate(0, 0, -1)
	if s.lastDay.Equal(yesterday) {
		return
	}
	start := time.Now()
	n, err := s.store.AggregateDay(ctx, yesterday)
	s.observe(ctx, JobDaily, start, err)
	if err != nil {
		s.logger.Error("rollup: daily summary failed", "error", err, "day", yesterday)
		return
	}
	s.lastDay = yesterday
	s.logger.Info("rollup: day summarized", "day", yesterday, "metrics", n)
}

// TriggerNow aggregates the last completed hour synchronously.
func (s *Scheduler) TriggerNow(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hour := model.HourStart(s.now()).Add(-time.Hour)
	start := time.Now()
	n, err := s.store.AggregateHour(ctx, hour)
	s.observe(ctx, JobTrigger, start, err)
	if err != nil {
		return 0, fmt.Errorf("rollup: trigger: %w", err)
	}
	if hour.After(s.lastHour) {
		s.lastHour = hour
	}
	return n, nil
}

// RunCleanup deletes raw data and backups older than the retention period.
func (s *Scheduler) RunCleanup(ctx context.Context) {
	start := time.Now()
	deleted, err := s.store.CleanupOlderThan(ctx, s.cfg.RetentionDays)
	s.observe(ctx, JobCleanup, start, err)
	if err != nil {
		s.logger.Error("rollup: retention cleanup failed", "error", err)
	} else {
		s.deleted.Add(ctx, deleted, metric.WithAttributes(attribute.String("kind", "samples")))
		s.logger.Info("rollup: retention cleanup completed", "deleted", deleted, "retention_days", s.cfg.RetentionDays)
	}

	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	purged, err := s.store.PurgeBackups(ctx, cutoff)
	if err != nil {
		s.logger.Error("rollup: backup purge failed", "error", err)
		return
	}
	s.deleted.Add(ctx, purged, metric.WithAttributes(attribute.String("kind", "backups")))
	if purged > 0 {
		s.logger.Info("rollup: backups purged", "purged", purged, "cutoff", cutoff)
	}
}

// RunOptimize runs storage maintenance. Errors are logged only.
func (s *Scheduler) RunOptimize(ctx context.Context) {
	start := time.Now()
	err := s.store.Optimize(ctx)
	s.observe(ctx, JobOptimize, start, err)
	if err != nil {
		s.logger.Error("rollup: optimize failed", "error", err)
		return
	}
	s.logger.Info("rollup: storage optimized", "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) refreshStats(ctx context.Context) {
	if err := s.store.RefreshStats(ctx); err != nil {
		s.logger.Warn("rollup: stats refresh failed", "error", err)
	}
}

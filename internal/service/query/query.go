// Package query is the read side consumed by the dashboard: current
// metrics, history, alerts, health and the Prometheus text export. Nothing
// here mutates detector or safety state.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mealforge/sentinel/internal/cache"
	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/storage"
)

// RawHistoryLimitHours is the widest range served from raw samples; longer
// ranges are served from hourly buckets.
const RawHistoryLimitHours = 48

// DailyHistoryThresholdHours is the widest range served from hourly buckets;
// longer ranges are served from daily summaries.
const DailyHistoryThresholdHours = 24 * 14

// historyTTL bounds how long rollup-backed history stays cached. Rollups
// run hourly, so a few minutes of staleness is invisible.
const historyTTL = 5 * time.Minute

// MaxHistoryHours bounds History requests.
const MaxHistoryHours = 24 * 90

// Store is the storage read surface. storage.Adapter implements it.
type Store interface {
	MetricHistory(ctx context.Context, name string, since time.Time) ([]model.MetricSample, error)
	HourlyBuckets(ctx context.Context, name string, since time.Time) ([]model.AggregatedBucket, error)
	DailySummaries(ctx context.Context, name string, since time.Time) ([]model.DailySummary, error)
	LatestMetrics(ctx context.Context, since time.Time) ([]model.MetricSample, error)
	Backend() string
	WriteFailures() int64
}

// AlertReader is satisfied by alerting.Dispatcher.
type AlertReader interface {
	Active() []model.Alert
	Recent(n int) []model.Alert
}

// ErrorReader is satisfied by detector.Detector.
type ErrorReader interface {
	ActiveErrors() []model.ErrorReport
}

// SafetyReader is satisfied by safety.Controller.
type SafetyReader interface {
	Snapshot() model.SafetySnapshot
}

// IngestCounter is satisfied by ingest.Buffer.
type IngestCounter interface {
	Dropped() int64
	Flushed() int64
}

// CollectorStats is satisfied by collector.Collector.
type CollectorStats interface {
	CollectFailures() int64
}

// Deps groups the read sources. Everything but Store may be nil.
type Deps struct {
	Store         Store
	Cache         cache.Cache
	Alerts        AlertReader
	Errors        ErrorReader
	Safety        SafetyReader
	Ingest        IngestCounter
	Collector     CollectorStats
	IntegratedTTL time.Duration
	Logger        *slog.Logger
}

// Service answers dashboard queries.
type Service struct {
	deps      Deps
	refresher *cache.Refresher
	now       func() time.Time
}

func New(deps Deps) *Service {
	if deps.Cache == nil {
		deps.Cache = cache.NopCache{}
	}
	if deps.IntegratedTTL <= 0 {
		deps.IntegratedTTL = 10 * time.Second
	}
	return &Service{
		deps:      deps,
		refresher: cache.NewRefresher(deps.Cache),
		now:       time.Now,
	}
}

// latestWindow is how far back storage is searched when the cache is cold.
const latestWindow = time.Hour

// CurrentMetrics returns the integrated snapshot from the cache, rebuilding
// it from the latest stored samples on a miss.
func (s *Service) CurrentMetrics(ctx context.Context) (model.IntegratedSnapshot, error) {
	var snap model.IntegratedSnapshot
	err := s.refresher.Get(ctx, cache.KeyIntegrated, s.deps.IntegratedTTL, &snap, func(ctx context.Context) (any, error) {
		return s.integratedFromStore(ctx)
	})
	if err != nil {
		return model.IntegratedSnapshot{}, fmt.Errorf("query: current metrics: %w", err)
	}
	return snap, nil
}

func (s *Service) integratedFromStore(ctx context.Context) (model.IntegratedSnapshot, error) {
	now := s.now().UTC()
	samples, err := s.deps.Store.LatestMetrics(ctx, now.Add(-latestWindow))
	if err != nil {
		return model.IntegratedSnapshot{}, err
	}

	byKind := map[model.MetricKind][]model.MetricSample{}
	latestAt := map[model.MetricKind]time.Time{}
	for _, smp := range samples {
		k := kindOf(smp.Name)
		byKind[k] = append(byKind[k], smp)
		if smp.Timestamp.After(latestAt[k]) {
			latestAt[k] = smp.Timestamp
		}
	}

	out := model.IntegratedSnapshot{GeneratedAt: now}
	for k, list := range byKind {
		snap := model.SnapshotFromSamples(k, list, latestAt[k])
		switch k {
		case model.KindSystem:
			out.System = &snap
		case model.KindBusiness:
			out.Business = &snap
		default:
			out.Application = &snap
		}
	}
	return out, nil
}

// kindOf maps a metric name to the schedule that owns it.
func kindOf(name string) model.MetricKind {
	switch {
	case strings.HasPrefix(name, "system."):
		return model.KindSystem
	case strings.HasPrefix(name, "business."):
		return model.KindBusiness
	default:
		return model.KindApplication
	}
}

// History returns raw samples for ranges up to RawHistoryLimitHours, hourly
// buckets up to DailyHistoryThresholdHours and daily summaries beyond.
// Rollup-backed results are cached for historyTTL. hours <= 0 means 24.
func (s *Service) History(ctx context.Context, name string, hours int) (model.MetricHistory, error) {
	if strings.TrimSpace(name) == "" {
		return model.MetricHistory{}, fmt.Errorf("query: history: name is required")
	}
	if hours <= 0 {
		hours = 24
	}
	if hours > MaxHistoryHours {
		return model.MetricHistory{}, fmt.Errorf("query: history: hours must be at most %d", MaxHistoryHours)
	}

	since := s.now().UTC().Add(-time.Duration(hours) * time.Hour)
	out := model.MetricHistory{MetricName: name, Hours: hours}
	if hours <= RawHistoryLimitHours {
		raw, err := s.deps.Store.MetricHistory(ctx, name, since)
		if err != nil {
			return model.MetricHistory{}, fmt.Errorf("query: history %s: %w", name, err)
		}
		out.Raw = raw
		return out, nil
	}
	rolled, err := cache.GetOrLoad(ctx, s.deps.Cache, cache.KeyHistory(name, hours), historyTTL,
		func(ctx context.Context) (model.MetricHistory, error) {
			h := out
			var err error
			if hours > DailyHistoryThresholdHours {
				h.Daily, err = s.deps.Store.DailySummaries(ctx, name, model.DayStart(since))
			} else {
				h.Buckets, err = s.deps.Store.HourlyBuckets(ctx, name, model.HourStart(since))
			}
			return h, err
		})
	if err != nil {
		return model.MetricHistory{}, fmt.Errorf("query: history %s: %w", name, err)
	}
	return rolled, nil
}

// ActiveAlerts returns unresolved alerts, newest first.
func (s *Service) ActiveAlerts() []model.Alert {
	if s.deps.Alerts == nil {
		return []model.Alert{}
	}
	return emptyIfNil(s.deps.Alerts.Active())
}

// RecentAlerts returns up to n alerts, newest first.
func (s *Service) RecentAlerts(n int) []model.Alert {
	if s.deps.Alerts == nil {
		return []model.Alert{}
	}
	return emptyIfNil(s.deps.Alerts.Recent(n))
}

// HealthSummary is unhealthy in safe mode or when any component has
// exhausted its repair budget, degraded while any error is active, and
// healthy otherwise.
func (s *Service) HealthSummary(_ context.Context) model.HealthSummary {
	sum := model.HealthSummary{
		Status:         model.HealthHealthy,
		StorageBackend: s.deps.Store.Backend(),
		WriteFailures:  s.deps.Store.WriteFailures(),
		Components:     []model.ComponentSafety{},
		GeneratedAt:    s.now().UTC(),
	}
	if s.deps.Ingest != nil {
		sum.DroppedSamples = s.deps.Ingest.Dropped()
		sum.FlushedSamples = s.deps.Ingest.Flushed()
	}
	if s.deps.Collector != nil {
		sum.CollectFailures = s.deps.Collector.CollectFailures()
	}
	if s.deps.Alerts != nil {
		sum.ActiveAlerts = len(s.deps.Alerts.Active())
	}
	if s.deps.Errors != nil {
		sum.ActiveErrors = len(s.deps.Errors.ActiveErrors())
	}

	exhausted := false
	if s.deps.Safety != nil {
		snap := s.deps.Safety.Snapshot()
		sum.SafeMode = snap.SafeMode
		sum.Components = snap.Components
		for _, c := range snap.Components {
			if c.Phase == model.PhaseExhausted {
				exhausted = true
			}
		}
	}

	switch {
	case sum.SafeMode || exhausted:
		sum.Status = model.HealthUnhealthy
	case sum.ActiveErrors > 0:
		sum.Status = model.HealthDegraded
	}
	return sum
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var _ Store = (*storage.Adapter)(nil)

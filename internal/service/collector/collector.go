// Package collector samples system, application and business metrics on
// independent schedules. Samples go to the async ingest buffer; the latest
// snapshot per kind goes to the cache for dashboard reads.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mealforge/sentinel/internal/cache"
	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/telemetry"
)

// Source produces one batch of samples per tick.
type Source interface {
	Kind() model.MetricKind
	Collect(ctx context.Context) ([]model.MetricSample, error)
}

// Sink accepts samples and snapshots without blocking. ingest.Buffer
// implements it.
type Sink interface {
	Append(samples ...model.MetricSample) error
	AppendSnapshot(kind model.MetricKind, data any) error
}

// Schedule pairs a source with its collection interval.
type Schedule struct {
	Source   Source
	Interval time.Duration
}

// Collector runs the schedules and the integrated snapshot publisher.
type Collector struct {
	sink               Sink
	cache              cache.Cache
	gauges             *Gauges
	logger             *slog.Logger
	schedules          []Schedule
	integratedInterval time.Duration

	mu     sync.RWMutex
	latest map[model.MetricKind]model.Snapshot

	collectFailures atomic.Int64
	failureCounter  metric.Int64Counter
}

// New creates a collector. A nil cache disables cache writes.
func New(sink Sink, c cache.Cache, gauges *Gauges, logger *slog.Logger, integratedInterval time.Duration, schedules ...Schedule) *Collector {
	if c == nil {
		c = cache.NopCache{}
	}
	if gauges == nil {
		gauges = NewGauges()
	}
	col := &Collector{
		sink:               sink,
		cache:              c,
		gauges:             gauges,
		logger:             logger,
		schedules:          schedules,
		integratedInterval: integratedInterval,
		latest:             make(map[model.MetricKind]model.Snapshot),
	}
	col.failureCounter, _ = telemetry.Meter("sentinel/collector").Int64Counter("sentinel.collector.collect_failures",
		metric.WithDescription("Collection ticks that returned an error, by kind and whether any samples survived"))
	return col
}

// Run starts one goroutine per schedule plus the integrated publisher and
// blocks until ctx is cancelled and every loop has returned.
func (c *Collector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range c.schedules {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx, s.Interval, func(ctx context.Context) {
				if err := c.CollectOnce(ctx, s.Source, s.Interval); err != nil {
					c.logger.Warn("collector: collect failed", "error", err, "kind", s.Source.Kind())
				}
			})
		}()
	}
	if c.integratedInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx, c.integratedInterval, func(ctx context.Context) { c.PublishIntegrated(ctx) })
		}()
	}
	wg.Wait()
}

// loop runs fn immediately and then on every tick until ctx is cancelled.
func (c *Collector) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// CollectOnce runs one tick for src: collect, enqueue samples and the raw
// snapshot, then cache the snapshot with a TTL of twice the interval. Only a
// failed collect is returned; enqueue and cache failures are logged and do
// not affect each other.
func (c *Collector) CollectOnce(ctx context.Context, src Source, interval time.Duration) error {
	kind := src.Kind()
	samples, err := src.Collect(ctx)
	if err != nil {
		c.collectFailures.Add(1)
		c.failureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.Bool("partial", len(samples) > 0),
		))
		if len(samples) == 0 {
			return fmt.Errorf("collector: %s: %w", kind, err)
		}
		c.logger.Warn("collector: partial collect", "error", err, "kind", kind)
	}

	snap := model.SnapshotFromSamples(kind, samples, time.Now())
	c.mu.Lock()
	c.latest[kind] = snap
	c.mu.Unlock()

	if err := c.sink.Append(samples...); err != nil {
		c.logger.Warn("collector: enqueue samples failed", "error", err, "kind", kind, "count", len(samples))
	}
	if err := c.sink.AppendSnapshot(kind, snap); err != nil {
		c.logger.Warn("collector: enqueue snapshot failed", "error", err, "kind", kind)
	}
	if err := c.cache.Set(ctx, cache.KeyLatest(string(kind)), snap, 2*interval); err != nil {
		c.logger.Warn("collector: cache latest failed", "error", err, "kind", kind)
	}
	return nil
}

// PublishIntegrated combines the latest snapshots and writes them to the
// integrated cache key. The integrated view is never persisted.
func (c *Collector) PublishIntegrated(ctx context.Context) model.IntegratedSnapshot {
	snap := c.Integrated()
	if err := c.cache.Set(ctx, cache.KeyIntegrated, snap, 2*c.integratedInterval); err != nil {
		c.logger.Warn("collector: cache integrated failed", "error", err)
	}
	return snap
}

// Integrated returns the current combined view without touching the cache.
func (c *Collector) Integrated() model.IntegratedSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := model.IntegratedSnapshot{GeneratedAt: time.Now().UTC()}
	if s, ok := c.latest[model.KindSystem]; ok {
		out.System = &s
	}
	if s, ok := c.latest[model.KindApplication]; ok {
		out.Application = &s
	}
	if s, ok := c.latest[model.KindBusiness]; ok {
		out.Business = &s
	}
	return out
}

// Latest returns the most recent snapshot for kind.
func (c *Collector) Latest(kind model.MetricKind) (model.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[kind]
	return s, ok
}

// CollectFailures returns how many ticks failed to collect.
func (c *Collector) CollectFailures() int64 { return c.collectFailures.Load() }

// Record accepts one metric from a producer. The sample is persisted through
// the sink and becomes visible to the next application or business tick.
func (c *Collector) Record(req model.RecordMetricRequest) (model.MetricSample, error) {
	if err := req.Validate(); err != nil {
		return model.MetricSample{}, err
	}
	s := model.MetricSample{
		Name:      strings.TrimSpace(req.Name),
		Value:     req.Value,
		Labels:    req.Labels,
		Timestamp: time.Now().UTC(),
	}
	c.gauges.Set(s)
	if err := c.sink.Append(s); err != nil {
		return s, fmt.Errorf("collector: record %s: %w", s.Name, err)
	}
	return s, nil
}


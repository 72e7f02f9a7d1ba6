package query

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/mealforge/sentinel/internal/model"
)

const namespace = "sentinel"

var (
	descSafeMode = prometheus.NewDesc(namespace+"_safe_mode",
		"1 while automated repairs are globally blocked.", nil, nil)
	descActiveErrors = prometheus.NewDesc(namespace+"_active_errors",
		"Components with an unresolved error report.", nil, nil)
	descActiveAlerts = prometheus.NewDesc(namespace+"_active_alerts",
		"Unresolved alerts in the dispatcher history.", nil, nil)
	descWriteFailures = prometheus.NewDesc(namespace+"_storage_write_failures_total",
		"Failed storage writes since start.", []string{"backend"}, nil)
	descDropped = prometheus.NewDesc(namespace+"_ingest_dropped_total",
		"Samples dropped because the ingest buffer was full.", nil, nil)
	descFlushed = prometheus.NewDesc(namespace+"_ingest_flushed_total",
		"Samples persisted by the ingest flush loop.", nil, nil)
	descCollectFailures = prometheus.NewDesc(namespace+"_collect_failures_total",
		"Collection passes that failed or returned partial results.", nil, nil)
	descRepairAttempts = prometheus.NewDesc(namespace+"_repair_attempts",
		"Repair attempts used in the current retry window.", []string{"component", "phase"}, nil)
	descHealth = prometheus.NewDesc(namespace+"_health_status",
		"1 for the current overall health status.", []string{"status"}, nil)
)

// exporter turns the current query state into Prometheus metrics on every
// scrape. Collected metric values are exported as gauges named
// sentinel_<kind>_<name>.
type exporter struct {
	svc     *Service
	timeout time.Duration
}

// Describe sends nothing: metric names depend on recorded data, so the
// exporter registers as an unchecked collector.
func (e *exporter) Describe(chan<- *prometheus.Desc) {}

func (e *exporter) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	health := e.svc.HealthSummary(ctx)
	ch <- prometheus.MustNewConstMetric(descSafeMode, prometheus.GaugeValue, boolFloat(health.SafeMode))
	ch <- prometheus.MustNewConstMetric(descActiveErrors, prometheus.GaugeValue, float64(health.ActiveErrors))
	ch <- prometheus.MustNewConstMetric(descActiveAlerts, prometheus.GaugeValue, float64(health.ActiveAlerts))
	ch <- prometheus.MustNewConstMetric(descWriteFailures, prometheus.CounterValue, float64(health.WriteFailures), health.StorageBackend)
	ch <- prometheus.MustNewConstMetric(descDropped, prometheus.CounterValue, float64(health.DroppedSamples))
	ch <- prometheus.MustNewConstMetric(descFlushed, prometheus.CounterValue, float64(health.FlushedSamples))
	ch <- prometheus.MustNewConstMetric(descCollectFailures, prometheus.CounterValue, float64(health.CollectFailures))
	for _, st := range []model.HealthStatus{model.HealthHealthy, model.HealthDegraded, model.HealthUnhealthy} {
		ch <- prometheus.MustNewConstMetric(descHealth, prometheus.GaugeValue, boolFloat(health.Status == st), string(st))
	}
	for _, c := range health.Components {
		ch <- prometheus.MustNewConstMetric(descRepairAttempts, prometheus.GaugeValue, float64(c.Attempts), c.ComponentType, string(c.Phase))
	}

	snap, err := e.svc.CurrentMetrics(ctx)
	if err != nil {
		if e.svc.deps.Logger != nil {
			e.svc.deps.Logger.Warn("query: export current metrics failed", "error", err)
		}
		return
	}
	for _, s := range []*model.Snapshot{snap.System, snap.Application, snap.Business} {
		if s == nil {
			continue
		}
		names := make([]string, 0, len(s.Values))
		for n := range s.Values {
			names = append(names, n)
		}
		sort.Strings(names)
		seen := map[string]bool{}
		for _, n := range names {
			metricName := promName(s.Kind, n)
			if seen[metricName] {
				continue
			}
			seen[metricName] = true
			desc := prometheus.NewDesc(metricName, "Latest collected value of "+n+".", nil, nil)
			m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, s.Values[n])
			if err != nil {
				continue
			}
			ch <- m
		}
	}
}

// promName converts "system.cpu_percent" into "sentinel_system_cpu_percent".
// Names already carrying the kind prefix are not prefixed twice.
func promName(kind model.MetricKind, name string) string {
	var b strings.Builder
	b.WriteString(namespace)
	b.WriteByte('_')
	prefix := string(kind) + "."
	if kind == model.KindApplication {
		prefix = "app."
	}
	if !strings.HasPrefix(name, prefix) {
		b.WriteString(strings.TrimSuffix(prefix, "."))
		b.WriteByte('_')
	}
	for _, r := range name {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func boolFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// Registry returns a Prometheus registry exposing the query state plus Go
// runtime and process collectors.
func (s *Service) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		&exporter{svc: s, timeout: 5 * time.Second},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// MetricsHandler serves the registry in any format Prometheus negotiates.
func (s *Service) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.Registry(), promhttp.HandlerOpts{})
}

// ExportMetricsText renders the current state in the Prometheus text
// exposition format.
func (s *Service) ExportMetricsText(_ context.Context) ([]byte, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(&exporter{svc: s, timeout: 5 * time.Second}); err != nil {
		return nil, fmt.Errorf("query: export: %w", err)
	}
	families, err := reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("query: export: gather: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("query: export: encode: %w", err)
		}
	}
	return buf.Bytes(), nil
}

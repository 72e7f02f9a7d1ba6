package collector

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mealforge/sentinel/internal/model"
)

// BusinessPrefix marks recorded metrics that belong to the business schedule.
const BusinessPrefix = "business."

// Gauges holds the latest value of metrics recorded through the ingestion
// API, keyed by name. Safe for concurrent use.
type Gauges struct {
	mu     sync.RWMutex
	values map[string]model.MetricSample
}

// NewGauges returns an empty registry.
func NewGauges() *Gauges {
	return &Gauges{values: make(map[string]model.MetricSample)}
}

// Set records s as the latest value for its name.
func (g *Gauges) Set(s model.MetricSample) {
	g.mu.Lock()
	g.values[s.Name] = s
	g.mu.Unlock()
}

// Snapshot returns the recorded samples whose name satisfies keep, sorted by
// name.
func (g *Gauges) Snapshot(keep func(name string) bool) []model.MetricSample {
	g.mu.RLock()
	out := make([]model.MetricSample, 0, len(g.values))
	for name, s := range g.values {
		if keep(name) {
			out = append(out, s)
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ApplicationSource reports Go runtime statistics plus recorded application
// gauges.
type ApplicationSource struct {
	gauges  *Gauges
	started time.Time
}

// NewApplicationSource surfaces gauges without the business prefix.
func NewApplicationSource(gauges *Gauges) *ApplicationSource {
	return &ApplicationSource{gauges: gauges, started: time.Now()}
}

func (s *ApplicationSource) Kind() model.MetricKind { return model.KindApplication }

func (s *ApplicationSource) Collect(_ context.Context) ([]model.MetricSample, error) {
	now := time.Now().UTC()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	out := []model.MetricSample{
		{Name: "app.goroutines", Value: float64(runtime.NumGoroutine()), Timestamp: now},
		{Name: "app.heap_alloc_bytes", Value: float64(ms.HeapAlloc), Timestamp: now},
		{Name: "app.heap_inuse_bytes", Value: float64(ms.HeapInuse), Timestamp: now},
		{Name: "app.sys_bytes", Value: float64(ms.Sys), Timestamp: now},
		{Name: "app.gc_count", Value: float64(ms.NumGC), Timestamp: now},
		{Name: "app.gc_pause_total_seconds", Value: float64(ms.PauseTotalNs) / 1e9, Timestamp: now},
		{Name: "app.uptime_seconds", Value: now.Sub(s.started).Seconds(), Timestamp: now},
	}
	if ms.NumGC > 0 {
		last := ms.PauseNs[(ms.NumGC+255)%256]
		out = append(out, model.MetricSample{Name: "app.gc_last_pause_seconds", Value: float64(last) / 1e9, Timestamp: now})
	}
	if s.gauges != nil {
		out = append(out, s.gauges.Snapshot(func(name string) bool {
			return !strings.HasPrefix(name, BusinessPrefix)
		})...)
	}
	return out, nil
}

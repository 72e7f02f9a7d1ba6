package collector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mealforge/sentinel/internal/model"
)

// BusinessFunc computes business metrics on demand, e.g. orders in the last
// interval. Supplied by producer collaborators at wiring time.
type BusinessFunc func(ctx context.Context) (map[string]float64, error)

// BusinessSource combines registered BusinessFuncs with recorded gauges that
// carry the business prefix.
type BusinessSource struct {
	gauges *Gauges

	mu    sync.RWMutex
	funcs map[string]BusinessFunc
}

func NewBusinessSource(gauges *Gauges) *BusinessSource {
	return &BusinessSource{gauges: gauges, funcs: make(map[string]BusinessFunc)}
}

// Register adds fn under name. Its metrics are reported as
// "business.<name>.<key>". Registering the same name again replaces it.
func (s *BusinessSource) Register(name string, fn BusinessFunc) {
	s.mu.Lock()
	s.funcs[name] = fn
	s.mu.Unlock()
}

func (s *BusinessSource) Kind() model.MetricKind { return model.KindBusiness }

// Collect runs every registered function. A failing function is skipped and
// reported in the joined error; the samples of the others are still returned.
func (s *BusinessSource) Collect(ctx context.Context) ([]model.MetricSample, error) {
	s.mu.RLock()
	funcs := make(map[string]BusinessFunc, len(s.funcs))
	for k, v := range s.funcs {
		funcs[k] = v
	}
	s.mu.RUnlock()

	now := time.Now().UTC()
	var out []model.MetricSample
	var failed []string
	for name, fn := range funcs {
		values, err := fn(ctx)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		for k, v := range values {
			out = append(out, model.MetricSample{Name: BusinessPrefix + name + "." + k, Value: v, Timestamp: now})
		}
	}
	if s.gauges != nil {
		out = append(out, s.gauges.Snapshot(func(n string) bool {
			return strings.HasPrefix(n, BusinessPrefix)
		})...)
	}
	if len(failed) > 0 {
		return out, fmt.Errorf("collector: business funcs failed: %s", strings.Join(failed, "; "))
	}
	return out, nil
}

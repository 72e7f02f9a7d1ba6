package testutil

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MetricReader installs a meter provider backed by a manual reader as the
// global provider until the test ends. Instruments must be created after
// this call to report through the returned reader.
func MetricReader(t testing.TB) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return reader
}

func collect(t testing.TB, reader *sdkmetric.ManualReader, name string) (metricdata.Aggregation, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("testutil: collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m.Data, true
			}
		}
	}
	return nil, false
}

func hasAttrs(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		v, ok := set.Value(kv.Key)
		if !ok || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}

// Int64Sum totals the data points of the int64 counter name whose attributes
// include every pair in attrs. A metric never recorded sums to zero.
func Int64Sum(t testing.TB, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	data, ok := collect(t, reader, name)
	if !ok {
		return 0
	}
	sum, ok := data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("testutil: %s is %T, not an int64 sum", name, data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if hasAttrs(dp.Attributes, attrs) {
			total += dp.Value
		}
	}
	return total
}

// HistogramCount returns how many values the float64 histogram name recorded
// on data points whose attributes include every pair in attrs.
func HistogramCount(t testing.TB, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) uint64 {
	t.Helper()
	data, ok := collect(t, reader, name)
	if !ok {
		return 0
	}
	hist, ok := data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("testutil: %s is %T, not a float64 histogram", name, data)
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		if hasAttrs(dp.Attributes, attrs) {
			total += dp.Count
		}
	}
	return total
}

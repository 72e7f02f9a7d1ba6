// Package model defines the core domain types for Sentinel.
//
// Types map directly onto storage rows and API payloads. Samples, reports,
// repair attempts and alerts are immutable once constructed and are shared
// by reference between goroutines.
package model

import "time"

// MetricKind groups samples by the schedule that produced them.
type MetricKind string

const (
	KindSystem      MetricKind = "system"
	KindApplication MetricKind = "application"
	KindBusiness    MetricKind = "business"
)

// MetricSample is a single raw measurement. Multiple samples per name and
// timestamp are expected (different label sets).
type MetricSample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AggregatedBucket is the hourly rollup of one metric. One row per
// (BucketStart, MetricName); recomputation overwrites.
type AggregatedBucket struct {
	BucketStart time.Time `json:"bucket_start"`
	MetricName  string    `json:"metric_name"`
	Avg         float64   `json:"avg"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Count       int64     `json:"count"`
}

// DailySummary is the per-day rollup of hourly buckets.
type DailySummary struct {
	Day        time.Time `json:"day"`
	MetricName string    `json:"metric_name"`
	Avg        float64   `json:"avg"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Count      int64     `json:"count"`
}

// Snapshot is the latest collected values for one MetricKind, keyed by
// metric name.
type Snapshot struct {
	Kind        MetricKind         `json:"kind"`
	Values      map[string]float64 `json:"values"`
	CollectedAt time.Time          `json:"collected_at"`
}

// IntegratedSnapshot combines the latest snapshots for dashboard reads.
// Any part may be nil when its schedule has not produced data yet.
type IntegratedSnapshot struct {
	System      *Snapshot `json:"system"`
	Application *Snapshot `json:"application"`
	Business    *Snapshot `json:"business"`
	GeneratedAt time.Time `json:"generated_at"`
}

// HourStart truncates t to the start of its UTC hour.
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// DayStart truncates t to the start of its UTC day.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// SnapshotFromSamples builds a Snapshot holding the last value seen for each
// metric name.
func SnapshotFromSamples(kind MetricKind, samples []MetricSample, at time.Time) Snapshot {
	values := make(map[string]float64, len(samples))
	for _, s := range samples {
		values[s.Name] = s.Value
	}
	return Snapshot{Kind: kind, Values: values, CollectedAt: at.UTC()}
}

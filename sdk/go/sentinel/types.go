package sentinel

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies an error report or alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// HealthStatus is the overall status reported by the health summary.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// MetricRequest is the body for RecordMetric.
type MetricRequest struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// MetricSample is one recorded observation.
type MetricSample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ErrorRequest is the body for ReportError. Severity defaults to warning.
type ErrorRequest struct {
	ComponentType string         `json:"component_type"`
	Severity      Severity       `json:"severity,omitempty"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
}

// ResolveRequest is the body for ResolveError. Reason is optional.
type ResolveRequest struct {
	ComponentType string `json:"component_type"`
	Reason        string `json:"reason,omitempty"`
}

// ErrorReport is the normalized report the server accepted.
type ErrorReport struct {
	ID                  uuid.UUID      `json:"id"`
	ComponentType       string         `json:"component_type"`
	Severity            Severity       `json:"severity"`
	Message             string         `json:"message"`
	Details             map[string]any `json:"details,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Timestamp           time.Time      `json:"timestamp"`
}

// Snapshot is one collector's latest readings.
type Snapshot struct {
	Kind        string             `json:"kind"`
	Values      map[string]float64 `json:"values"`
	CollectedAt time.Time          `json:"collected_at"`
}

// CurrentMetrics combines the latest system, application and business
// snapshots. A nil field means that collector has not reported yet.
type CurrentMetrics struct {
	System      *Snapshot `json:"system"`
	Application *Snapshot `json:"application"`
	Business    *Snapshot `json:"business"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Bucket is an hourly rollup of one metric.
type Bucket struct {
	BucketStart time.Time `json:"bucket_start"`
	MetricName  string    `json:"metric_name"`
	Avg         float64   `json:"avg"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Count       int64     `json:"count"`
}

// DailySummary is a per-day rollup of hourly buckets.
type DailySummary struct {
	Day        time.Time `json:"day"`
	MetricName string    `json:"metric_name"`
	Avg        float64   `json:"avg"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Count      int64     `json:"count"`
}

// MetricHistory holds raw samples for short windows, hourly buckets for
// medium ones and daily summaries beyond two weeks. Exactly one of Raw,
// Buckets and Daily is populated.
type MetricHistory struct {
	MetricName string         `json:"metric_name"`
	Hours      int            `json:"hours"`
	Raw        []MetricSample `json:"raw,omitempty"`
	Buckets    []Bucket       `json:"buckets,omitempty"`
	Daily      []DailySummary `json:"daily,omitempty"`
}

// Alert is a notification raised by the server.
type Alert struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	Severity     Severity  `json:"severity"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
	ChannelsSent []string  `json:"channels_sent"`
	Resolved     bool      `json:"resolved"`
}

// ComponentSafety is the repair budget state of one component.
type ComponentSafety struct {
	ComponentType string    `json:"component_type"`
	Attempts      int       `json:"attempts"`
	Ceiling       int       `json:"ceiling"`
	WindowStart   time.Time `json:"window_start"`
	Phase         string    `json:"phase"`
}

// SafetySnapshot is the safety controller's full state.
type SafetySnapshot struct {
	SafeMode       bool              `json:"safe_mode"`
	SafeModeSince  *time.Time        `json:"safe_mode_since,omitempty"`
	SafeModeReason string            `json:"safe_mode_reason,omitempty"`
	Components     []ComponentSafety `json:"components"`
}

// HealthSummary is the server's overall health view.
type HealthSummary struct {
	Status          HealthStatus      `json:"status"`
	SafeMode        bool              `json:"safe_mode"`
	ActiveErrors    int               `json:"active_errors"`
	ActiveAlerts    int               `json:"active_alerts"`
	Components      []ComponentSafety `json:"components"`
	StorageBackend  string            `json:"storage_backend"`
	WriteFailures   int64             `json:"write_failures"`
	DroppedSamples  int64             `json:"dropped_samples"`
	FlushedSamples  int64             `json:"flushed_samples"`
	CollectFailures int64             `json:"collect_failures"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// ExitSafeModeResponse reports whether safe mode was left.
type ExitSafeModeResponse struct {
	Exited   bool `json:"exited"`
	SafeMode bool `json:"safe_mode"`
}

// EnterSafeModeResponse reports whether safe mode was newly entered.
type EnterSafeModeResponse struct {
	Entered  bool `json:"entered"`
	SafeMode bool `json:"safe_mode"`
}

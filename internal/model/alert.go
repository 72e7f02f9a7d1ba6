package model

import (
	"time"

	"github.com/google/uuid"
)

// Alert is a notable event fanned out to alert channels. Alerts live in the
// dispatcher's in-memory history; the durable alert_history table is a
// best-effort audit copy.
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

// HealthStatus is the aggregate verdict returned by the health summary.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// RepairPhase is the per-component state of the safety state machine.
type RepairPhase string

const (
	PhaseIdle       RepairPhase = "idle"
	PhaseAttempting RepairPhase = "attempting"
	PhaseSucceeded  RepairPhase = "succeeded"
	PhaseExhausted  RepairPhase = "exhausted"
)

// ComponentSafety is the operator view of one component's retry budget.
type ComponentSafety struct {
	ComponentType string      `json:"component_type"`
	Attempts      int         `json:"attempts"`
	Ceiling       int         `json:"ceiling"`
	WindowStart   time.Time   `json:"window_start"`
	Phase         RepairPhase `json:"phase"`
}

// SafetySnapshot is a point-in-time copy of the safety controller state.
type SafetySnapshot struct {
	SafeMode       bool              `json:"safe_mode"`
	SafeModeSince  *time.Time        `json:"safe_mode_since,omitempty"`
	SafeModeReason string            `json:"safe_mode_reason,omitempty"`
	Components     []ComponentSafety `json:"components"`
}

// HealthSummary is the dashboard's aggregate health view.
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

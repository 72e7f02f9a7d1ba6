package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Field limits for ingestion payloads. Producers are untrusted collaborators,
// so a single oversized field must not bloat storage rows or alert bodies.
const (
	MaxMetricNameLen    = 200
	MaxLabelCount       = 32
	MaxLabelLen         = 256
	MaxComponentTypeLen = 100
	MaxMessageLen       = 8 * 1024
)

// RecordMetricRequest is the request body for POST /v1/metrics.
type RecordMetricRequest struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Validate checks name, value and label limits.
func (r RecordMetricRequest) Validate() error {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > MaxMetricNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxMetricNameLen)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("value must be a finite number")
	}
	if len(r.Labels) > MaxLabelCount {
		return fmt.Errorf("labels exceed maximum count of %d", MaxLabelCount)
	}
	for k, v := range r.Labels {
		if k == "" || len(k) > MaxLabelLen || len(v) > MaxLabelLen {
			return fmt.Errorf("label %q exceeds maximum length of %d or is empty", k, MaxLabelLen)
		}
	}
	return nil
}

// ReportErrorRequest is the request body for POST /v1/errors.
type ReportErrorRequest struct {
	ComponentType string         `json:"component_type"`
	Severity      string         `json:"severity,omitempty"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
}

// Validate checks required fields and limits.
func (r ReportErrorRequest) Validate() error {
	if strings.TrimSpace(r.ComponentType) == "" {
		return fmt.Errorf("component_type is required")
	}
	if len(r.ComponentType) > MaxComponentTypeLen {
		return fmt.Errorf("component_type exceeds maximum length of %d characters", MaxComponentTypeLen)
	}
	if len(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	if _, err := ParseSeverity(r.Severity); err != nil {
		return err
	}
	return nil
}

// ResolveErrorRequest is the request body for POST /v1/errors/resolve.
type ResolveErrorRequest struct {
	ComponentType string `json:"component_type"`
	Reason        string `json:"reason,omitempty"`
}

// Validate checks required fields and limits.
func (r ResolveErrorRequest) Validate() error {
	if strings.TrimSpace(r.ComponentType) == "" {
		return fmt.Errorf("component_type is required")
	}
	if len(r.ComponentType) > MaxComponentTypeLen {
		return fmt.Errorf("component_type exceeds maximum length of %d characters", MaxComponentTypeLen)
	}
	if len(r.Reason) > MaxMessageLen {
		return fmt.Errorf("reason exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}

// EnterSafeModeRequest is the request body for POST /v1/admin/safe-mode/enter.
type EnterSafeModeRequest struct {
	Reason string `json:"reason"`
}

// MetricHistory is the response body for GET /v1/metrics/history.
// Raw holds samples for short ranges, Buckets hourly rollups for medium
// ranges and Daily the per-day summaries for long ones.
type MetricHistory struct {
	MetricName string             `json:"metric_name"`
	Hours      int                `json:"hours"`
	Raw        []MetricSample     `json:"raw,omitempty"`
	Buckets    []AggregatedBucket `json:"buckets,omitempty"`
	Daily      []DailySummary     `json:"daily,omitempty"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	StorageBackend string `json:"storage_backend"`
	Storage        string `json:"storage"`
	Cache          string `json:"cache,omitempty"`
	BufferDepth    int    `json:"buffer_depth"`
	BufferStatus   string `json:"buffer_status"`
	SafeMode       bool   `json:"safe_mode"`
	Uptime         int64  `json:"uptime_seconds"`
}

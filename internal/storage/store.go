// Package storage provides the persistence layer for Sentinel.
//
// Two interchangeable backends implement Store: PostgreSQL (via pgxpool) and
// an embedded SQLite file (via modernc.org/sqlite). Open picks one at startup,
// falling back to SQLite when PostgreSQL is unreachable, and hands back an
// opaque *Adapter. Callers never learn which backend is active except through
// Backend(), which exists for logs and stats.
package storage

import (
	"context"
	"time"

	"github.com/mealforge/sentinel/internal/model"
)

// Store is the contract both backends implement.
type Store interface {
	// Metric writes.
	SaveMetric(ctx context.Context, name string, value float64, labels map[string]string) error
	SaveMetrics(ctx context.Context, samples []model.MetricSample) (int64, error)
	SaveRawMetrics(ctx context.Context, kind model.MetricKind, data any) error

	// Rollups and retention.
	AggregateHour(ctx context.Context, hourStart time.Time) (int, error)
	AggregateDay(ctx context.Context, day time.Time) (int, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
	PurgeBackups(ctx context.Context, olderThan time.Time) (int64, error)
	RefreshStats(ctx context.Context) error
	Optimize(ctx context.Context) error
	GetStats(ctx context.Context) (Stats, error)

	// Metric reads.
	MetricHistory(ctx context.Context, name string, since time.Time) ([]model.MetricSample, error)
	HourlyBuckets(ctx context.Context, name string, since time.Time) ([]model.AggregatedBucket, error)
	DailySummaries(ctx context.Context, name string, since time.Time) ([]model.DailySummary, error)
	LatestMetrics(ctx context.Context, since time.Time) ([]model.MetricSample, error)

	// Error, repair and backup ledger.
	SaveErrorReport(ctx context.Context, report model.ErrorReport) error
	SaveRepairAttempt(ctx context.Context, attempt model.RepairAttempt) error
	RepairAttemptsSince(ctx context.Context, since time.Time) ([]model.RepairAttempt, error)
	SaveBackup(ctx context.Context, backup model.Backup) error
	LatestBackup(ctx context.Context, componentType string) (model.Backup, error)

	// Alert history.
	SaveAlert(ctx context.Context, alert model.Alert) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	Name() string
}

// Stats is a point-in-time summary of stored data.
type Stats struct {
	Backend        string       `json:"backend"`
	Samples        int64        `json:"samples"`
	Snapshots      int64        `json:"snapshots"`
	HourlyBuckets  int64        `json:"hourly_buckets"`
	DailySummaries int64        `json:"daily_summaries"`
	ErrorReports   int64        `json:"error_reports"`
	RepairAttempts int64        `json:"repair_attempts"`
	Backups        int64        `json:"backups"`
	OldestSample   *time.Time   `json:"oldest_sample,omitempty"`
	NewestSample   *time.Time   `json:"newest_sample,omitempty"`
	Last24h        []MetricStat `json:"last_24h"`
	WriteFailures  int64        `json:"write_failures"`
}

// MetricStat is one row of the metric_stats_24h view.
type MetricStat struct {
	MetricName string    `json:"metric_name"`
	Avg        float64   `json:"avg"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Count      int64     `json:"count"`
	LastSeen   time.Time `json:"last_seen"`
}

// retentionCutoff is the instant before which rows are purged.
func retentionCutoff(now time.Time, days int) time.Time {
	return now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
}

func emptyIfNil(labels map[string]string) map[string]string {
	if labels == nil {
		return map[string]string{}
	}
	return labels
}

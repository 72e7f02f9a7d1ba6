package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/telemetry"
	"github.com/mealforge/sentinel/migrations"
)

// postgresStore is the relational backend. It owns the only connection pool.
type postgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func openPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*postgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	s := &postgresStore{pool: pool, logger: logger}
	if err := runMigrations(ctx, s, migrations.Postgres(), logger); err != nil {
		pool.Close()
		return nil, err
	}
	s.registerPoolMetrics()
	return s, nil
}

// registerPoolMetrics exposes pgxpool connection counts as OTEL gauges.
func (s *postgresStore) registerPoolMetrics() {
	meter := telemetry.Meter("sentinel/storage")
	gauge := func(name, desc string, read func(*pgxpool.Stat) int64) {
		_, _ = meter.Int64ObservableGauge(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(read(s.pool.Stat()))
				return nil
			}),
		)
	}
	gauge("sentinel.storage.pool.acquired", "Connections currently in use",
		func(st *pgxpool.Stat) int64 { return int64(st.AcquiredConns()) })
	gauge("sentinel.storage.pool.idle", "Idle connections",
		func(st *pgxpool.Stat) int64 { return int64(st.IdleConns()) })
	gauge("sentinel.storage.pool.total", "Total connections held by the pool",
		func(st *pgxpool.Stat) int64 { return int64(st.TotalConns()) })
}

func (s *postgresStore) Name() string { return BackendPostgres }

func (s *postgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *postgresStore) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}

// --- migrations ---

func (s *postgresStore) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (s *postgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVersions(rows)
}

func (s *postgresStore) execMigration(ctx context.Context, sql string) error {
	_, err := s.pool.Exec(ctx, sql)
	return err
}

func (s *postgresStore) recordMigration(ctx context.Context, version string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, version)
	return err
}

// --- metric writes ---

func (s *postgresStore) SaveMetric(ctx context.Context, name string, value float64, labels map[string]string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO metric_samples (name, value, labels, ts) VALUES ($1, $2, $3, $4)`,
		name, value, emptyIfNil(labels), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: save metric: %w", err)
	}
	return nil
}

// SaveMetrics bulk-inserts samples with COPY.
func (s *postgresStore) SaveMetrics(ctx context.Context, samples []model.MetricSample) (int64, error) {
	rows := make([][]any, len(samples))
	for i, m := range samples {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		rows[i] = []any{m.Name, m.Value, emptyIfNil(m.Labels), ts.UTC()}
	}
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"metric_samples"},
		[]string{"name", "value", "labels", "ts"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy metrics: %w", err)
	}
	return n, nil
}

func (s *postgresStore) SaveRawMetrics(ctx context.Context, kind model.MetricKind, data any) error {
	payload, err := marshalJSON(data)
	if err != nil {
		return fmt.Errorf("storage: save raw metrics: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO metric_snapshots (kind, payload, ts) VALUES ($1, $2::jsonb, $3)`,
		string(kind), string(payload), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("storage: save raw metrics: %w", err)
	}
	return nil
}

// --- rollups and retention ---

func (s *postgresStore) AggregateHour(ctx context.Context, hourStart time.Time) (int, error) {
	var affected int64
	err := WithRetry(ctx, pgMaxRetries, pgBaseDelay, func() error {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO metric_hourly (bucket_start, metric_name, avg_value, min_value, max_value, sample_count, updated_at)
			SELECT $1::timestamptz, name, AVG(value), MIN(value), MAX(value), COUNT(*), now()
			FROM metric_samples
			WHERE ts >= $1::timestamptz AND ts < $2::timestamptz
			GROUP BY name
			ON CONFLICT (bucket_start, metric_name) DO UPDATE SET
				avg_value    = EXCLUDED.avg_value,
				min_value    = EXCLUDED.min_value,
				max_value    = EXCLUDED.max_value,
				sample_count = EXCLUDED.sample_count,
				updated_at   = EXCLUDED.updated_at`,
			hourStart, hourStart.Add(time.Hour),
		)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: aggregate hour: %w", err)
	}
	return int(affected), nil
}

func (s *postgresStore) AggregateDay(ctx context.Context, day time.Time) (int, error) {
	var affected int64
	err := WithRetry(ctx, pgMaxRetries, pgBaseDelay, func() error {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO metric_daily (day, metric_name, avg_value, min_value, max_value, sample_count, updated_at)
			SELECT $1::date, metric_name,
			       SUM(avg_value * sample_count) / SUM(sample_count),
			       MIN(min_value), MAX(max_value), SUM(sample_count), now()
			FROM metric_hourly
			WHERE bucket_start >= $2::timestamptz AND bucket_start < $3::timestamptz
			GROUP BY metric_name
			HAVING SUM(sample_count) > 0
			ON CONFLICT (day, metric_name) DO UPDATE SET
				avg_value    = EXCLUDED.avg_value,
				min_value    = EXCLUDED.min_value,
				max_value    = EXCLUDED.max_value,
				sample_count = EXCLUDED.sample_count,
				updated_at   = EXCLUDED.updated_at`,
			day, day, day.Add(24*time.Hour),
		)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: aggregate day: %w", err)
	}
	return int(affected), nil
}

// CleanupOlderThan deletes raw data past the retention window in one
// transaction. The returned count is raw samples only.
func (s *postgresStore) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := retentionCutoff(time.Now(), days)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM metric_samples WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup samples: %w", err)
	}
	deleted := tag.RowsAffected()

	for _, q := range []string{
		`DELETE FROM metric_snapshots WHERE ts < $1`,
		`DELETE FROM error_reports WHERE ts < $1`,
		`DELETE FROM repair_attempts WHERE ts < $1`,
		`DELETE FROM alert_history WHERE ts < $1`,
	} {
		if _, err := tx.Exec(ctx, q, cutoff); err != nil {
			return 0, fmt.Errorf("storage: cleanup: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: cleanup: commit: %w", err)
	}
	return deleted, nil
}

func (s *postgresStore) PurgeBackups(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM backups WHERE created_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("storage: purge backups: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) RefreshStats(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY metric_stats_24h`); err != nil {
		return fmt.Errorf("storage: refresh stats view: %w", err)
	}
	return nil
}

// Optimize refreshes the stats view and vacuums the hot tables. VACUUM cannot
// run inside a transaction block, so each statement is sent on its own.
func (s *postgresStore) Optimize(ctx context.Context) error {
	if err := s.RefreshStats(ctx); err != nil {
		return err
	}
	for _, table := range []string{"metric_samples", "metric_snapshots", "metric_hourly", "metric_daily"} {
		if _, err := s.pool.Exec(ctx, "VACUUM ANALYZE "+table); err != nil {
			return fmt.Errorf("storage: vacuum %s: %w", table, err)
		}
	}
	return nil
}

func (s *postgresStore) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM metric_samples),
		       (SELECT COUNT(*) FROM metric_snapshots),
		       (SELECT COUNT(*) FROM metric_hourly),
		       (SELECT COUNT(*) FROM metric_daily),
		       (SELECT COUNT(*) FROM error_reports),
		       (SELECT COUNT(*) FROM repair_attempts),
		       (SELECT COUNT(*) FROM backups),
		       (SELECT MIN(ts) FROM metric_samples),
		       (SELECT MAX(ts) FROM metric_samples)`,
	).Scan(&st.Samples, &st.Snapshots, &st.HourlyBuckets, &st.DailySummaries,
		&st.ErrorReports, &st.RepairAttempts, &st.Backups, &st.OldestSample, &st.NewestSample)
	if err != nil {
		return Stats{}, fmt.Errorf("storage: get stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT metric_name, avg_value, min_value, max_value, sample_count, last_seen
		FROM metric_stats_24h ORDER BY metric_name`)
	if err != nil {
		return Stats{}, fmt.Errorf("storage: get stats view: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m MetricStat
		if err := rows.Scan(&m.MetricName, &m.Avg, &m.Min, &m.Max, &m.Count, &m.LastSeen); err != nil {
			return Stats{}, fmt.Errorf("storage: scan stats view: %w", err)
		}
		st.Last24h = append(st.Last24h, m)
	}
	return st, rows.Err()
}

// --- metric reads ---

func (s *postgresStore) MetricHistory(ctx context.Context, name string, since time.Time) ([]model.MetricSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, value, labels, ts FROM metric_samples
		WHERE name = $1 AND ts >= $2
		ORDER BY ts ASC`, name, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage: metric history: %w", err)
	}
	defer rows.Close()
	return scanPGSamples(rows)
}

func (s *postgresStore) LatestMetrics(ctx context.Context, since time.Time) ([]model.MetricSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (name) name, value, labels, ts FROM metric_samples
		WHERE ts >= $1
		ORDER BY name, ts DESC`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage: latest metrics: %w", err)
	}
	defer rows.Close()
	return scanPGSamples(rows)
}

func scanPGSamples(rows pgx.Rows) ([]model.MetricSample, error) {
	var out []model.MetricSample
	for rows.Next() {
		var m model.MetricSample
		if err := rows.Scan(&m.Name, &m.Value, &m.Labels, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan sample: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *postgresStore) HourlyBuckets(ctx context.Context, name string, since time.Time) ([]model.AggregatedBucket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bucket_start, metric_name, avg_value, min_value, max_value, sample_count
		FROM metric_hourly
		WHERE metric_name = $1 AND bucket_start >= $2
		ORDER BY bucket_start ASC`, name, model.HourStart(since))
	if err != nil {
		return nil, fmt.Errorf("storage: hourly buckets: %w", err)
	}
	defer rows.Close()

	var out []model.AggregatedBucket
	for rows.Next() {
		var b model.AggregatedBucket
		if err := rows.Scan(&b.BucketStart, &b.MetricName, &b.Avg, &b.Min, &b.Max, &b.Count); err != nil {
			return nil, fmt.Errorf("storage: scan bucket: %w", err)
		}
		b.BucketStart = b.BucketStart.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *postgresStore) DailySummaries(ctx context.Context, name string, since time.Time) ([]model.DailySummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT day, metric_name, avg_value, min_value, max_value, sample_count
		FROM metric_daily
		WHERE metric_name = $1 AND day >= $2::date
		ORDER BY day ASC`, name, model.DayStart(since))
	if err != nil {
		return nil, fmt.Errorf("storage: daily summaries: %w", err)
	}
	defer rows.Close()

	var out []model.DailySummary
	for rows.Next() {
		var d model.DailySummary
		if err := rows.Scan(&d.Day, &d.MetricName, &d.Avg, &d.Min, &d.Max, &d.Count); err != nil {
			return nil, fmt.Errorf("storage: scan daily summary: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- error, repair and backup ledger ---

func (s *postgresStore) SaveErrorReport(ctx context.Context, r model.ErrorReport) error {
	details := r.Details
	if details == nil {
		details = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO error_reports (id, component_type, severity, message, details, consecutive_failures, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ComponentType, string(r.Severity), r.Message, details, r.ConsecutiveFailures, r.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: save error report: %w", err)
	}
	return nil
}

func (s *postgresStore) SaveRepairAttempt(ctx context.Context, a model.RepairAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO repair_attempts (id, component_type, outcome, error_report_id, ts)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.ComponentType, string(a.Outcome), a.ErrorReportID, a.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: save repair attempt: %w", err)
	}
	return nil
}

func (s *postgresStore) RepairAttemptsSince(ctx context.Context, since time.Time) ([]model.RepairAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, component_type, outcome, error_report_id, ts
		FROM repair_attempts WHERE ts >= $1 ORDER BY ts ASC`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage: repair attempts: %w", err)
	}
	defer rows.Close()

	var out []model.RepairAttempt
	for rows.Next() {
		var a model.RepairAttempt
		var outcome string
		if err := rows.Scan(&a.ID, &a.ComponentType, &outcome, &a.ErrorReportID, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan repair attempt: %w", err)
		}
		a.Outcome = model.RepairOutcome(outcome)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveBackup(ctx context.Context, b model.Backup) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO backups (id, component_type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		b.ID, b.ComponentType, b.Payload, b.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: save backup: %w", err)
	}
	return nil
}

func (s *postgresStore) LatestBackup(ctx context.Context, componentType string) (model.Backup, error) {
	var b model.Backup
	err := s.pool.QueryRow(ctx, `
		SELECT id, component_type, payload, created_at FROM backups
		WHERE component_type = $1 ORDER BY created_at DESC LIMIT 1`, componentType,
	).Scan(&b.ID, &b.ComponentType, &b.Payload, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Backup{}, fmt.Errorf("storage: latest backup for %s: %w", componentType, ErrNotFound)
		}
		return model.Backup{}, fmt.Errorf("storage: latest backup: %w", err)
	}
	return b, nil
}

// --- alert history ---

func (s *postgresStore) SaveAlert(ctx context.Context, a model.Alert) error {
	channels := a.ChannelsSent
	if channels == nil {
		channels = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_history (id, title, message, severity, source, channels_sent, resolved, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET channels_sent = EXCLUDED.channels_sent, resolved = EXCLUDED.resolved`,
		a.ID, a.Title, a.Message, string(a.Severity), a.Source, channels, a.Resolved, a.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: save alert: %w", err)
	}
	return nil
}

var _ Store = (*postgresStore)(nil)

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/migrations"
)

// sqliteStore is the embedded fallback backend. Timestamps are stored as unix
// milliseconds so hour and day ranges compare as integers.
type sqliteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func openSQLite(ctx context.Context, path string, logger *slog.Logger) (*sqliteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir sqlite dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent flushes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: sqlite pragmas: %w", err)
	}

	s := &sqliteStore{db: db, logger: logger}
	if err := runMigrations(ctx, s, migrations.SQLite(), logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) Name() string { return BackendSQLite }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close(_ context.Context) error { return s.db.Close() }

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return b, nil
}

// --- migrations ---

func (s *sqliteStore) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

func (s *sqliteStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanVersions(rows)
}

func (s *sqliteStore) execMigration(ctx context.Context, sql string) error {
	_, err := s.db.ExecContext(ctx, sql)
	return err
}

func (s *sqliteStore) recordMigration(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		version, toMillis(time.Now()))
	return err
}

// --- metric writes ---

func (s *sqliteStore) SaveMetric(ctx context.Context, name string, value float64, labels map[string]string) error {
	_, err := s.SaveMetrics(ctx, []model.MetricSample{{Name: name, Value: value, Labels: labels, Timestamp: time.Now()}})
	if err != nil {
		return fmt.Errorf("storage: save metric: %w", err)
	}
	return nil
}

// SaveMetrics inserts samples in one transaction with a prepared statement.
func (s *sqliteStore) SaveMetrics(ctx context.Context, samples []model.MetricSample) (int64, error) {
	err := WithRetry(ctx, sqliteMaxRetries, sqliteBaseDelay, func() error {
		return s.saveMetricsTx(ctx, samples)
	})
	if err != nil {
		return 0, err
	}
	return int64(len(samples)), nil
}

func (s *sqliteStore) saveMetricsTx(ctx context.Context, samples []model.MetricSample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: save metrics: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metric_samples (name, value, labels, ts) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: save metrics: prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, m := range samples {
		labels, err := marshalJSON(emptyIfNil(m.Labels))
		if err != nil {
			return fmt.Errorf("storage: save metrics: %w", err)
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Value, string(labels), toMillis(ts)); err != nil {
			return fmt.Errorf("storage: save metrics: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: save metrics: commit: %w", err)
	}
	return nil
}

func (s *sqliteStore) SaveRawMetrics(ctx context.Context, kind model.MetricKind, data any) error {
	payload, err := marshalJSON(data)
	if err != nil {
		return fmt.Errorf("storage: save raw metrics: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO metric_snapshots (kind, payload, ts) VALUES (?, ?, ?)`,
		string(kind), string(payload), toMillis(time.Now()),
	); err != nil {
		return fmt.Errorf("storage: save raw metrics: %w", err)
	}
	return nil
}

// --- rollups and retention ---

func (s *sqliteStore) AggregateHour(ctx context.Context, hourStart time.Time) (int, error) {
	from := toMillis(hourStart)
	var n int64
	err := WithRetry(ctx, sqliteMaxRetries, sqliteBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, `
		INSERT INTO metric_hourly (bucket_start, metric_name, avg_value, min_value, max_value, sample_count, updated_at)
		SELECT ?, name, AVG(value), MIN(value), MAX(value), COUNT(*), ?
		FROM metric_samples
		WHERE ts >= ? AND ts < ?
		GROUP BY name
		ON CONFLICT (bucket_start, metric_name) DO UPDATE SET
			avg_value    = excluded.avg_value,
			min_value    = excluded.min_value,
			max_value    = excluded.max_value,
			sample_count = excluded.sample_count,
			updated_at   = excluded.updated_at`,
		from, toMillis(time.Now()), from, toMillis(hourStart.Add(time.Hour)),
		)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: aggregate hour: %w", err)
	}
	return int(n), nil
}

func (s *sqliteStore) AggregateDay(ctx context.Context, day time.Time) (int, error) {
	from := toMillis(day)
	var n int64
	err := WithRetry(ctx, sqliteMaxRetries, sqliteBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, `
		INSERT INTO metric_daily (day, metric_name, avg_value, min_value, max_value, sample_count, updated_at)
		SELECT ?, metric_name,
		       SUM(avg_value * sample_count) / SUM(sample_count),
		       MIN(min_value), MAX(max_value), SUM(sample_count), ?
		FROM metric_hourly
		WHERE bucket_start >= ? AND bucket_start < ?
		GROUP BY metric_name
		HAVING SUM(sample_count) > 0
		ON CONFLICT (day, metric_name) DO UPDATE SET
			avg_value    = excluded.avg_value,
			min_value    = excluded.min_value,
			max_value    = excluded.max_value,
			sample_count = excluded.sample_count,
			updated_at   = excluded.updated_at`,
		from, toMillis(time.Now()), from, toMillis(day.Add(24*time.Hour)),
		)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: aggregate day: %w", err)
	}
	return int(n), nil
}

func (s *sqliteStore) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := toMillis(retentionCutoff(time.Now(), days))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM metric_samples WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup samples: %w", err)
	}
	deleted, _ := res.RowsAffected()

	for _, q := range []string{
		`DELETE FROM metric_snapshots WHERE ts < ?`,
		`DELETE FROM error_reports WHERE ts < ?`,
		`DELETE FROM repair_attempts WHERE ts < ?`,
		`DELETE FROM alert_history WHERE ts < ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, cutoff); err != nil {
			return 0, fmt.Errorf("storage: cleanup: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: cleanup: commit: %w", err)
	}
	return deleted, nil
}

func (s *sqliteStore) PurgeBackups(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE created_at < ?`, toMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("storage: purge backups: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RefreshStats is a no-op: the SQLite stats view is computed on read.
func (s *sqliteStore) RefreshStats(context.Context) error { return nil }

func (s *sqliteStore) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		return fmt.Errorf("storage: pragma optimize: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("storage: vacuum: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
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
		&st.ErrorReports, &st.RepairAttempts, &st.Backups, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("storage: get stats: %w", err)
	}
	if oldest.Valid {
		t := fromMillis(oldest.Int64)
		st.OldestSample = &t
	}
	if newest.Valid {
		t := fromMillis(newest.Int64)
		st.NewestSample = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT metric_name, avg_value, min_value, max_value, sample_count, last_seen
		FROM metric_stats_24h ORDER BY metric_name`)
	if err != nil {
		return Stats{}, fmt.Errorf("storage: get stats view: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var m MetricStat
		var lastSeen int64
		if err := rows.Scan(&m.MetricName, &m.Avg, &m.Min, &m.Max, &m.Count, &lastSeen); err != nil {
			return Stats{}, fmt.Errorf("storage: scan stats view: %w", err)
		}
		m.LastSeen = fromMillis(lastSeen)
		st.Last24h = append(st.Last24h, m)
	}
	return st, rows.Err()
}

// --- metric reads ---

func (s *sqliteStore) MetricHistory(ctx context.Context, name string, since time.Time) ([]model.MetricSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, value, labels, ts FROM metric_samples
		WHERE name = ? AND ts >= ?
		ORDER BY ts ASC, id ASC`, name, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("storage: metric history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanLiteSamples(rows)
}

// LatestMetrics returns the newest sample per metric name. Ties on timestamp
// resolve to the highest row id.
func (s *sqliteStore) LatestMetrics(ctx context.Context, since time.Time) ([]model.MetricSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.name, s.value, s.labels, s.ts FROM metric_samples s
		WHERE s.id IN (
			SELECT MAX(id) FROM metric_samples m
			WHERE m.ts >= ? AND m.ts = (SELECT MAX(ts) FROM metric_samples WHERE name = m.name)
			GROUP BY m.name
		)
		ORDER BY s.name`, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("storage: latest metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanLiteSamples(rows)
}

func scanLiteSamples(rows *sql.Rows) ([]model.MetricSample, error) {
	var out []model.MetricSample
	for rows.Next() {
		var m model.MetricSample
		var labels string
		var ts int64
		if err := rows.Scan(&m.Name, &m.Value, &labels, &ts); err != nil {
			return nil, fmt.Errorf("storage: scan sample: %w", err)
		}
		if err := json.Unmarshal([]byte(labels), &m.Labels); err != nil {
			return nil, fmt.Errorf("storage: decode labels: %w", err)
		}
		m.Timestamp = fromMillis(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) HourlyBuckets(ctx context.Context, name string, since time.Time) ([]model.AggregatedBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_start, metric_name, avg_value, min_value, max_value, sample_count
		FROM metric_hourly
		WHERE metric_name = ? AND bucket_start >= ?
		ORDER BY bucket_start ASC`, name, toMillis(model.HourStart(since)))
	if err != nil {
		return nil, fmt.Errorf("storage: hourly buckets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AggregatedBucket
	for rows.Next() {
		var b model.AggregatedBucket
		var start int64
		if err := rows.Scan(&start, &b.MetricName, &b.Avg, &b.Min, &b.Max, &b.Count); err != nil {
			return nil, fmt.Errorf("storage: scan bucket: %w", err)
		}
		b.BucketStart = fromMillis(start)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DailySummaries(ctx context.Context, name string, since time.Time) ([]model.DailySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, metric_name, avg_value, min_value, max_value, sample_count
		FROM metric_daily
		WHERE metric_name = ? AND day >= ?
		ORDER BY day ASC`, name, toMillis(model.DayStart(since)))
	if err != nil {
		return nil, fmt.Errorf("storage: daily summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.DailySummary
	for rows.Next() {
		var d model.DailySummary
		var day int64
		if err := rows.Scan(&day, &d.MetricName, &d.Avg, &d.Min, &d.Max, &d.Count); err != nil {
			return nil, fmt.Errorf("storage: scan daily summary: %w", err)
		}
		d.Day = fromMillis(day)
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- error, repair and backup ledger ---

func (s *sqliteStore) SaveErrorReport(ctx context.Context, r model.ErrorReport) error {
	details := r.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := marshalJSON(details)
	if err != nil {
		return fmt.Errorf("storage: save error report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO error_reports (id, component_type, severity, message, details, consecutive_failures, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.ComponentType, string(r.Severity), r.Message, string(raw), r.ConsecutiveFailures, toMillis(r.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("storage: save error report: %w", err)
	}
	return nil
}

func (s *sqliteStore) SaveRepairAttempt(ctx context.Context, a model.RepairAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repair_attempts (id, component_type, outcome, error_report_id, ts)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID.String(), a.ComponentType, string(a.Outcome), a.ErrorReportID.String(), toMillis(a.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("storage: save repair attempt: %w", err)
	}
	return nil
}

func (s *sqliteStore) RepairAttemptsSince(ctx context.Context, since time.Time) ([]model.RepairAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, component_type, outcome, error_report_id, ts
		FROM repair_attempts WHERE ts >= ? ORDER BY ts ASC`, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("storage: repair attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RepairAttempt
	for rows.Next() {
		var a model.RepairAttempt
		var outcome string
		var ts int64
		if err := rows.Scan(&a.ID, &a.ComponentType, &outcome, &a.ErrorReportID, &ts); err != nil {
			return nil, fmt.Errorf("storage: scan repair attempt: %w", err)
		}
		a.Outcome = model.RepairOutcome(outcome)
		a.Timestamp = fromMillis(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveBackup(ctx context.Context, b model.Backup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backups (id, component_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		b.ID.String(), b.ComponentType, b.Payload, toMillis(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: save backup: %w", err)
	}
	return nil
}

func (s *sqliteStore) LatestBackup(ctx context.Context, componentType string) (model.Backup, error) {
	var b model.Backup
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, component_type, payload, created_at FROM backups
		WHERE component_type = ? ORDER BY created_at DESC LIMIT 1`, componentType,
	).Scan(&b.ID, &b.ComponentType, &b.Payload, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Backup{}, fmt.Errorf("storage: latest backup for %s: %w", componentType, ErrNotFound)
		}
		return model.Backup{}, fmt.Errorf("storage: latest backup: %w", err)
	}
	b.CreatedAt = fromMillis(created)
	return b, nil
}

// --- alert history ---

func (s *sqliteStore) SaveAlert(ctx context.Context, a model.Alert) error {
	channels := a.ChannelsSent
	if channels == nil {
		channels = []string{}
	}
	raw, err := marshalJSON(channels)
	if err != nil {
		return fmt.Errorf("storage: save alert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_history (id, title, message, severity, source, channels_sent, resolved, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET channels_sent = excluded.channels_sent, resolved = excluded.resolved`,
		a.ID.String(), a.Title, a.Message, string(a.Severity), a.Source, string(raw), a.Resolved, toMillis(a.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("storage: save alert: %w", err)
	}
	return nil
}

var _ Store = (*sqliteStore)(nil)

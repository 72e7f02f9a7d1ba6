package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/mealforge/sentinel/internal/model"
)

// Backend selectors accepted by Open.
const (
	BackendAuto     = "auto"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// postgresConnectTimeout bounds the startup attempt against PostgreSQL so a
// dead host does not hold up boot before the fallback kicks in.
const postgresConnectTimeout = 10 * time.Second

// Config selects and parameterizes the backend.
type Config struct {
	Backend     string
	DatabaseURL string
	SQLitePath  string
}

// Adapter is the opaque storage handle shared by every component. It
// delegates to the backend chosen at startup and counts failed writes.
type Adapter struct {
	backend       Store
	logger        *slog.Logger
	cfg           Config
	openedAt      time.Time
	writeFailures atomic.Int64
}

// State is the adapter's in-memory view of itself. It never touches the
// backend, so it can be captured while the backend is failing.
type State struct {
	Backend       string    `json:"backend"`
	Requested     string    `json:"requested_backend,omitempty"`
	Database      string    `json:"database,omitempty"`
	SQLitePath    string    `json:"sqlite_path,omitempty"`
	WriteFailures int64     `json:"write_failures"`
	OpenedAt      time.Time `json:"opened_at"`
	CapturedAt    time.Time `json:"captured_at"`
}

// Open chooses a backend. PostgreSQL is tried when a URL is configured and the
// backend is not forced to SQLite; any connect, ping or migration failure is
// logged and the embedded store is opened instead. The decision is final for
// the life of the process.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.Backend != BackendSQLite && cfg.DatabaseURL != "" {
		pgCtx, cancel := context.WithTimeout(ctx, postgresConnectTimeout)
		pg, err := openPostgres(pgCtx, cfg.DatabaseURL, logger)
		cancel()
		if err == nil {
			logger.Info("storage: using postgres backend")
			return newAdapter(pg, cfg, logger), nil
		}
		logger.Warn("storage: postgres unavailable, falling back to sqlite",
			"error", err, "sqlite_path", cfg.SQLitePath)
	}

	lite, err := openSQLite(ctx, cfg.SQLitePath, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("storage: using sqlite backend", "path", cfg.SQLitePath)
	return newAdapter(lite, cfg, logger), nil
}

// OpenSQLite opens the embedded backend directly.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*Adapter, error) {
	return Open(ctx, Config{Backend: BackendSQLite, SQLitePath: path}, logger)
}

func newAdapter(backend Store, cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{backend: backend, cfg: cfg, logger: logger, openedAt: time.Now().UTC()}
}

// State returns the adapter's configuration and counters. Credentials in the
// database URL are redacted.
func (a *Adapter) State() State {
	return State{
		Backend:       a.backend.Name(),
		Requested:     a.cfg.Backend,
		Database:      redactURL(a.cfg.DatabaseURL),
		SQLitePath:    a.cfg.SQLitePath,
		WriteFailures: a.writeFailures.Load(),
		OpenedAt:      a.openedAt,
		CapturedAt:    time.Now().UTC(),
	}
}

// redactURL hides the password of a URL-form DSN. Keyword/value DSNs are
// dropped entirely since they cannot be redacted reliably.
func redactURL(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Redacted()
}

// Backend names the active backend. For logs and stats only.
func (a *Adapter) Backend() string { return a.backend.Name() }

// WriteFailures is the number of failed writes since startup.
func (a *Adapter) WriteFailures() int64 { return a.writeFailures.Load() }

func (a *Adapter) countWrite(err error) error {
	if err != nil {
		a.writeFailures.Add(1)
	}
	return err
}

func (a *Adapter) SaveMetric(ctx context.Context, name string, value float64, labels map[string]string) error {
	return a.countWrite(a.backend.SaveMetric(ctx, name, value, labels))
}

func (a *Adapter) SaveMetrics(ctx context.Context, samples []model.MetricSample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	n, err := a.backend.SaveMetrics(ctx, samples)
	return n, a.countWrite(err)
}

func (a *Adapter) SaveRawMetrics(ctx context.Context, kind model.MetricKind, data any) error {
	return a.countWrite(a.backend.SaveRawMetrics(ctx, kind, data))
}

// AggregateHour rolls up the hour that starts at hourStart (truncated to the
// hour). Hours that have not fully elapsed are rejected.
func (a *Adapter) AggregateHour(ctx context.Context, hourStart time.Time) (int, error) {
	hourStart = model.HourStart(hourStart)
	if hourStart.Add(time.Hour).After(time.Now()) {
		return 0, fmt.Errorf("storage: aggregate hour %s: hour has not elapsed", hourStart.Format(time.RFC3339))
	}
	n, err := a.backend.AggregateHour(ctx, hourStart)
	return n, a.countWrite(err)
}

// AggregateHourly rolls up the last fully completed hour.
func (a *Adapter) AggregateHourly(ctx context.Context) (int, error) {
	return a.AggregateHour(ctx, model.HourStart(time.Now()).Add(-time.Hour))
}

// AggregateDay rolls the hourly buckets of day into daily summaries.
func (a *Adapter) AggregateDay(ctx context.Context, day time.Time) (int, error) {
	n, err := a.backend.AggregateDay(ctx, model.DayStart(day))
	return n, a.countWrite(err)
}

func (a *Adapter) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("storage: cleanup: retention days must be positive, got %d", days)
	}
	return a.backend.CleanupOlderThan(ctx, days)
}

func (a *Adapter) PurgeBackups(ctx context.Context, olderThan time.Time) (int64, error) {
	return a.backend.PurgeBackups(ctx, olderThan)
}

func (a *Adapter) RefreshStats(ctx context.Context) error { return a.backend.RefreshStats(ctx) }

func (a *Adapter) Optimize(ctx context.Context) error { return a.backend.Optimize(ctx) }

// GetStats returns the backend's stats plus the adapter's write failure count.
func (a *Adapter) GetStats(ctx context.Context) (Stats, error) {
	st, err := a.backend.GetStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.Backend = a.backend.Name()
	st.WriteFailures = a.writeFailures.Load()
	return st, nil
}

func (a *Adapter) MetricHistory(ctx context.Context, name string, since time.Time) ([]model.MetricSample, error) {
	return a.backend.MetricHistory(ctx, name, since)
}

func (a *Adapter) HourlyBuckets(ctx context.Context, name string, since time.Time) ([]model.AggregatedBucket, error) {
	return a.backend.HourlyBuckets(ctx, name, since)
}

func (a *Adapter) DailySummaries(ctx context.Context, name string, since time.Time) ([]model.DailySummary, error) {
	return a.backend.DailySummaries(ctx, name, since)
}

func (a *Adapter) LatestMetrics(ctx context.Context, since time.Time) ([]model.MetricSample, error) {
	return a.backend.LatestMetrics(ctx, since)
}

func (a *Adapter) SaveErrorReport(ctx context.Context, report model.ErrorReport) error {
	return a.countWrite(a.backend.SaveErrorReport(ctx, report))
}

func (a *Adapter) SaveRepairAttempt(ctx context.Context, attempt model.RepairAttempt) error {
	return a.countWrite(a.backend.SaveRepairAttempt(ctx, attempt))
}

func (a *Adapter) RepairAttemptsSince(ctx context.Context, since time.Time) ([]model.RepairAttempt, error) {
	return a.backend.RepairAttemptsSince(ctx, since)
}

func (a *Adapter) SaveBackup(ctx context.Context, backup model.Backup) error {
	return a.countWrite(a.backend.SaveBackup(ctx, backup))
}

func (a *Adapter) LatestBackup(ctx context.Context, componentType string) (model.Backup, error) {
	return a.backend.LatestBackup(ctx, componentType)
}

func (a *Adapter) SaveAlert(ctx context.Context, alert model.Alert) error {
	return a.countWrite(a.backend.SaveAlert(ctx, alert))
}

func (a *Adapter) Ping(ctx context.Context) error { return a.backend.Ping(ctx) }

func (a *Adapter) Close(ctx context.Context) error { return a.backend.Close(ctx) }

// Name mirrors Backend so *Adapter satisfies Store.
func (a *Adapter) Name() string { return a.backend.Name() }

var _ Store = (*Adapter)(nil)

// Package detector receives error reports from monitors and producers,
// tracks active errors per component, runs gated repairs and forwards every
// outcome to the alert dispatcher.
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/monitor"
	"github.com/mealforge/sentinel/internal/service/alerting"
	"github.com/mealforge/sentinel/internal/service/safety"
	"github.com/mealforge/sentinel/internal/telemetry"
)

// DetailNoRepairer marks an outcome where the attempt was granted but the
// component has nothing registered to repair it. It counts as a failure.
const DetailNoRepairer = "no repairer registered"

// Repairer attempts to restore a component.
type Repairer interface {
	Repair(ctx context.Context, report model.ErrorReport) error
}

// Snapshotter captures restorable component state before a risky repair.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]byte, error)
}

// RepairFunc adapts a function to Repairer.
type RepairFunc func(ctx context.Context, report model.ErrorReport) error

func (f RepairFunc) Repair(ctx context.Context, report model.ErrorReport) error { return f(ctx, report) }

// ReportStore persists error reports.
type ReportStore interface {
	SaveErrorReport(ctx context.Context, report model.ErrorReport) error
}

// Alerter is the part of the alert dispatcher the detector uses.
type Alerter interface {
	SendAlert(ctx context.Context, alert model.Alert) alerting.Result
	ResolveSource(ctx context.Context, source string) int
}

// Config tunes intake and monitoring. Zero values take the defaults.
type Config struct {
	Workers         int           // default 4
	QueueSize       int           // default 256
	RepairTimeout   time.Duration // default 30s
	MonitorInterval time.Duration // default 30s
	MonitorTimeout  time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RepairTimeout <= 0 {
		c.RepairTimeout = 30 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.MonitorTimeout <= 0 {
		c.MonitorTimeout = 5 * time.Second
	}
	return c
}

// Outcome summarizes how one report was handled.
type Outcome struct {
	Report   model.ErrorReport `json:"report"`
	Decision safety.Decision   `json:"decision"`
	Repaired bool              `json:"repaired"`
	Detail   string            `json:"detail,omitempty"`
	Alert    alerting.Result   `json:"alert"`
}

// Detector is safe for concurrent use.
type Detector struct {
	store  ReportStore
	safety *safety.Controller
	alerts Alerter
	logger *slog.Logger
	cfg    Config

	repairMu     sync.RWMutex
	repairers    map[string]Repairer
	snapshotters map[string]Snapshotter
	monitors     []monitor.Monitor

	mu     sync.Mutex
	active map[string]model.ErrorReport

	intakeMu sync.RWMutex
	intake   chan model.ErrorReport
	closed   bool
	started  atomic.Bool
	workers  sync.WaitGroup

	processed atomic.Int64
	inline    atomic.Int64

	reportsCounter metric.Int64Counter
	repairDuration metric.Float64Histogram
}

func New(store ReportStore, gate *safety.Controller, alerts Alerter, cfg Config, logger *slog.Logger) *Detector {
	cfg = cfg.withDefaults()
	d := &Detector{
		store:        store,
		safety:       gate,
		alerts:       alerts,
		logger:       logger,
		cfg:          cfg,
		repairers:    make(map[string]Repairer),
		snapshotters: make(map[string]Snapshotter),
		active:       make(map[string]model.ErrorReport),
		intake:       make(chan model.ErrorReport, cfg.QueueSize),
	}
	meter := telemetry.Meter("sentinel/detector")
	d.reportsCounter, _ = meter.Int64Counter("sentinel.detector.reports",
		metric.WithDescription("Error reports handled, by intake path (queued or inline)"))
	d.repairDuration, _ = meter.Float64Histogram("sentinel.detector.repair.duration",
		metric.WithDescription("Repair run time in seconds, by component and outcome"),
		metric.WithUnit("s"))
	return d
}

// RegisterRepairer sets the repairer for component. If r also implements
// Snapshotter it is registered as the component's snapshotter.
func (d *Detector) RegisterRepairer(component string, r Repairer) {
	d.repairMu.Lock()
	defer d.repairMu.Unlock()
	d.repairers[component] = r
	if s, ok := r.(Snapshotter); ok {
		d.snapshotters[component] = s
	}
}

// RegisterSnapshotter sets the backup source for component.
func (d *Detector) RegisterSnapshotter(component string, s Snapshotter) {
	d.repairMu.Lock()
	defer d.repairMu.Unlock()
	d.snapshotters[component] = s
}

// AddMonitor adds m to the set polled by Run.
func (d *Detector) AddMonitor(m monitor.Monitor) {
	d.repairMu.Lock()
	defer d.repairMu.Unlock()
	d.monitors = append(d.monitors, m)
}

// Start launches the intake workers. Reports are processed on a context
// detached from ctx's cancellation so queued reports survive shutdown
// until Stop drains them.
func (d *Detector) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	workCtx := context.WithoutCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.workers.Add(1)
		go func() {
			defer d.workers.Done()
			for r := range d.intake {
				d.Process(workCtx, r)
			}
		}()
	}
}

// Stop closes intake and waits for queued reports to be processed or for
// ctx to expire. Later HandleError calls are processed inline.
func (d *Detector) Stop(ctx context.Context) {
	d.intakeMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.intake)
	}
	d.intakeMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("detector: stop timed out with reports still queued")
	}
}

// HandleError normalizes report and queues it for the worker pool. When the
// queue is full, or the workers are not running, the report is processed
// inline on the caller's goroutine; reports are never dropped.
func (d *Detector) HandleError(ctx context.Context, report model.ErrorReport) (model.ErrorReport, error) {
	report.ComponentType = strings.TrimSpace(report.ComponentType)
	if report.ComponentType == "" {
		return report, errors.New("detector: component_type is required")
	}
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now().UTC()
	}
	if report.Severity == "" {
		report.Severity = model.SeverityWarning
	}

	if d.started.Load() {
		d.intakeMu.RLock()
		queued := false
		if !d.closed {
			select {
			case d.intake <- report:
				queued = true
			default:
			}
		}
		d.intakeMu.RUnlock()
		if queued {
			d.reportsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", "queued")))
			return report, nil
		}
	}
	d.inline.Add(1)
	d.reportsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", "inline")))

	// An accepted report belongs to the detector; the caller going away
	// must not cut its repair short.
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.inlineTimeout())
	defer cancel()
	d.Process(procCtx, report)
	return report, nil
}

// inlineTimeout bounds one inline Process: the repair plus its backup and
// the alert fan-out.
func (d *Detector) inlineTimeout() time.Duration {
	return 2 * d.cfg.RepairTimeout
}

// Process handles one report synchronously: track it, persist it, ask the
// safety controller, repair if allowed, and alert.
func (d *Detector) Process(ctx context.Context, report model.ErrorReport) Outcome {
	defer d.processed.Add(1)
	component := report.ComponentType

	ctx, span := telemetry.Tracer("sentinel/detector").Start(ctx, "detector.process",
		trace.WithAttributes(
			attribute.String("component", component),
			attribute.String("report_id", report.ID.String()),
		),
	)
	defer span.End()

	d.mu.Lock()
	report.ConsecutiveFailures = 1
	if prev, ok := d.active[component]; ok {
		report.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	}
	d.active[component] = report
	d.mu.Unlock()

	if err := d.store.SaveErrorReport(ctx, report); err != nil {
		d.logger.Warn("detector: persist report failed", "error", err, "component", component)
	}

	out := Outcome{Report: report}

	d.repairMu.RLock()
	repairer, canRepair := d.repairers[component]
	snapshotter := d.snapshotters[component]
	d.repairMu.RUnlock()

	out.Decision = d.safety.CanAttemptRepair(component, report)
	switch {
	case out.Decision.Allowed && !canRepair:
		out.Detail = DetailNoRepairer
		d.record(ctx, out.Decision.Reservation, false, report)
	case out.Decision.Allowed:
		out.Repaired, out.Detail = d.repair(ctx, report, out.Decision.Reservation, repairer, snapshotter)
	default:
		out.Detail = "repair blocked: " + out.Decision.Reason
	}

	out.Alert = d.alerts.SendAlert(ctx, d.alertFor(report, out))
	if out.Repaired {
		d.Resolve(ctx, component, "repaired")
	}
	span.SetAttributes(
		attribute.Bool("repair.allowed", out.Decision.Allowed),
		attribute.Bool("repair.succeeded", out.Repaired),
		attribute.String("repair.detail", out.Detail),
	)
	return out
}

func (d *Detector) repair(ctx context.Context, report model.ErrorReport, res *safety.Reservation, r Repairer, snap Snapshotter) (bool, string) {
	component := report.ComponentType
	logger := d.logger.With("component", component, "report_id", report.ID)

	if d.safety.IsRisky(component) {
		if err := d.backup(ctx, report, snap); err != nil {
			logger.Error("detector: backup failed, repair skipped", "error", err)
			d.record(ctx, res, false, report)
			return false, err.Error()
		}
	}

	start := time.Now()
	repairCtx, cancel := context.WithTimeout(ctx, d.cfg.RepairTimeout)
	err := r.Repair(repairCtx, report)
	if err == nil && repairCtx.Err() != nil {
		err = repairCtx.Err()
	}
	cancel()
	outcome := model.RepairSuccess
	if err != nil {
		outcome = model.RepairFailure
	}
	d.repairDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("outcome", string(outcome)),
	))

	d.record(ctx, res, err == nil, report)
	if err != nil {
		logger.Warn("detector: repair failed", "error", err, "attempt", report.ConsecutiveFailures)
		return false, "repair failed: " + err.Error()
	}
	logger.Info("detector: repair succeeded")
	return true, "repaired"
}

// backup saves the component snapshot, or the report itself when the
// component has no snapshotter.
func (d *Detector) backup(ctx context.Context, report model.ErrorReport, snap Snapshotter) error {
	var payload []byte
	var err error
	if snap != nil {
		payload, err = snap.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("%w: snapshot: %w", safety.ErrBackupFailed, err)
		}
	} else if payload, err = json.Marshal(report); err != nil {
		return fmt.Errorf("%w: %w", safety.ErrBackupFailed, err)
	}
	_, err = d.safety.CreateBackup(ctx, report.ComponentType, payload)
	return err
}

func (d *Detector) record(ctx context.Context, res *safety.Reservation, success bool, report model.ErrorReport) {
	if err := d.safety.RecordRepairAttempt(ctx, res, success, report); err != nil {
		d.logger.Warn("detector: record repair attempt failed", "error", err, "component", report.ComponentType)
	}
}

// SourceFor is the alert source used for component.
func SourceFor(component string) string { return "detector:" + component }

func (d *Detector) alertFor(r model.ErrorReport, out Outcome) model.Alert {
	a := model.Alert{
		Source:   SourceFor(r.ComponentType),
		Severity: r.Severity,
		Message:  fmt.Sprintf("%s (consecutive failures: %d)", r.Message, r.ConsecutiveFailures),
	}
	switch {
	case out.Repaired:
		a.Title = r.ComponentType + " repaired"
		a.Severity = model.SeverityInfo
	case out.Detail == DetailNoRepairer:
		a.Title = r.ComponentType + " error reported"
		a.Message += fmt.Sprintf("; no automated repair (attempt %d of %d)", out.Decision.Attempt, out.Decision.Ceiling)
	case out.Decision.Allowed:
		a.Title = r.ComponentType + " repair failed"
		a.Message += "; " + out.Detail
		if a.Severity.Rank() < model.SeverityError.Rank() {
			a.Severity = model.SeverityError
		}
	case out.Decision.Reason == safety.ReasonMaxRetries:
		a.Title = r.ComponentType + " repair budget exhausted"
		a.Message += fmt.Sprintf("; %d of %d attempts used", out.Decision.Attempt, out.Decision.Ceiling)
		a.Severity = model.SeverityCritical
	case out.Decision.Reason == safety.ReasonSafeMode:
		a.Title = r.ComponentType + " error, repair blocked by safe mode"
	default:
		a.Title = r.ComponentType + " error reported"
	}
	return a
}

// Resolve clears the active error for component and resolves its alerts.
func (d *Detector) Resolve(ctx context.Context, component, reason string) bool {
	d.mu.Lock()
	_, ok := d.active[component]
	delete(d.active, component)
	d.mu.Unlock()
	if !ok {
		return false
	}
	n := d.alerts.ResolveSource(ctx, SourceFor(component))
	d.logger.Info("detector: error resolved", "component", component, "reason", reason, "alerts_resolved", n)
	return true
}

// ActiveErrors returns the latest unresolved report per component, sorted
// by component.
func (d *Detector) ActiveErrors() []model.ErrorReport {
	d.mu.Lock()
	out := make([]model.ErrorReport, 0, len(d.active))
	for _, r := range d.active {
		out = append(out, r)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentType < out[j].ComponentType })
	return out
}

// Processed returns how many reports have been handled.
func (d *Detector) Processed() int64 { return d.processed.Load() }

// Run polls the registered monitors every MonitorInterval until ctx is
// cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.CheckMonitors(ctx)
		}
	}
}

// CheckMonitors runs every monitor concurrently, each under
// MonitorTimeout. Unhealthy results are handed to HandleError; healthy
// results resolve the component's active error.
func (d *Detector) CheckMonitors(ctx context.Context) {
	d.repairMu.RLock()
	monitors := append([]monitor.Monitor(nil), d.monitors...)
	d.repairMu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range monitors {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, d.cfg.MonitorTimeout)
			report, err := m.Check(checkCtx)
			cancel()
			if err != nil {
				d.logger.Warn("detector: monitor check failed", "error", err, "monitor", m.Name())
				return nil
			}
			if report == nil {
				d.Resolve(ctx, m.Name(), "monitor healthy")
				return nil
			}
			if _, err := d.HandleError(ctx, *report); err != nil {
				d.logger.Warn("detector: handle monitor report failed", "error", err, "monitor", m.Name())
			}
			return nil
		})
	}
	_ = g.Wait()
}

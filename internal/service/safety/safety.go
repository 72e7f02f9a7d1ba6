// Package safety gates automated repairs. Every repair needs a Decision from
// the Controller; allowed decisions carry a Reservation that must be spent
// with RecordRepairAttempt. Retry budgets, component phases and safe mode
// live behind one mutex so the ceiling holds under concurrent reports.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/telemetry"
)

var (
	// ErrNoReservation is returned when an attempt is recorded without an
	// unspent reservation from CanAttemptRepair.
	ErrNoReservation = errors.New("safety: no valid reservation")

	// ErrBackupFailed wraps any failure to persist a pre-repair backup.
	ErrBackupFailed = errors.New("safety: backup failed")
)

// Decision reasons.
const (
	ReasonAllowed    = "allowed"
	ReasonMaxRetries = "max_retries"
	ReasonSafeMode   = "safe_mode"
)

// Reservation is the token proving an allowed decision. It is spent by
// exactly one RecordRepairAttempt.
type Reservation struct {
	id        uint64
	component string
	reportID  uuid.UUID
	at        time.Time
}

// Component returns the component the reservation was issued for.
func (r *Reservation) Component() string { return r.component }

// Decision is the answer to CanAttemptRepair.
type Decision struct {
	Allowed     bool         `json:"allowed"`
	Reason      string       `json:"reason"`
	Attempt     int          `json:"attempt"`
	Ceiling     int          `json:"ceiling"`
	Reservation *Reservation `json:"-"`
}

// Ledger persists repair attempts and backups.
type Ledger interface {
	SaveRepairAttempt(ctx context.Context, attempt model.RepairAttempt) error
	RepairAttemptsSince(ctx context.Context, since time.Time) ([]model.RepairAttempt, error)
	SaveBackup(ctx context.Context, backup model.Backup) error
	LatestBackup(ctx context.Context, componentType string) (model.Backup, error)
}

// BackupStore keeps pre-repair backups.
type BackupStore interface {
	SaveBackup(ctx context.Context, backup model.Backup) error
	LatestBackup(ctx context.Context, componentType string) (model.Backup, error)
}

// Config sets the retry budgets and the safe mode trigger.
type Config struct {
	DefaultCeiling    int
	Ceilings          map[string]int
	RetryWindow       time.Duration
	SafeModeThreshold int
	SafeModeWindow    time.Duration
	RiskyComponents   []string

	// BackupFallback receives backups the ledger cannot take, so a repair of
	// the ledger's own store still has somewhere to write. Optional.
	BackupFallback BackupStore
}

// componentState holds the times of attempts still inside the rolling retry
// window, oldest first. An attempt counts from the moment it is reserved.
type componentState struct {
	attempts    []time.Time
	phase       model.RepairPhase
	exhaustedAt time.Time
}

// live returns the attempts newer than now-window without modifying st.
func (st *componentState) live(now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(st.attempts) && !st.attempts[i].After(cutoff) {
		i++
	}
	return st.attempts[i:]
}

// viewPhase is the phase as it reads at now: an exhausted component whose
// oldest attempts have left the window is idle again.
func (st *componentState) viewPhase(live int, ceiling int) model.RepairPhase {
	if st.phase == model.PhaseExhausted && live < ceiling {
		return model.PhaseIdle
	}
	return st.phase
}

// Controller owns SafetyState.
type Controller struct {
	ledger Ledger
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	mu             sync.Mutex
	components     map[string]*componentState
	pending        map[uint64]*Reservation
	nextID         uint64
	safeMode       bool
	safeModeSince  time.Time
	safeModeReason string
	onSafeMode     []func(reason string)

	decisions metric.Int64Counter
	attempts  metric.Int64Counter
}

// New creates a controller. Zero config values take the defaults: ceiling 3,
// window 1h, safe mode after 3 exhausted components within 10m.
func New(ledger Ledger, cfg Config, logger *slog.Logger) *Controller {
	if cfg.DefaultCeiling <= 0 {
		cfg.DefaultCeiling = 3
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = time.Hour
	}
	if cfg.SafeModeThreshold <= 0 {
		cfg.SafeModeThreshold = 3
	}
	if cfg.SafeModeWindow <= 0 {
		cfg.SafeModeWindow = 10 * time.Minute
	}
	c := &Controller{
		ledger:     ledger,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		components: make(map[string]*componentState),
		pending:    make(map[uint64]*Reservation),
	}
	meter := telemetry.Meter("sentinel/safety")
	c.decisions, _ = meter.Int64Counter("sentinel.safety.decisions",
		metric.WithDescription("Repair gate decisions by reason"))
	c.attempts, _ = meter.Int64Counter("sentinel.safety.repair_attempts",
		metric.WithDescription("Recorded repair attempts by outcome"))
	return c
}

// OnSafeMode registers fn to run (outside the lock) whenever safe mode is
// entered, automatically or by an operator.
func (c *Controller) OnSafeMode(fn func(reason string)) {
	c.mu.Lock()
	c.onSafeMode = append(c.onSafeMode, fn)
	c.mu.Unlock()
}

// Ceiling returns the retry ceiling for component.
func (c *Controller) Ceiling(component string) int {
	if n, ok := c.cfg.Ceilings[component]; ok {
		return n
	}
	return c.cfg.DefaultCeiling
}

// IsRisky reports whether repairs of component require a backup first.
func (c *Controller) IsRisky(component string) bool {
	return slices.Contains(c.cfg.RiskyComponents, component)
}

// CanAttemptRepair decides whether a repair may run for component. Checking
// the budget and reserving an attempt happen atomically, so concurrent
// callers can never exceed the ceiling.
func (c *Controller) CanAttemptRepair(component string, report model.ErrorReport) Decision {
	c.mu.Lock()
	d, trigger := c.decide(component, report)
	c.mu.Unlock()

	c.decisions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("reason", d.Reason),
	))
	if trigger != "" {
		c.fireSafeMode(trigger)
	}
	return d
}

// decide must be called with c.mu held. A non-empty trigger means safe mode
// was just entered with that reason.
func (c *Controller) decide(component string, report model.ErrorReport) (Decision, string) {
	ceiling := c.Ceiling(component)
	if c.safeMode {
		return Decision{Reason: ReasonSafeMode, Ceiling: ceiling}, ""
	}

	now := c.now()
	st := c.stateLocked(component, now)
	if len(st.attempts) >= ceiling {
		trigger := c.markExhaustedLocked(component, st, now)
		return Decision{Reason: ReasonMaxRetries, Attempt: len(st.attempts), Ceiling: ceiling}, trigger
	}

	st.attempts = append(st.attempts, now)
	st.phase = model.PhaseAttempting
	c.nextID++
	res := &Reservation{id: c.nextID, component: component, reportID: report.ID, at: now}
	c.pending[res.id] = res
	return Decision{Allowed: true, Reason: ReasonAllowed, Attempt: len(st.attempts), Ceiling: ceiling, Reservation: res}, ""
}

// stateLocked returns component's state with attempts that left the rolling
// retry window pruned.
func (c *Controller) stateLocked(component string, now time.Time) *componentState {
	st, ok := c.components[component]
	if !ok {
		st = &componentState{phase: model.PhaseIdle}
		c.components[component] = st
	}
	st.attempts = st.live(now, c.cfg.RetryWindow)
	if phase := st.viewPhase(len(st.attempts), c.Ceiling(component)); phase != st.phase {
		st.phase = phase
		st.exhaustedAt = time.Time{}
	}
	return st
}

// markExhaustedLocked moves component to exhausted and enters safe mode when
// enough distinct components are exhausted within the safe mode window.
func (c *Controller) markExhaustedLocked(component string, st *componentState, now time.Time) string {
	if st.phase != model.PhaseExhausted {
		st.phase = model.PhaseExhausted
		st.exhaustedAt = now
		c.logger.Warn("safety: repair budget exhausted", "component", component, "attempts", len(st.attempts))
	}
	if c.safeMode {
		return ""
	}

	var exhausted []string
	for name, s := range c.components {
		if s.phase == model.PhaseExhausted && !s.exhaustedAt.IsZero() && now.Sub(s.exhaustedAt) <= c.cfg.SafeModeWindow {
			exhausted = append(exhausted, name)
		}
	}
	if len(exhausted) < c.cfg.SafeModeThreshold {
		return ""
	}
	sort.Strings(exhausted)
	reason := fmt.Sprintf("%d components exhausted their repair budget within %s: %v", len(exhausted), c.cfg.SafeModeWindow, exhausted)
	c.enterSafeModeLocked(reason, now)
	return reason
}

func (c *Controller) enterSafeModeLocked(reason string, now time.Time) {
	c.safeMode = true
	c.safeModeSince = now
	c.safeModeReason = reason
	c.logger.Error("safety: entering safe mode", "reason", reason)
}

func (c *Controller) fireSafeMode(reason string) {
	c.mu.Lock()
	hooks := slices.Clone(c.onSafeMode)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(reason)
	}
}

// RecordRepairAttempt spends res and appends the outcome to the ledger.
// Success resets the component's budget. The in-memory state is updated
// even when the ledger write fails; the write error is returned.
func (c *Controller) RecordRepairAttempt(ctx context.Context, res *Reservation, success bool, report model.ErrorReport) error {
	if res == nil {
		return ErrNoReservation
	}

	c.mu.Lock()
	if _, ok := c.pending[res.id]; !ok || res.component != report.ComponentType {
		c.mu.Unlock()
		return ErrNoReservation
	}
	delete(c.pending, res.id)

	now := c.now()
	st := c.stateLocked(res.component, now)
	var trigger string
	outcome := model.RepairFailure
	if success {
		outcome = model.RepairSuccess
		st.attempts = nil
		st.exhaustedAt = time.Time{}
		st.phase = model.PhaseSucceeded
	} else if len(st.attempts) >= c.Ceiling(res.component) {
		trigger = c.markExhaustedLocked(res.component, st, now)
	} else {
		st.phase = model.PhaseIdle
	}
	c.mu.Unlock()

	c.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", res.component),
		attribute.String("outcome", string(outcome)),
	))
	if trigger != "" {
		c.fireSafeMode(trigger)
	}

	attempt := model.RepairAttempt{
		ID:            uuid.New(),
		ComponentType: res.component,
		Outcome:       outcome,
		ErrorReportID: res.reportID,
		Timestamp:     res.at.UTC(),
	}
	if err := c.ledger.SaveRepairAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("safety: record attempt: %w", err)
	}
	return nil
}

// CreateBackup persists payload as a restorable backup of component.
func (c *Controller) CreateBackup(ctx context.Context, component string, payload []byte) (model.Backup, error) {
	b := model.Backup{
		ID:            uuid.New(),
		ComponentType: component,
		Payload:       payload,
		CreatedAt:     c.now().UTC(),
	}
	err := c.ledger.SaveBackup(ctx, b)
	if err == nil {
		return b, nil
	}
	if c.cfg.BackupFallback == nil {
		return model.Backup{}, fmt.Errorf("%w: %s: %w", ErrBackupFailed, component, err)
	}
	if fbErr := c.cfg.BackupFallback.SaveBackup(ctx, b); fbErr != nil {
		return model.Backup{}, fmt.Errorf("%w: %s: %w", ErrBackupFailed, component, errors.Join(err, fbErr))
	}
	c.logger.Warn("safety: backup written to fallback store", "component", component, "error", err)
	return b, nil
}

// LatestBackup returns the newest backup of component across the ledger and
// the fallback store.
func (c *Controller) LatestBackup(ctx context.Context, component string) (model.Backup, error) {
	b, err := c.ledger.LatestBackup(ctx, component)
	if c.cfg.BackupFallback == nil {
		if err != nil {
			return model.Backup{}, fmt.Errorf("safety: latest backup %s: %w", component, err)
		}
		return b, nil
	}

	fb, fbErr := c.cfg.BackupFallback.LatestBackup(ctx, component)
	switch {
	case err != nil && fbErr != nil:
		return model.Backup{}, fmt.Errorf("safety: latest backup %s: %w", component, errors.Join(err, fbErr))
	case err != nil:
		return fb, nil
	case fbErr != nil || !fb.CreatedAt.After(b.CreatedAt):
		return b, nil
	default:
		return fb, nil
	}
}

// EnterSafeMode blocks all repairs until ExitSafeMode. It reports whether
// safe mode was newly entered.
func (c *Controller) EnterSafeMode(reason string) bool {
	c.mu.Lock()
	if c.safeMode {
		c.mu.Unlock()
		return false
	}
	c.enterSafeModeLocked(reason, c.now())
	c.mu.Unlock()
	c.fireSafeMode(reason)
	return true
}

// ExitSafeMode is the operator action that re-enables repairs. Retry counts
// are kept; exhausted components stay exhausted until their oldest attempts
// leave the window, but they no longer count toward re-entering safe mode.
func (c *Controller) ExitSafeMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.safeMode {
		return false
	}
	c.safeMode = false
	c.safeModeSince = time.Time{}
	c.safeModeReason = ""
	for _, st := range c.components {
		st.exhaustedAt = time.Time{}
	}
	c.logger.Info("safety: safe mode exited")
	return true
}

// SafeMode reports whether repairs are globally blocked.
func (c *Controller) SafeMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.safeMode
}

// Snapshot returns a copy of the state, components sorted by name. It is a
// pure read: expired attempts are left for the next decision to prune.
func (c *Controller) Snapshot() model.SafetySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	snap := model.SafetySnapshot{
		SafeMode:       c.safeMode,
		SafeModeReason: c.safeModeReason,
		Components:     make([]model.ComponentSafety, 0, len(c.components)),
	}
	if c.safeMode {
		since := c.safeModeSince.UTC()
		snap.SafeModeSince = &since
	}
	for name, st := range c.components {
		live := st.live(now, c.cfg.RetryWindow)
		ceiling := c.Ceiling(name)
		cs := model.ComponentSafety{
			ComponentType: name,
			Attempts:      len(live),
			Ceiling:       ceiling,
			Phase:         st.viewPhase(len(live), ceiling),
		}
		if len(live) > 0 {
			cs.WindowStart = live[0].UTC()
		}
		snap.Components = append(snap.Components, cs)
	}
	sort.Slice(snap.Components, func(i, j int) bool {
		return snap.Components[i].ComponentType < snap.Components[j].ComponentType
	})
	return snap
}

// LoadHistory rebuilds retry counts from ledger entries inside the retry
// window, so a restart does not hand every component a fresh budget. Only
// attempts after a component's latest success count.
func (c *Controller) LoadHistory(ctx context.Context) error {
	now := c.now()
	attempts, err := c.ledger.RepairAttemptsSince(ctx, now.Add(-c.cfg.RetryWindow))
	if err != nil {
		return fmt.Errorf("safety: load history: %w", err)
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Timestamp.Before(attempts[j].Timestamp) })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range attempts {
		st, ok := c.components[a.ComponentType]
		if !ok {
			st = &componentState{phase: model.PhaseIdle}
			c.components[a.ComponentType] = st
		}
		if a.Outcome == model.RepairSuccess {
			st.attempts = nil
			st.phase = model.PhaseSucceeded
			continue
		}
		st.attempts = append(st.attempts, a.Timestamp)
		st.phase = model.PhaseIdle
		if len(st.attempts) >= c.Ceiling(a.ComponentType) {
			st.phase = model.PhaseExhausted
		}
	}
	c.logger.Info("safety: history loaded", "attempts", len(attempts), "components", len(c.components))
	return nil
}

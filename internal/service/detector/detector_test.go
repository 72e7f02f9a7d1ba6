package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/service/alerting"
	"github.com/mealforge/sentinel/internal/service/safety"
	"github.com/mealforge/sentinel/internal/storage"
)

type memStore struct {
	mu        sync.Mutex
	reports   []model.ErrorReport
	attempts  []model.RepairAttempt
	backups   []model.Backup
	backupErr error
}

func (s *memStore) SaveErrorReport(_ context.Context, r model.ErrorReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *memStore) SaveRepairAttempt(_ context.Context, a model.RepairAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *memStore) RepairAttemptsSince(context.Context, time.Time) ([]model.RepairAttempt, error) {
	return nil, nil
}

func (s *memStore) SaveBackup(_ context.Context, b model.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backupErr != nil {
		return s.backupErr
	}
	s.backups = append(s.backups, b)
	return nil
}

func (s *memStore) LatestBackup(context.Context, string) (model.Backup, error) {
	return model.Backup{}, storage.ErrNotFound
}

func (s *memStore) counts() (reports, attempts, backups int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports), len(s.attempts), len(s.backups)
}

type nopChannel struct{}

func (nopChannel) Name() string { return "console" }
func (nopChannel) Send(context.Context, model.Alert) error { return nil }

type harness struct {
	det    *Detector
	store  *memStore
	gate   *safety.Controller
	alerts *alerting.Dispatcher
}

func newHarness(t *testing.T, safetyCfg safety.Config, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &memStore{}
	gate := safety.New(store, safetyCfg, logger)
	alerts := alerting.New([]alerting.Channel{nopChannel{}}, nil, nil, alerting.Config{}, logger)
	return &harness{
		det:    New(store, gate, alerts, cfg, logger),
		store:  store,
		gate:   gate,
		alerts: alerts,
	}
}

func rep(component, msg string) model.ErrorReport {
	return model.ErrorReport{ComponentType: component, Message: msg}
}

func TestProcessWithoutRepairerCountsAsFailedAttempt(t *testing.T) {
	h := newHarness(t, safety.Config{}, Config{})
	ctx := context.Background()

	out := h.det.Process(ctx, rep("recipes", "import failed"))
	assert.False(t, out.Repaired)
	assert.True(t, out.Decision.Allowed)
	assert.Equal(t, DetailNoRepairer, out.Detail)
	assert.True(t, out.Alert.Success)
	assert.Equal(t, "recipes error reported", out.Alert.Alert.Title)
	assert.Contains(t, out.Alert.Alert.Message, "attempt 1 of 3")

	out = h.det.Process(ctx, rep("recipes", "import failed again"))
	assert.Equal(t, 2, out.Report.ConsecutiveFailures)

	active := h.det.ActiveErrors()
	require.Len(t, active, 1)
	assert.Equal(t, "import failed again", active[0].Message)
	reports, attempts, _ := h.store.counts()
	assert.Equal(t, 2, reports)
	require.Equal(t, 2, attempts)
	for _, a := range h.store.attempts {
		assert.Equal(t, model.RepairFailure, a.Outcome)
	}
}

func TestProcessWithoutRepairerExhaustsBudget(t *testing.T) {
	h := newHarness(t, safety.Config{Ceilings: map[string]int{"recipes": 2}}, Config{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out := h.det.Process(ctx, rep("recipes", "import failed"))
		require.True(t, out.Decision.Allowed)
	}
	out := h.det.Process(ctx, rep("recipes", "import failed"))
	assert.False(t, out.Decision.Allowed)
	assert.Equal(t, safety.ReasonMaxRetries, out.Decision.Reason)
	assert.Equal(t, "recipes repair budget exhausted", out.Alert.Alert.Title)

	_, attempts, _ := h.store.counts()
	assert.Equal(t, 2, attempts, "a blocked decision adds no ledger entry")
}

func TestProcessWithoutRepairerBlockedInSafeMode(t *testing.T) {
	h := newHarness(t, safety.Config{}, Config{})
	h.gate.EnterSafeMode("drill")

	out := h.det.Process(context.Background(), rep("recipes", "import failed"))
	assert.Equal(t, safety.ReasonSafeMode, out.Decision.Reason)
	_, attempts, _ := h.store.counts()
	assert.Zero(t, attempts)
}

func TestHandleErrorNormalizes(t *testing.T) {
	h := newHarness(t, safety.Config{}, Config{})
	r, err := h.det.HandleError(context.Background(), model.ErrorReport{ComponentType: " cache "})
	require.NoError(t, err)
	assert.Equal(t, "cache", r.ComponentType)
	assert.Equal(t, model.SeverityWarning, r.Severity)
	assert.False(t, r.Timestamp.IsZero())

	_, err = h.det.HandleError(context.Background(), model.ErrorReport{})
	assert.Error(t, err)
}

func TestSuccessfulRepairResolves(t *testing.T) {
	h := newHarness(t, safety.Config{}, Config{})
	ctx := context.Background()
	h.det.RegisterRepairer("memory", RepairFunc(func(context.Context, model.ErrorReport) error { return nil }))

	out := h.det.Process(ctx, rep("memory", "heap over limit"))
	assert.True(t, out.Repaired)
	assert.Equal(t, "memory repaired", out.Alert.Alert.Title)
	assert.Empty(t, h.det.ActiveErrors())
	assert.Empty(t, h.alerts.Active())

	_, attempts, _ := h.store.counts()
	assert.Equal(t, 1, attempts)
	assert.Equal(t, model.RepairSuccess, h.store.attempts[0].Outcome)
}

func TestCacheCeilingScenario(t *testing.T) {
	h := newHarness(t, safety.Config{Ceilings: map[string]int{"cache": 2}}, Config{})
	ctx := context.Background()
	var calls atomic.Int32
	h.det.RegisterRepairer("cache", RepairFunc(func(context.Context, model.ErrorReport) error {
		calls.Add(1)
		return errors.New("still down")
	}))

	for i := 0; i < 2; i++ {
		out := h.det.Process(ctx, rep("cache", "connection refused"))
		require.True(t, out.Decision.Allowed)
		assert.False(t, out.Repaired)
	}
	out := h.det.Process(ctx, rep("cache", "connection refused"))
	assert.False(t, out.Decision.Allowed)
	assert.Equal(t, safety.ReasonMaxRetries, out.Decision.Reason)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "cache repair budget exhausted", out.Alert.Alert.Title)
	assert.Equal(t, model.SeverityCritical, out.Alert.Alert.Severity)
	assert.Equal(t, 3, out.Report.ConsecutiveFailures)
}

type failingSnapshot struct{}

func (failingSnapshot) Snapshot(context.Context) ([]byte, error) { return nil, errors.New("unreadable") }

func TestRiskyRepairFailsClosedWithoutBackup(t *testing.T) {
	h := newHarness(t, safety.Config{RiskyComponents: []string{"storage"}}, Config{})
	ctx := context.Background()
	var called atomic.Bool
	h.det.RegisterRepairer("storage", RepairFunc(func(context.Context, model.ErrorReport) error {
		called.Store(true)
		return nil
	}))
	h.det.RegisterSnapshotter("storage", failingSnapshot{})

	out := h.det.Process(ctx, rep("storage", "ping failed"))
	assert.True(t, out.Decision.Allowed)
	assert.False(t, out.Repaired)
	assert.False(t, called.Load(), "repair must not run without a backup")
	assert.Contains(t, out.Detail, "backup failed")

	_, attempts, backups := h.store.counts()
	assert.Equal(t, 1, attempts)
	assert.Equal(t, model.RepairFailure, h.store.attempts[0].Outcome)
	assert.Zero(t, backups)
}

type snapRepairer struct{ repaired atomic.Bool }

func (r *snapRepairer) Repair(context.Context, model.ErrorReport) error {
	r.repaired.Store(true)
	return nil
}

func (r *snapRepairer) Snapshot(context.Context) ([]byte, error) { return []byte(`{"ok":true}`), nil }

func TestRiskyRepairBacksUpFirst(t *testing.T) {
	h := newHarness(t, safety.Config{RiskyComponents: []string{"storage"}}, Config{})
	r := &snapRepairer{}
	h.det.RegisterRepairer("storage", r)

	out := h.det.Process(context.Background(), rep("storage", "ping failed"))
	assert.True(t, out.Repaired)
	_, _, backups := h.store.counts()
	require.Equal(t, 1, backups)
	assert.JSONEq(t, `{"ok":true}`, string(h.store.backups[0].Payload))
}

func TestRiskyRepairBacksUpToFallbackWhenStoreFails(t *testing.T) {
	fallback := &memStore{}
	h := newHarness(t, safety.Config{RiskyComponents: []string{"storage"}, BackupFallback: fallback}, Config{})
	h.store.backupErr = errors.New("connection refused")
	r := &snapRepairer{}
	h.det.RegisterRepairer("storage", r)

	out := h.det.Process(context.Background(), rep("storage", "ping failed"))
	assert.True(t, out.Repaired)
	assert.True(t, r.repaired.Load())
	_, _, backups := h.store.counts()
	assert.Zero(t, backups)
	require.Len(t, fallback.backups, 1)
	assert.JSONEq(t, `{"ok":true}`, string(fallback.backups[0].Payload))
}

func TestRiskyRepairWithoutSnapshotterBacksUpReport(t *testing.T) {
	h := newHarness(t, safety.Config{RiskyComponents: []string{"cache"}}, Config{})
	h.det.RegisterRepairer("cache", RepairFunc(func(context.Context, model.ErrorReport) error { return nil }))

	out := h.det.Process(context.Background(), rep("cache", "evicted"))
	assert.True(t, out.Repaired)
	require.Len(t, h.store.backups, 1)
	assert.Contains(t, string(h.store.backups[0].Payload), `"component_type":"cache"`)
}

func TestRepairTimeoutIsFailure(t *testing.T) {
	h := newHarness(t, safety.Config{}, Config{RepairTimeout: 20 * time.Millisecond})
	h.det.RegisterRepairer("external_api", RepairFunc(func(ctx context.Context, _ model.ErrorReport) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	out := h.det.Process(context.Background(), rep("external_api", "timeout"))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, out.Repaired)
	assert.Contains(t, out.Detail, "deadline exceeded")
}

func TestSafeModeBlocksRepair(t *testing.T) {
	h := newHarness(t, safety.Config{}, Config{})
	h.det.RegisterRepairer("cache", RepairFunc(func(context.Context, model.ErrorReport) error { return nil }))
	h.gate.EnterSafeMode("drill")

	out := h.det.Process(context.Background(), rep("cache", "down"))
	assert.Equal(t, safety.ReasonSafeMode, out.Decision.Reason)
	assert.Equal(t, "cache error, repair blocked by safe mode", out.Alert.Alert.Title)
}

func TestConcurrentReportsVisibleQuickly(t *testing.T) {
	h := newHarness(t, safety.Config{}, Config{Workers: 4, QueueSize: 8})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.det.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.det.HandleError(ctx, rep(fmt.Sprintf("producer-%d", i), "boom"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return len(h.alerts.Active()) == 50 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, h.det.ActiveErrors(), 50)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	h.det.Stop(stopCtx)
	assert.Equal(t, int64(50), h.det.Processed())
}

func TestHandleErrorAfterStopRunsInline(t *testing.T) {
	h := newHarness(t, safety.Config{}, Config{})
	h.det.Start(context.Background())
	h.det.Stop(context.Background())

	_, err := h.det.HandleError(context.Background(), rep("cache", "late"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.det.Processed())
	assert.Equal(t, int64(1), h.det.inline.Load())
}

func TestInlineProcessingSurvivesCallerCancel(t *testing.T) {
	h := newHarness(t, safety.Config{}, Config{RepairTimeout: time.Second})
	var sawCancel atomic.Bool
	h.det.RegisterRepairer("cache", RepairFunc(func(ctx context.Context, _ model.ErrorReport) error {
		if ctx.Err() != nil {
			sawCancel.Store(true)
			return ctx.Err()
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.det.HandleError(ctx, rep("cache", "evicted"))
	require.NoError(t, err)

	assert.False(t, sawCancel.Load(), "repair ran on the caller's cancelled context")
	assert.Empty(t, h.det.ActiveErrors())
	_, attempts, _ := h.store.counts()
	require.Equal(t, 1, attempts)
	assert.Equal(t, model.RepairSuccess, h.store.attempts[0].Outcome)
}

func TestInlineProcessingIsBounded(t *testing.T) {
	h := newHarness(t, safety.Config{}, Config{RepairTimeout: 20 * time.Millisecond})
	h.det.RegisterRepairer("external_api", RepairFunc(func(ctx context.Context, _ model.ErrorReport) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	_, err := h.det.HandleError(context.Background(), rep("external_api", "hung"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 2*20*time.Millisecond, h.det.inlineTimeout())
}

type stubMonitor struct {
	name   string
	report *model.ErrorReport
	err    error
}

func (m *stubMonitor) Name() string { return m.name }
func (m *stubMonitor) Check(context.Context) (*model.ErrorReport, error) {
	return m.report, m.err
}

func TestCheckMonitorsReportsAndResolves(t *testing.T) {
	h := newHarness(t, safety.Config{}, Config{})
	ctx := context.Background()

	cacheMon := &stubMonitor{name: "cache", report: &model.ErrorReport{ComponentType: "cache", Severity: model.SeverityError, Message: "ping failed"}}
	broken := &stubMonitor{name: "memory", err: errors.New("cannot read stats")}
	h.det.AddMonitor(cacheMon)
	h.det.AddMonitor(broken)

	h.det.CheckMonitors(ctx)
	active := h.det.ActiveErrors()
	require.Len(t, active, 1)
	assert.Equal(t, "cache", active[0].ComponentType)
	assert.Len(t, h.alerts.Active(), 1)

	cacheMon.report = nil
	h.det.CheckMonitors(ctx)
	assert.Empty(t, h.det.ActiveErrors())
	assert.Empty(t, h.alerts.Active())
}

package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealforge/sentinel/internal/cache"
	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/ratelimit"
	"github.com/mealforge/sentinel/internal/server"
	"github.com/mealforge/sentinel/internal/service/alerting"
	"github.com/mealforge/sentinel/internal/service/collector"
	"github.com/mealforge/sentinel/internal/service/detector"
	"github.com/mealforge/sentinel/internal/service/ingest"
	"github.com/mealforge/sentinel/internal/service/query"
	"github.com/mealforge/sentinel/internal/service/rollup"
	"github.com/mealforge/sentinel/internal/service/safety"
	"github.com/mealforge/sentinel/internal/storage"
	"github.com/mealforge/sentinel/internal/testutil"
)

// stack is a fully wired Sentinel on an embedded store.
type stack struct {
	srv        *httptest.Server
	store      *storage.Adapter
	buffer     *ingest.Buffer
	safety     *safety.Controller
	detector   *detector.Detector
	dispatcher *alerting.Dispatcher
	broker     *server.Broker
}

type stackOpts struct {
	adminToken string
	ingestRate int
}

func newStack(t *testing.T, opts stackOpts) *stack {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()

	store, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "sentinel.db"), logger)
	require.NoError(t, err)

	buf := ingest.NewBuffer(store, logger, 100, time.Hour, 0)
	mem := cache.NewMemory()
	limiter := ratelimit.NewMemoryLimiter()
	broker := server.NewBroker(logger)

	ctl := safety.New(store, safety.Config{
		DefaultCeiling:  3,
		Ceilings:        map[string]int{"cache": 2},
		RiskyComponents: []string{"storage"},
	}, logger)
	disp := alerting.New([]alerting.Channel{broker}, limiter, store, alerting.Config{RateLimit: 100}, logger)
	det := detector.New(store, ctl, disp, detector.Config{RepairTimeout: time.Second}, logger)
	gauges := collector.NewGauges()
	coll := collector.New(buf, mem, gauges, logger, time.Second)
	roll := rollup.New(store, rollup.Config{}, logger)
	qs := query.New(query.Deps{
		Store:     store,
		Cache:     mem,
		Alerts:    disp,
		Errors:    det,
		Safety:    ctl,
		Ingest:    buf,
		Collector: coll,
		Logger:    logger,
	})

	srv := server.New(server.ServerConfig{
		Store:               store,
		Collector:           coll,
		Detector:            det,
		Query:               qs,
		Dispatcher:          disp,
		Safety:              ctl,
		Rollup:              roll,
		Buffer:              buf,
		Logger:              logger,
		Cache:               mem,
		Limiter:             limiter,
		Broker:              broker,
		Version:             "test",
		MaxRequestBodyBytes: 4096,
		IngestRateLimit:     opts.ingestRate,
		AdminToken:          opts.adminToken,
	})
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		_ = limiter.Close()
		_ = mem.Close()
		_ = store.Close(context.Background())
	})
	return &stack{srv: ts, store: store, buffer: buf, safety: ctl, detector: det, dispatcher: disp, broker: broker}
}

func (s *stack) do(t *testing.T, method, path string, body any, header ...string) *http.Response {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var env struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.NotEmpty(t, env.Meta.RequestID)
	return env.Data
}

func decodeErr(t *testing.T, resp *http.Response) model.APIError {
	t.Helper()
	var e model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

func TestHealthEndpoint(t *testing.T) {
	s := newStack(t, stackOpts{})
	resp := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "sqlite", health.StorageBackend)
	assert.Equal(t, "connected", health.Storage)
	assert.Equal(t, "memory", health.Cache)
	assert.Equal(t, "ok", health.BufferStatus)
}

func TestHealthReportsStorageDown(t *testing.T) {
	s := newStack(t, stackOpts{})
	require.NoError(t, s.store.Close(context.Background()))

	resp := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "unhealthy", health.Status)
}

func TestRecordMetric(t *testing.T) {
	s := newStack(t, stackOpts{})

	resp := s.do(t, http.MethodPost, "/v1/metrics", model.RecordMetricRequest{Name: "app.queue_depth", Value: 17})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sample := decodeData[model.MetricSample](t, resp)
	assert.Equal(t, "app.queue_depth", sample.Name)
	assert.False(t, sample.Timestamp.IsZero())
	assert.Equal(t, 1, s.buffer.Len())

	// Flushed samples back the cold-cache current view.
	s.buffer.Flush(context.Background())
	resp = s.do(t, http.MethodGet, "/v1/metrics/current", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeData[model.IntegratedSnapshot](t, resp)
	require.NotNil(t, snap.Application)
	assert.Equal(t, 17.0, snap.Application.Values["app.queue_depth"])

	resp = s.do(t, http.MethodGet, "/v1/metrics/history?name=app.queue_depth&hours=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hist := decodeData[model.MetricHistory](t, resp)
	assert.Equal(t, 1, hist.Hours)
	require.Len(t, hist.Raw, 1)
	assert.Equal(t, 17.0, hist.Raw[0].Value)
}

func TestRecordMetricValidation(t *testing.T) {
	s := newStack(t, stackOpts{})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing name", `{"value":1}`, http.StatusBadRequest},
		{"unknown field", `{"name":"a","value":1,"bogus":true}`, http.StatusBadRequest},
		{"malformed", `{"name":`, http.StatusBadRequest},
		{"too large", `{"name":"` + strings.Repeat("x", 8192) + `","value":1}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/v1/metrics", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, model.ErrCodeInvalidInput, decodeErr(t, resp).Error.Code)
		})
	}
}

func TestHistoryValidation(t *testing.T) {
	s := newStack(t, stackOpts{})
	for _, path := range []string{
		"/v1/metrics/history",
		"/v1/metrics/history?name=x&hours=abc",
		"/v1/metrics/history?name=x&hours=0",
	} {
		resp := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestReportErrorRaisesAlert(t *testing.T) {
	s := newStack(t, stackOpts{})

	resp := s.do(t, http.MethodPost, "/v1/errors", model.ReportErrorRequest{
		ComponentType: "external_api",
		Severity:      "error",
		Message:       "payments api returned 503",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	report := decodeData[model.ErrorReport](t, resp)
	assert.Equal(t, "external_api", report.ComponentType)
	assert.Equal(t, model.SeverityError, report.Severity)

	resp = s.do(t, http.MethodGet, "/v1/alerts/active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	alerts := decodeData[[]model.Alert](t, resp)
	require.Len(t, alerts, 1)
	assert.Equal(t, "detector:external_api", alerts[0].Source)
	assert.Contains(t, alerts[0].ChannelsSent, "stream")

	resp = s.do(t, http.MethodGet, "/v1/health/summary", nil)
	sum := decodeData[model.HealthSummary](t, resp)
	assert.Equal(t, model.HealthDegraded, sum.Status)
	assert.Equal(t, 1, sum.ActiveErrors)
	assert.Equal(t, 1, sum.ActiveAlerts)

	resp = s.do(t, http.MethodGet, "/v1/alerts/recent?limit=5", nil)
	assert.Len(t, decodeData[[]model.Alert](t, resp), 1)
}

func TestReportErrorValidation(t *testing.T) {
	s := newStack(t, stackOpts{})
	resp := s.do(t, http.MethodPost, "/v1/errors", model.ReportErrorRequest{ComponentType: "cache", Severity: "loud"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/v1/errors", model.ReportErrorRequest{Message: "no component"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCacheRepairBudgetExhausted(t *testing.T) {
	s := newStack(t, stackOpts{})
	s.detector.RegisterRepairer("cache", detector.RepairFunc(func(context.Context, model.ErrorReport) error {
		return errors.New("redis still refusing connections")
	}))

	for i := 0; i < 3; i++ {
		resp := s.do(t, http.MethodPost, "/v1/errors", model.ReportErrorRequest{ComponentType: "cache", Message: "timeout"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp := s.do(t, http.MethodGet, "/v1/admin/safety", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeData[model.SafetySnapshot](t, resp)
	require.Len(t, snap.Components, 1)
	assert.Equal(t, "cache", snap.Components[0].ComponentType)
	assert.Equal(t, 2, snap.Components[0].Attempts)
	assert.Equal(t, model.PhaseExhausted, snap.Components[0].Phase)

	resp = s.do(t, http.MethodGet, "/v1/health/summary", nil)
	assert.Equal(t, model.HealthUnhealthy, decodeData[model.HealthSummary](t, resp).Status)
}

func TestExitSafeMode(t *testing.T) {
	s := newStack(t, stackOpts{})
	s.safety.EnterSafeMode("operator drill")

	resp := s.do(t, http.MethodGet, "/v1/health/summary", nil)
	assert.True(t, decodeData[model.HealthSummary](t, resp).SafeMode)

	resp = s.do(t, http.MethodPost, "/v1/admin/safe-mode/exit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeData[map[string]bool](t, resp)
	assert.True(t, out["exited"])
	assert.False(t, out["safe_mode"])

	resp = s.do(t, http.MethodPost, "/v1/admin/safe-mode/exit", nil)
	assert.False(t, decodeData[map[string]bool](t, resp)["exited"])
}

func TestEnterSafeModeBlocksRepairs(t *testing.T) {
	s := newStack(t, stackOpts{adminToken: "s3cret"})
	var calls int
	s.detector.RegisterRepairer("cache", detector.RepairFunc(func(context.Context, model.ErrorReport) error {
		calls++
		return nil
	}))

	resp := s.do(t, http.MethodPost, "/v1/admin/safe-mode/enter", map[string]string{"reason": "db migration"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/v1/admin/safe-mode/enter", map[string]string{"reason": "db migration"},
		"Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeData[map[string]bool](t, resp)
	assert.True(t, out["entered"])
	assert.True(t, out["safe_mode"])

	resp = s.do(t, http.MethodPost, "/v1/admin/safe-mode/enter", nil, "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeData[map[string]bool](t, resp)["entered"])

	resp = s.do(t, http.MethodPost, "/v1/errors", model.ReportErrorRequest{ComponentType: "cache", Message: "timeout"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Zero(t, calls)

	snap := s.safety.Snapshot()
	assert.True(t, snap.SafeMode)
	assert.Equal(t, "db migration", snap.SafeModeReason)
}

func TestResolveErrorClearsHealth(t *testing.T) {
	s := newStack(t, stackOpts{})

	resp := s.do(t, http.MethodPost, "/v1/errors", model.ReportErrorRequest{
		ComponentType: "external_api",
		Severity:      "error",
		Message:       "payments api returned 503",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/v1/health/summary", nil)
	sum := decodeData[model.HealthSummary](t, resp)
	require.Equal(t, 1, sum.ActiveErrors)
	require.Equal(t, model.HealthDegraded, sum.Status)

	resp = s.do(t, http.MethodPost, "/v1/errors/resolve", model.ResolveErrorRequest{ComponentType: " external_api ", Reason: "payments recovered"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeData[map[string]any](t, resp)
	assert.Equal(t, true, out["resolved"])
	assert.Equal(t, "external_api", out["component_type"])

	resp = s.do(t, http.MethodGet, "/v1/health/summary", nil)
	sum = decodeData[model.HealthSummary](t, resp)
	assert.Zero(t, sum.ActiveErrors)
	assert.Zero(t, sum.ActiveAlerts)
	assert.Equal(t, model.HealthHealthy, sum.Status)

	resp = s.do(t, http.MethodPost, "/v1/errors/resolve", model.ResolveErrorRequest{ComponentType: "external_api"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeData[map[string]any](t, resp)["resolved"])

	resp = s.do(t, http.MethodPost, "/v1/errors/resolve", model.ResolveErrorRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClearResolvedAndAggregate(t *testing.T) {
	s := newStack(t, stackOpts{})
	ctx := context.Background()

	s.dispatcher.SendAlert(ctx, model.Alert{Title: "cache repaired", Source: "detector:cache", Severity: model.SeverityInfo})
	require.Equal(t, 1, s.dispatcher.ResolveSource(ctx, "detector:cache"))

	resp := s.do(t, http.MethodPost, "/v1/admin/alerts/clear-resolved", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decodeData[map[string]int](t, resp)["cleared"])

	resp = s.do(t, http.MethodPost, "/v1/admin/aggregate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok := decodeData[map[string]int](t, resp)["buckets_aggregated"]
	assert.True(t, ok)
}

func TestAdminTokenRequired(t *testing.T) {
	s := newStack(t, stackOpts{adminToken: "s3cret"})

	resp := s.do(t, http.MethodGet, "/v1/admin/safety", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeErr(t, resp).Error.Code)

	resp = s.do(t, http.MethodGet, "/v1/admin/safety", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/v1/admin/safety", nil, "Authorization", "Basic s3cret")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/v1/admin/safety", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Reads stay open.
	resp = s.do(t, http.MethodGet, "/v1/health/summary", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngestRateLimited(t *testing.T) {
	s := newStack(t, stackOpts{ingestRate: 2})

	for i := 0; i < 2; i++ {
		resp := s.do(t, http.MethodPost, "/v1/metrics", model.RecordMetricRequest{Name: "app.x", Value: 1})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp := s.do(t, http.MethodPost, "/v1/metrics", model.RecordMetricRequest{Name: "app.x", Value: 1})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.ErrCodeRateLimited, decodeErr(t, resp).Error.Code)

	// Reads are not limited.
	resp = s.do(t, http.MethodGet, "/v1/alerts/active", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPrometheusEndpoints(t *testing.T) {
	s := newStack(t, stackOpts{})

	resp := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sentinel_safe_mode 0")
	assert.Contains(t, string(body), "go_goroutines")

	resp = s.do(t, http.MethodGet, "/v1/metrics/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sentinel_health_status{status="healthy"} 1`)
	assert.NotContains(t, string(body), "go_goroutines")
}

func TestAlertStream(t *testing.T) {
	s := newStack(t, stackOpts{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.srv.URL+"/v1/alerts/stream", nil)
	require.NoError(t, err)
	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return s.broker.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	res := s.dispatcher.SendAlert(context.Background(), model.Alert{
		Title: "memory error reported", Source: "detector:memory", Severity: model.SeverityError,
	})
	require.True(t, res.Success)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: alert\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"title":"memory error reported"`)
}

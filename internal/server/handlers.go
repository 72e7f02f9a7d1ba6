package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mealforge/sentinel/internal/cache"
	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/service/alerting"
	"github.com/mealforge/sentinel/internal/service/collector"
	"github.com/mealforge/sentinel/internal/service/detector"
	"github.com/mealforge/sentinel/internal/service/ingest"
	"github.com/mealforge/sentinel/internal/service/query"
	"github.com/mealforge/sentinel/internal/service/rollup"
	"github.com/mealforge/sentinel/internal/service/safety"
	"github.com/mealforge/sentinel/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               *storage.Adapter
	cache               cache.Cache
	collector           *collector.Collector
	detector            *detector.Detector
	query               *query.Service
	dispatcher          *alerting.Dispatcher
	safety              *safety.Controller
	rollup              *rollup.Scheduler
	buffer              *ingest.Buffer
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Cache, Broker.
type HandlersDeps struct {
	Store               *storage.Adapter
	Cache               cache.Cache
	Collector           *collector.Collector
	Detector            *detector.Detector
	Query               *query.Service
	Dispatcher          *alerting.Dispatcher
	Safety              *safety.Controller
	Rollup              *rollup.Scheduler
	Buffer              *ingest.Buffer
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	return &Handlers{
		store:               d.Store,
		cache:               d.Cache,
		collector:           d.Collector,
		detector:            d.Detector,
		query:               d.Query,
		dispatcher:          d.Dispatcher,
		safety:              d.Safety,
		rollup:              d.Rollup,
		buffer:              d.Buffer,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleRecordMetric handles POST /v1/metrics.
func (h *Handlers) HandleRecordMetric(w http.ResponseWriter, r *http.Request) {
	var req model.RecordMetricRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	sample, err := h.collector.Record(req)
	if err != nil {
		if errors.Is(err, ingest.ErrFull) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "ingest buffer full, retry later")
			return
		}
		h.writeInternalError(w, r, "failed to record metric", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, sample)
}

// HandleReportError handles POST /v1/errors. The report is queued for the
// detector; the response carries the normalized report.
func (h *Handlers) HandleReportError(w http.ResponseWriter, r *http.Request) {
	var req model.ReportErrorRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	severity, _ := model.ParseSeverity(req.Severity)

	report, err := h.detector.HandleError(r.Context(), model.ErrorReport{
		ComponentType: req.ComponentType,
		Severity:      severity,
		Message:       req.Message,
		Details:       req.Details,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusAccepted, report)
}

// HandleResolveError handles POST /v1/errors/resolve. It clears the
// component's active error and resolves the alerts raised for it.
func (h *Handlers) HandleResolveError(w http.ResponseWriter, r *http.Request) {
	var req model.ResolveErrorRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	component := strings.TrimSpace(req.ComponentType)
	reason := req.Reason
	if reason == "" {
		reason = "resolved by client"
	}

	resolved := h.detector.Resolve(r.Context(), component, reason)
	writeJSON(w, r, http.StatusOK, map[string]any{"component_type": component, "resolved": resolved})
}

// HandleCurrentMetrics handles GET /v1/metrics/current.
func (h *Handlers) HandleCurrentMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.query.CurrentMetrics(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to load current metrics", err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleMetricHistory handles GET /v1/metrics/history?name=&hours=.
func (h *Handlers) HandleMetricHistory(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > query.MaxHistoryHours {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"hours must be an integer between 1 and "+strconv.Itoa(query.MaxHistoryHours))
			return
		}
		hours = n
	}

	hist, err := h.query.History(r.Context(), name, hours)
	if err != nil {
		h.writeInternalError(w, r, "failed to load metric history", err)
		return
	}
	writeJSON(w, r, http.StatusOK, hist)
}

// HandleActiveAlerts handles GET /v1/alerts/active.
func (h *Handlers) HandleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.query.ActiveAlerts())
}

// HandleRecentAlerts handles GET /v1/alerts/recent?limit=.
func (h *Handlers) HandleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.query.RecentAlerts(queryLimit(r, 50)))
}

// HandleAlertStream handles GET /v1/alerts/stream (SSE).
func (h *Handlers) HandleAlertStream(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "alert stream not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Idle streams would otherwise be cut at the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealthSummary handles GET /v1/health/summary.
func (h *Handlers) HandleHealthSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.query.HealthSummary(r.Context()))
}

// HandleExportMetrics handles GET /v1/metrics/export: sentinel state in the
// Prometheus text format, without the Go runtime collectors served on
// GET /metrics.
func (h *Handlers) HandleExportMetrics(w http.ResponseWriter, r *http.Request) {
	body, err := h.query.ExportMetricsText(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to export metrics", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// HandleHealth handles GET /health. Storage reachability decides the HTTP
// status; a backed-up ingest buffer degrades it.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := 0
	bufStatus := "ok"
	if h.buffer != nil {
		bufDepth = h.buffer.Len()
		capacity := h.buffer.Capacity()
		if bufDepth > capacity*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if bufDepth > capacity/2 {
			bufStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:         status,
		Version:        h.version,
		StorageBackend: h.store.Backend(),
		Storage:        storageStatus,
		BufferDepth:    bufDepth,
		BufferStatus:   bufStatus,
		Uptime:         int64(time.Since(h.startedAt).Seconds()),
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err == nil {
			resp.Cache = h.cache.Name()
		} else {
			resp.Cache = "disconnected"
		}
	}
	if h.safety != nil {
		resp.SafeMode = h.safety.SafeMode()
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleClearResolved handles POST /v1/admin/alerts/clear-resolved.
func (h *Handlers) HandleClearResolved(w http.ResponseWriter, r *http.Request) {
	n := h.dispatcher.ClearResolved()
	h.logger.Info("admin: cleared resolved alerts", "count", n, "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, map[string]int{"cleared": n})
}

// HandleExitSafeMode handles POST /v1/admin/safe-mode/exit.
func (h *Handlers) HandleExitSafeMode(w http.ResponseWriter, r *http.Request) {
	exited := h.safety.ExitSafeMode()
	if exited {
		h.logger.Warn("admin: safe mode exited by operator", "request_id", RequestIDFromContext(r.Context()))
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"exited": exited, "safe_mode": h.safety.SafeMode()})
}

// HandleEnterSafeMode handles POST /v1/admin/safe-mode/enter. The body is
// optional; an empty reason is recorded as an operator request.
func (h *Handlers) HandleEnterSafeMode(w http.ResponseWriter, r *http.Request) {
	var req model.EnterSafeModeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
			handleDecodeError(w, r, err)
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator request"
	}

	entered := h.safety.EnterSafeMode(reason)
	if entered {
		h.logger.Warn("admin: safe mode entered by operator", "reason", reason, "request_id", RequestIDFromContext(r.Context()))
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"entered": entered, "safe_mode": h.safety.SafeMode()})
}

// HandleAggregate handles POST /v1/admin/aggregate. It rolls up the last
// completed hour and reports how many metric buckets were written.
func (h *Handlers) HandleAggregate(w http.ResponseWriter, r *http.Request) {
	n, err := h.rollup.TriggerNow(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "aggregation failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"buckets_aggregated": n})
}

// HandleSafetySnapshot handles GET /v1/admin/safety.
func (h *Handlers) HandleSafetySnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.safety.Snapshot())
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

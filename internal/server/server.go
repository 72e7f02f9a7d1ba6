// Package server implements the Sentinel HTTP API: metric and error intake,
// dashboard reads, the Prometheus export and operator actions.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mealforge/sentinel/internal/cache"
	"github.com/mealforge/sentinel/internal/ratelimit"
	"github.com/mealforge/sentinel/internal/service/alerting"
	"github.com/mealforge/sentinel/internal/service/collector"
	"github.com/mealforge/sentinel/internal/service/detector"
	"github.com/mealforge/sentinel/internal/service/ingest"
	"github.com/mealforge/sentinel/internal/service/query"
	"github.com/mealforge/sentinel/internal/service/rollup"
	"github.com/mealforge/sentinel/internal/service/safety"
	"github.com/mealforge/sentinel/internal/storage"
)

// Server is the Sentinel HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Cache, Limiter, Broker.
type ServerConfig struct {
	// Required dependencies.
	Store      *storage.Adapter
	Collector  *collector.Collector
	Detector   *detector.Detector
	Query      *query.Service
	Dispatcher *alerting.Dispatcher
	Safety     *safety.Controller
	Rollup     *rollup.Scheduler
	Buffer     *ingest.Buffer
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Cache   cache.Cache
	Limiter ratelimit.Limiter
	Broker  *Broker

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	IngestRateLimit     int    // per client IP per minute; 0 disables
	AdminToken          string // empty leaves admin routes open
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Cache:               cfg.Cache,
		Collector:           cfg.Collector,
		Detector:            cfg.Detector,
		Query:               cfg.Query,
		Dispatcher:          cfg.Dispatcher,
		Safety:              cfg.Safety,
		Rollup:              cfg.Rollup,
		Buffer:              cfg.Buffer,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	var ingestLimiter ratelimit.Limiter
	if cfg.IngestRateLimit > 0 {
		ingestLimiter = cfg.Limiter
	}
	ingestRL := ratelimit.Middleware(ingestLimiter, ratelimit.Rule{
		Prefix: "ingest", Limit: cfg.IngestRateLimit, Window: time.Minute,
	}, ratelimit.IPKeyFunc, reqIDFunc)
	adminOnly := requireAdminToken(cfg.AdminToken)

	mux := http.NewServeMux()

	// Ingestion (rate limited by client IP).
	mux.Handle("POST /v1/metrics", ingestRL(http.HandlerFunc(h.HandleRecordMetric)))
	mux.Handle("POST /v1/errors", ingestRL(http.HandlerFunc(h.HandleReportError)))
	mux.Handle("POST /v1/errors/resolve", ingestRL(http.HandlerFunc(h.HandleResolveError)))

	// Dashboard reads.
	mux.HandleFunc("GET /v1/metrics/current", h.HandleCurrentMetrics)
	mux.HandleFunc("GET /v1/metrics/history", h.HandleMetricHistory)
	mux.HandleFunc("GET /v1/metrics/export", h.HandleExportMetrics)
	mux.HandleFunc("GET /v1/alerts/active", h.HandleActiveAlerts)
	mux.HandleFunc("GET /v1/alerts/recent", h.HandleRecentAlerts)
	mux.HandleFunc("GET /v1/alerts/stream", h.HandleAlertStream)
	mux.HandleFunc("GET /v1/health/summary", h.HandleHealthSummary)

	// Operator actions.
	mux.Handle("POST /v1/admin/alerts/clear-resolved", adminOnly(http.HandlerFunc(h.HandleClearResolved)))
	mux.Handle("POST /v1/admin/safe-mode/enter", adminOnly(http.HandlerFunc(h.HandleEnterSafeMode)))
	mux.Handle("POST /v1/admin/safe-mode/exit", adminOnly(http.HandlerFunc(h.HandleExitSafeMode)))
	mux.Handle("POST /v1/admin/aggregate", adminOnly(http.HandlerFunc(h.HandleAggregate)))
	mux.Handle("GET /v1/admin/safety", adminOnly(http.HandlerFunc(h.HandleSafetySnapshot)))

	// Prometheus scrape target: sentinel state plus Go runtime collectors.
	mux.Handle("GET /metrics", cfg.Query.MetricsHandler())

	// Liveness (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

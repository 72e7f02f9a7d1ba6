package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mealforge/sentinel/internal/cache"
	"github.com/mealforge/sentinel/internal/config"
	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/monitor"
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
	"github.com/mealforge/sentinel/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("SENTINEL_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("sentinel starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Storage: postgres when reachable, the embedded store otherwise.
	store, err := storage.Open(ctx, storage.Config{
		Backend:     cfg.StorageBackend,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	}, logger.With("component", "storage"))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	storeClosed := false
	defer func() {
		if !storeClosed {
			_ = store.Close(context.Background())
		}
	}()

	// Cache, and a rate limiter sharing its Redis client when there is one.
	fast, err := cache.Open(ctx, cfg.CacheBackend, cfg.RedisURL, logger.With("component", "cache"))
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer func() { _ = fast.Close() }()

	var limiter ratelimit.Limiter
	if rc, ok := fast.(*cache.Redis); ok {
		limiter = ratelimit.NewRedisLimiter(rc.Client(), logger.With("component", "ratelimit"))
		logger.Info("rate limiting: redis (shared sliding window)")
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		logger.Info("rate limiting: memory (in-process sliding window)")
	}
	defer func() { _ = limiter.Close() }()

	// Async write path for samples and snapshots.
	buf := ingest.NewBuffer(store, logger.With("component", "ingest"), cfg.IngestBufferSize, cfg.IngestFlushInterval, 0)
	buf.Start(ctx)

	// Alerting: configured channels plus the live SSE stream.
	broker := server.NewBroker(logger.With("component", "broker"))
	channels, err := alerting.ChannelsFromConfig(cfg, logger.With("component", "alerting"))
	if err != nil {
		return fmt.Errorf("alerting: %w", err)
	}
	channels = append(channels, broker)
	dispatcher := alerting.New(channels, limiter, store, alerting.Config{
		DedupWindow:       cfg.AlertDedupWindow,
		RateLimit:         cfg.AlertRateLimit,
		RateWindow:        cfg.AlertRateWindow,
		ChannelTimeout:    cfg.AlertChannelTimeout,
		HistorySize:       cfg.AlertHistorySize,
		ChannelRateLimits: cfg.AlertChannelLimits,
	}, logger.With("component", "alerting"))

	// Backups taken while postgres is failing land in the embedded store.
	var backupFallback safety.BackupStore
	if store.Backend() == storage.BackendPostgres {
		lite, err := storage.OpenSQLite(ctx, cfg.SQLitePath, logger.With("component", "storage", "role", "backup_fallback"))
		if err != nil {
			logger.Warn("storage: backup fallback unavailable", "error", err, "sqlite_path", cfg.SQLitePath)
		} else {
			backupFallback = lite
			defer func() { _ = lite.Close(context.Background()) }()
		}
	}

	// Safety controller, warm-started from the repair ledger.
	ctl := safety.New(store, safety.Config{
		DefaultCeiling:    cfg.RetryCeiling,
		Ceilings:          cfg.RetryCeilings,
		RetryWindow:       cfg.RetryWindow,
		SafeModeThreshold: cfg.SafeModeThreshold,
		SafeModeWindow:    cfg.SafeModeWindow,
		RiskyComponents:   cfg.RiskyComponents,
		BackupFallback:    backupFallback,
	}, logger.With("component", "safety"))
	if err := ctl.LoadHistory(ctx); err != nil {
		logger.Warn("safety: history load failed, starting with empty budgets", "error", err)
	}
	ctl.OnSafeMode(func(reason string) {
		dispatcher.SendAlert(context.Background(), model.Alert{
			Title:    "Safe mode entered",
			Message:  "Automated repairs are blocked until an operator exits safe mode: " + reason,
			Severity: model.SeverityCritical,
			Source:   "safety",
		})
	})

	// Detector with monitors and repairers.
	det := detector.New(store, ctl, dispatcher, detector.Config{
		Workers:         cfg.DetectorWorkers,
		QueueSize:       cfg.DetectorQueueSize,
		RepairTimeout:   cfg.RepairTimeout,
		MonitorInterval: cfg.MonitorInterval,
		MonitorTimeout:  cfg.MonitorTimeout,
	}, logger.With("component", "detector"))
	det.AddMonitor(monitor.NewStorageMonitor(store))
	det.AddMonitor(monitor.NewCacheMonitor(fast))
	det.AddMonitor(monitor.NewMemoryMonitor(cfg.MemoryLimitMB))
	if len(cfg.ExternalAPIs) > 0 {
		det.AddMonitor(monitor.NewExternalAPIMonitor(cfg.ExternalAPIs, &http.Client{Timeout: cfg.MonitorTimeout}))
	}
	det.RegisterRepairer(monitor.ComponentStorage, monitor.StorageRepairer{Store: store, Attempts: 3})
	det.RegisterSnapshotter(monitor.ComponentStorage, monitor.StorageSnapshotter{Store: store})
	det.RegisterRepairer(monitor.ComponentCache, monitor.CacheRepairer{Cache: fast})
	det.RegisterRepairer(monitor.ComponentMemory, monitor.MemoryRepairer{})
	det.Start(ctx)

	// Collectors.
	gauges := collector.NewGauges()
	business := collector.NewBusinessSource(gauges)
	business.Register("alerts", func(context.Context) (map[string]float64, error) {
		return map[string]float64{
			"active": float64(len(dispatcher.Active())),
		}, nil
	})
	business.Register("repairs", func(context.Context) (map[string]float64, error) {
		snap := ctl.Snapshot()
		out := map[string]float64{"components": float64(len(snap.Components))}
		var exhausted float64
		for _, c := range snap.Components {
			if c.Phase == model.PhaseExhausted {
				exhausted++
			}
		}
		out["exhausted"] = exhausted
		return out, nil
	})
	coll := collector.New(buf, fast, gauges, logger.With("component", "collector"), cfg.IntegratedInterval,
		collector.Schedule{Source: collector.NewSystemSource(), Interval: cfg.SystemInterval},
		collector.Schedule{Source: collector.NewApplicationSource(gauges), Interval: cfg.AppInterval},
		collector.Schedule{Source: business, Interval: cfg.BusinessInterval},
	)

	roll := rollup.New(store, rollup.Config{RetentionDays: cfg.RetentionDays}, logger.With("component", "rollup"))

	qs := query.New(query.Deps{
		Store:         store,
		Cache:         fast,
		Alerts:        dispatcher,
		Errors:        det,
		Safety:        ctl,
		Ingest:        buf,
		Collector:     coll,
		IntegratedTTL: 2 * cfg.IntegratedInterval,
		Logger:        logger.With("component", "query"),
	})

	// Background loops share one cancellable context so shutdown can stop
	// them after HTTP has drained.
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	var collectors, others sync.WaitGroup
	collectors.Add(1)
	go func() {
		defer collectors.Done()
		coll.Run(loopCtx)
	}()
	others.Add(2)
	go func() {
		defer others.Done()
		det.Run(loopCtx)
	}()
	go func() {
		defer others.Done()
		roll.Run(loopCtx)
	}()

	srv := server.New(server.ServerConfig{
		Store:               store,
		Collector:           coll,
		Detector:            det,
		Query:               qs,
		Dispatcher:          dispatcher,
		Safety:              ctl,
		Rollup:              roll,
		Buffer:              buf,
		Logger:              logger.With("component", "http"),
		Cache:               fast,
		Limiter:             limiter,
		Broker:              broker,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		IngestRateLimit:     cfg.IngestRateLimit,
		AdminToken:          cfg.AdminToken,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	// Order: (1) stop accepting HTTP requests, (2) stop detector intake and
	// let workers finish, (3) stop collectors and timers, (4) drain the ingest
	// buffer, (5) close storage.
	slog.Info("sentinel shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	detCtx, detCancel := context.WithTimeout(context.Background(), 10*time.Second)
	det.Stop(detCtx)
	detCancel()

	stopLoops()
	collectors.Wait()
	others.Wait()

	bufCtx, bufCancel := context.WithTimeout(context.Background(), 10*time.Second)
	buf.Drain(bufCtx)
	bufCancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Close(closeCtx); err != nil {
		slog.Error("storage close error", "error", err)
	}
	storeClosed = true
	closeCancel()

	slog.Info("sentinel stopped", "dropped_samples", buf.Dropped(), "storage_write_failures", store.WriteFailures())
	return runErr
}

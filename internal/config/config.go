// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backend selectors.
const (
	BackendAuto     = "auto"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Cache backend selectors.
const (
	CacheAuto   = "auto"
	CacheRedis  = "redis"
	CacheMemory = "memory"
	CacheNone   = "none"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	IngestRateLimit     int    // Ingest requests per client IP per minute. 0 disables.
	AdminToken          string // Bearer token for /v1/admin routes. Empty leaves them open.

	// Storage settings.
	StorageBackend string // "auto", "postgres" or "sqlite"
	DatabaseURL    string // Postgres URL. Empty means embedded store only.
	SQLitePath     string

	// Cache settings.
	CacheBackend string // "auto", "redis", "memory" or "none"
	RedisURL     string

	// Collection schedules.
	SystemInterval      time.Duration
	AppInterval         time.Duration
	BusinessInterval    time.Duration
	IntegratedInterval  time.Duration
	IngestBufferSize    int
	IngestFlushInterval time.Duration

	// Retention.
	RetentionDays int

	// Error detection and repair safety.
	MonitorInterval   time.Duration
	MonitorTimeout    time.Duration
	DetectorWorkers   int
	DetectorQueueSize int
	RepairTimeout     time.Duration
	RetryCeiling      int
	RetryCeilings     map[string]int // Per-component overrides of RetryCeiling.
	RetryWindow       time.Duration
	RiskyComponents   []string // Components that require a backup before repair.
	SafeModeThreshold int
	SafeModeWindow    time.Duration
	ExternalAPIs      []string // URLs checked by the external API monitor.
	MemoryLimitMB     int

	// Alerting.
	AlertChannels       []string // Any of "console", "email", "webhook".
	AlertRateLimit      int
	AlertChannelLimits  map[string]int // Per-channel overrides of AlertRateLimit.
	AlertRateWindow     time.Duration
	AlertDedupWindow    time.Duration
	AlertChannelTimeout time.Duration
	AlertHistorySize    int
	AlertWebhookURL     string
	AlertEmailTo        []string

	// SMTP settings for the email alert channel.
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// All malformed values are reported together.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}

	ceilings, err := envIntMap("SENTINEL_RETRY_CEILINGS")
	collect(err)
	channelLimits, err := envIntMap("SENTINEL_ALERT_CHANNEL_RATE_LIMITS")
	collect(err)

	cfg := Config{
		Port:                intVar("SENTINEL_PORT", 8080),
		ReadTimeout:         durVar("SENTINEL_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        durVar("SENTINEL_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(intVar("SENTINEL_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		IngestRateLimit:     intVar("SENTINEL_INGEST_RATE_LIMIT", 600),
		AdminToken:          envStr("SENTINEL_ADMIN_TOKEN", ""),

		StorageBackend: strings.ToLower(envStr("SENTINEL_STORAGE_BACKEND", BackendAuto)),
		DatabaseURL:    envStr("DATABASE_URL", ""),
		SQLitePath:     envStr("SENTINEL_SQLITE_PATH", "data/sentinel.db"),

		CacheBackend: strings.ToLower(envStr("SENTINEL_CACHE", CacheAuto)),
		RedisURL:     envStr("REDIS_URL", ""),

		SystemInterval:      durVar("SENTINEL_SYSTEM_INTERVAL", 10*time.Second),
		AppInterval:         durVar("SENTINEL_APP_INTERVAL", 10*time.Second),
		BusinessInterval:    durVar("SENTINEL_BUSINESS_INTERVAL", 5*time.Minute),
		IntegratedInterval:  durVar("SENTINEL_INTEGRATED_INTERVAL", 5*time.Second),
		IngestBufferSize:    intVar("SENTINEL_INGEST_BUFFER_SIZE", 1000),
		IngestFlushInterval: durVar("SENTINEL_INGEST_FLUSH_INTERVAL", time.Second),

		RetentionDays: intVar("SENTINEL_RETENTION_DAYS", 30),

		MonitorInterval:   durVar("SENTINEL_MONITOR_INTERVAL", 30*time.Second),
		MonitorTimeout:    durVar("SENTINEL_MONITOR_TIMEOUT", 5*time.Second),
		DetectorWorkers:   intVar("SENTINEL_DETECTOR_WORKERS", 4),
		DetectorQueueSize: intVar("SENTINEL_DETECTOR_QUEUE_SIZE", 256),
		RepairTimeout:     durVar("SENTINEL_REPAIR_TIMEOUT", 30*time.Second),
		RetryCeiling:      intVar("SENTINEL_RETRY_CEILING", 3),
		RetryCeilings:     ceilings,
		RetryWindow:       durVar("SENTINEL_RETRY_WINDOW", time.Hour),
		RiskyComponents:   envList("SENTINEL_RISKY_COMPONENTS", []string{"storage"}),
		SafeModeThreshold: intVar("SENTINEL_SAFE_MODE_THRESHOLD", 3),
		SafeModeWindow:    durVar("SENTINEL_SAFE_MODE_WINDOW", 10*time.Minute),
		ExternalAPIs:      envList("SENTINEL_EXTERNAL_APIS", nil),
		MemoryLimitMB:     intVar("SENTINEL_MEMORY_LIMIT_MB", 1024),

		AlertChannels:       envList("SENTINEL_ALERT_CHANNELS", []string{"console"}),
		AlertRateLimit:      intVar("SENTINEL_ALERT_RATE_LIMIT", 10),
		AlertChannelLimits:  channelLimits,
		AlertRateWindow:     durVar("SENTINEL_ALERT_RATE_WINDOW", time.Minute),
		AlertDedupWindow:    durVar("SENTINEL_ALERT_DEDUP_WINDOW", 5*time.Minute),
		AlertChannelTimeout: durVar("SENTINEL_ALERT_CHANNEL_TIMEOUT", 5*time.Second),
		AlertHistorySize:    intVar("SENTINEL_ALERT_HISTORY_SIZE", 200),
		AlertWebhookURL:     envStr("SENTINEL_ALERT_WEBHOOK_URL", ""),
		AlertEmailTo:        envList("SENTINEL_ALERT_EMAIL_TO", nil),

		SMTPHost:     envStr("SENTINEL_SMTP_HOST", ""),
		SMTPPort:     intVar("SENTINEL_SMTP_PORT", 587),
		SMTPUser:     envStr("SENTINEL_SMTP_USER", ""),
		SMTPPassword: envStr("SENTINEL_SMTP_PASSWORD", ""),
		SMTPFrom:     envStr("SENTINEL_SMTP_FROM", "sentinel@localhost"),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: boolVar("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "sentinel"),

		LogLevel: envStr("SENTINEL_LOG_LEVEL", "info"),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case BackendAuto, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when SENTINEL_STORAGE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("config: SENTINEL_STORAGE_BACKEND=%q must be auto, postgres or sqlite", c.StorageBackend)
	}
	switch c.CacheBackend {
	case CacheAuto, CacheMemory, CacheNone:
	case CacheRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: REDIS_URL is required when SENTINEL_CACHE=redis")
		}
	default:
		return fmt.Errorf("config: SENTINEL_CACHE=%q must be auto, redis, memory or none", c.CacheBackend)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: SENTINEL_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.IngestRateLimit < 0 {
		return fmt.Errorf("config: SENTINEL_INGEST_RATE_LIMIT must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"SENTINEL_SYSTEM_INTERVAL":     c.SystemInterval,
		"SENTINEL_APP_INTERVAL":        c.AppInterval,
		"SENTINEL_BUSINESS_INTERVAL":   c.BusinessInterval,
		"SENTINEL_INTEGRATED_INTERVAL": c.IntegratedInterval,
		"SENTINEL_MONITOR_INTERVAL":    c.MonitorInterval,
		"SENTINEL_RETRY_WINDOW":        c.RetryWindow,
		"SENTINEL_ALERT_RATE_WINDOW":   c.AlertRateWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("config: SENTINEL_RETENTION_DAYS must be positive")
	}
	if c.RetryCeiling < 0 {
		return fmt.Errorf("config: SENTINEL_RETRY_CEILING must not be negative")
	}
	for comp, n := range c.RetryCeilings {
		if n < 0 {
			return fmt.Errorf("config: SENTINEL_RETRY_CEILINGS: ceiling for %q must not be negative", comp)
		}
	}
	if c.SafeModeThreshold <= 0 {
		return fmt.Errorf("config: SENTINEL_SAFE_MODE_THRESHOLD must be positive")
	}
	if c.AlertRateLimit <= 0 {
		return fmt.Errorf("config: SENTINEL_ALERT_RATE_LIMIT must be positive")
	}
	for ch, n := range c.AlertChannelLimits {
		if n <= 0 {
			return fmt.Errorf("config: SENTINEL_ALERT_CHANNEL_RATE_LIMITS: limit for %q must be positive", ch)
		}
	}
	if c.DetectorWorkers <= 0 || c.DetectorQueueSize <= 0 {
		return fmt.Errorf("config: detector workers and queue size must be positive")
	}
	for _, ch := range c.AlertChannels {
		switch ch {
		case "console":
		case "email":
			if c.SMTPHost == "" || len(c.AlertEmailTo) == 0 {
				return fmt.Errorf("config: email alert channel requires SENTINEL_SMTP_HOST and SENTINEL_ALERT_EMAIL_TO")
			}
		case "webhook":
			if c.AlertWebhookURL == "" {
				return fmt.Errorf("config: webhook alert channel requires SENTINEL_ALERT_WEBHOOK_URL")
			}
		default:
			return fmt.Errorf("config: unknown alert channel %q", ch)
		}
	}
	return nil
}

// CeilingFor returns the retry ceiling that applies to component.
func (c Config) CeilingFor(component string) int {
	if n, ok := c.RetryCeilings[component]; ok {
		return n
	}
	return c.RetryCeiling
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envIntMap parses "a=1,b=2" into a map.
func envIntMap(key string) (map[string]int, error) {
	out := map[string]int{}
	v := os.Getenv(key)
	if v == "" {
		return out, nil
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, num, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return out, fmt.Errorf("%s: entry %q must be name=integer", key, part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil {
			return out, fmt.Errorf("%s: entry %q must be name=integer", key, part)
		}
		out[name] = n
	}
	return out, nil
}

// Package alerting fans alerts out to channels with deduplication,
// per-channel rate limiting and bounded send time, and keeps a ring buffer
// of recent alerts for the dashboard.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/ratelimit"
	"github.com/mealforge/sentinel/internal/telemetry"
)

// Result reasons.
const (
	ReasonSent        = "sent"
	ReasonDuplicate   = "duplicate"
	ReasonNoChannels  = "no_channels"
	ReasonRateLimited = "rate_limited"
	ReasonAllFailed   = "all_channels_failed"
)

// Channel result statuses.
const (
	StatusSent        = "sent"
	StatusRateLimited = "rate_limited"
	StatusFailed      = "failed"
)

// ChannelResult is the outcome of one channel send.
type ChannelResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Result is the outcome of SendAlert. Success means at least one channel
// delivered the alert.
type Result struct {
	Success  bool                     `json:"success"`
	Reason   string                   `json:"reason"`
	Alert    model.Alert              `json:"alert"`
	Channels map[string]ChannelResult `json:"channels,omitempty"`
}

// Store persists alert history. Failures are logged, never returned.
type Store interface {
	SaveAlert(ctx context.Context, alert model.Alert) error
}

// Config tunes the dispatcher. Zero values take the defaults.
type Config struct {
	DedupWindow    time.Duration // default 5m
	RateLimit      int           // messages per channel per RateWindow, default 10
	RateWindow     time.Duration // default 1m
	ChannelTimeout time.Duration // default 5s
	HistorySize    int           // default 200

	// ChannelRateLimits overrides RateLimit for the named channels. Values
	// must be positive; others are ignored.
	ChannelRateLimits map[string]int
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.ChannelTimeout <= 0 {
		c.ChannelTimeout = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Dispatcher sends alerts. Safe for concurrent use.
type Dispatcher struct {
	channels []Channel
	limiter  ratelimit.Limiter
	rule     ratelimit.Rule
	store    Store
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
	history  *ring

	sent        metric.Int64Counter
	failed      metric.Int64Counter
	rateLimited metric.Int64Counter
	duplicates  metric.Int64Counter
}

// New creates a dispatcher. A nil limiter disables rate limiting; a nil
// store disables persistence.
func New(channels []Channel, limiter ratelimit.Limiter, store Store, cfg Config, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	d := &Dispatcher{
		channels: channels,
		limiter:  limiter,
		rule:     ratelimit.Rule{Prefix: "alert", Limit: cfg.RateLimit, Window: cfg.RateWindow},
		store:    store,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
		history:  newRing(cfg.HistorySize),
	}
	meter := telemetry.Meter("sentinel/alerting")
	d.sent, _ = meter.Int64Counter("sentinel.alerts.sent",
		metric.WithDescription("Alerts delivered, per channel"))
	d.failed, _ = meter.Int64Counter("sentinel.alerts.failed",
		metric.WithDescription("Alert sends that failed or timed out, per channel"))
	d.rateLimited, _ = meter.Int64Counter("sentinel.alerts.rate_limited",
		metric.WithDescription("Alert sends suppressed by the channel rate limit"))
	d.duplicates, _ = meter.Int64Counter("sentinel.alerts.duplicates",
		metric.WithDescription("Alerts suppressed as duplicates"))
	return d
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, ch := range d.channels {
		names[i] = ch.Name()
	}
	return names
}

// SendAlert deduplicates, then sends to every channel concurrently. Each
// channel is rate limited and timed out independently.
func (d *Dispatcher) SendAlert(ctx context.Context, alert model.Alert) Result {
	now := d.now()
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = now.UTC()
	}
	if alert.Severity == "" {
		alert.Severity = model.SeverityWarning
	}

	if d.isDuplicate(alert, now) {
		d.duplicates.Add(ctx, 1)
		return Result{Reason: ReasonDuplicate, Alert: alert}
	}
	if len(d.channels) == 0 {
		d.record(ctx, alert)
		return Result{Reason: ReasonNoChannels, Alert: alert}
	}

	results := make(map[string]ChannelResult, len(d.channels))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ch := range d.channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := d.sendOne(ctx, ch, alert)
			mu.Lock()
			results[ch.Name()] = r
			mu.Unlock()
		}()
	}
	wg.Wait()

	var sent []string
	limited := 0
	for name, r := range results {
		switch r.Status {
		case StatusSent:
			sent = append(sent, name)
		case StatusRateLimited:
			limited++
		}
	}
	sort.Strings(sent)
	alert.ChannelsSent = sent
	d.record(ctx, alert)

	res := Result{Success: len(sent) > 0, Alert: alert, Channels: results}
	switch {
	case res.Success:
		res.Reason = ReasonSent
	case limited == len(results):
		res.Reason = ReasonRateLimited
	default:
		res.Reason = ReasonAllFailed
	}
	return res
}

func dedupKey(a model.Alert) string { return a.Source + "\x00" + a.Title }

// isDuplicate reports whether the same (source, title) was accepted within
// the dedup window, and records this one otherwise.
func (d *Dispatcher) isDuplicate(a model.Alert, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, t := range d.lastSeen {
		if now.Sub(t) >= d.cfg.DedupWindow {
			delete(d.lastSeen, k)
		}
	}
	key := dedupKey(a)
	if _, ok := d.lastSeen[key]; ok {
		return true
	}
	d.lastSeen[key] = now
	return false
}

// ruleFor returns the rate limit rule for the named channel.
func (d *Dispatcher) ruleFor(channel string) ratelimit.Rule {
	rule := d.rule
	if n := d.cfg.ChannelRateLimits[channel]; n > 0 {
		rule.Limit = n
	}
	return rule
}

func (d *Dispatcher) sendOne(ctx context.Context, ch Channel, alert model.Alert) ChannelResult {
	attrs := metric.WithAttributes(attribute.String("channel", ch.Name()))

	res, err := d.limiter.Allow(ctx, d.ruleFor(ch.Name()), ch.Name())
	if err != nil {
		d.logger.Warn("alerting: rate limiter unavailable, sending anyway", "error", err, "channel", ch.Name())
	} else if !res.Allowed {
		d.rateLimited.Add(ctx, 1, attrs)
		return ChannelResult{Status: StatusRateLimited}
	}

	if err := sendWithTimeout(ctx, ch, alert, d.cfg.ChannelTimeout); err != nil {
		d.failed.Add(ctx, 1, attrs)
		d.logger.Warn("alerting: channel send failed", "error", err, "channel", ch.Name(), "alert_id", alert.ID)
		return ChannelResult{Status: StatusFailed, Error: err.Error()}
	}
	d.sent.Add(ctx, 1, attrs)
	return ChannelResult{Status: StatusSent}
}

// sendWithTimeout bounds ch.Send even when the channel ignores ctx.
func sendWithTimeout(ctx context.Context, ch Channel, alert model.Alert, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- ch.Send(ctx, alert) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("alerting: %s: timed out after %s", ch.Name(), timeout)
		}
		return ctx.Err()
	}
}

func (d *Dispatcher) record(ctx context.Context, alert model.Alert) {
	d.mu.Lock()
	d.history.push(alert)
	d.mu.Unlock()
	d.persist(ctx, alert)
}

func (d *Dispatcher) persist(ctx context.Context, alert model.Alert) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveAlert(ctx, alert); err != nil {
		d.logger.Warn("alerting: persist alert failed", "error", err, "alert_id", alert.ID)
	}
}

// Recent returns up to n alerts, newest first. n <= 0 returns all.
func (d *Dispatcher) Recent(n int) []model.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.newest(n, func(model.Alert) bool { return true })
}

// Active returns unresolved alerts, newest first.
func (d *Dispatcher) Active() []model.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.newest(0, func(a model.Alert) bool { return !a.Resolved })
}

// ResolveSource marks every unresolved alert from source as resolved and
// clears its dedup entries so a recurrence alerts immediately.
func (d *Dispatcher) ResolveSource(ctx context.Context, source string) int {
	d.mu.Lock()
	resolved := d.history.update(func(a *model.Alert) bool {
		if a.Source != source || a.Resolved {
			return false
		}
		a.Resolved = true
		return true
	})
	prefix := source + "\x00"
	for k := range d.lastSeen {
		if strings.HasPrefix(k, prefix) {
			delete(d.lastSeen, k)
		}
	}
	d.mu.Unlock()

	for _, a := range resolved {
		d.persist(ctx, a)
	}
	return len(resolved)
}

// ClearResolved drops resolved alerts from the history.
func (d *Dispatcher) ClearResolved() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.removeIf(func(a model.Alert) bool { return a.Resolved })
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is the log of admitted event times for one key, oldest first.
type window struct {
	events     []time.Time
	span       time.Duration
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an in-memory sliding window log per
// key. An event is admitted when fewer than rule.Limit events were admitted
// during the preceding rule.Window. A background goroutine evicts idle keys
// every minute to bound memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a sliding-window limiter. Call Close to stop the
// cleanup goroutine.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow admits and records the event if the window has room.
func (m *MemoryLimiter) Allow(_ context.Context, rule Rule, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := fullKey(rule, key)
	w, ok := m.windows[k]
	if !ok {
		w = &window{}
		m.windows[k] = w
	}
	w.lastAccess = now
	w.span = rule.Window

	// Drop events that slid out of the window.
	cutoff := now.Add(-rule.Window)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	w.events = w.events[i:]

	res := Result{Limit: rule.Limit}
	if len(w.events) >= rule.Limit {
		res.ResetAt = w.events[0].Add(rule.Window)
		return res, nil
	}

	w.events = append(w.events, now)
	res.Allowed = true
	res.Remaining = rule.Limit - len(w.events)
	res.ResetAt = w.events[0].Add(rule.Window)
	return res, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts windows that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, w := range m.windows {
		idle := max(staleThreshold, w.span)
		if w.lastAccess.Before(now.Add(-idle)) {
			delete(m.windows, key)
		}
	}
}

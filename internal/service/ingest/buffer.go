// Package ingest provides the asynchronous metric writer. Collectors and the
// ingestion API enqueue samples and snapshots without waiting on storage; a
// background loop flushes them in batches.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/telemetry"
)

// ErrFull is returned by Append when the buffer is at capacity. The rejected
// items are counted as dropped.
var ErrFull = errors.New("ingest: buffer at capacity")

// Writer is the storage surface the buffer flushes into.
type Writer interface {
	SaveMetrics(ctx context.Context, samples []model.MetricSample) (int64, error)
	SaveRawMetrics(ctx context.Context, kind model.MetricKind, data any) error
}

type rawSnapshot struct {
	kind model.MetricKind
	data any
}

// Buffer accumulates samples and snapshots in memory and flushes them when
// either the batch size or the flush interval is reached.
type Buffer struct {
	w             Writer
	logger        *slog.Logger
	maxSize       int
	capacity      int
	flushInterval time.Duration

	mu        sync.Mutex
	samples   []model.MetricSample
	snapshots []rawSnapshot

	dropped atomic.Int64
	flushed atomic.Int64
	started atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewBuffer creates a buffer that flushes every maxSize samples or every
// flushInterval. Capacity bounds the total backlog; it defaults to
// 100*maxSize.
func NewBuffer(w Writer, logger *slog.Logger, maxSize int, flushInterval time.Duration, capacity int) *Buffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if capacity <= 0 {
		capacity = 100 * maxSize
	}
	return &Buffer{
		w:             w,
		logger:        logger,
		maxSize:       maxSize,
		capacity:      capacity,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL gauges. A second
// call is a no-op. Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("ingest: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append enqueues samples without blocking. When the backlog would exceed
// capacity the whole batch is dropped and ErrFull returned.
func (b *Buffer) Append(samples ...model.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.samples)+len(samples) > b.capacity {
		b.dropped.Add(int64(len(samples)))
		return ErrFull
	}
	now := time.Now().UTC()
	for _, s := range samples {
		if s.Timestamp.IsZero() {
			s.Timestamp = now
		}
		b.samples = append(b.samples, s)
	}
	if len(b.samples) >= b.maxSize {
		b.signalFlush()
	}
	return nil
}

// AppendSnapshot enqueues a raw JSON snapshot row for kind.
func (b *Buffer) AppendSnapshot(kind model.MetricKind, data any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.snapshots) >= b.maxSize {
		b.dropped.Add(1)
		return ErrFull
	}
	b.snapshots = append(b.snapshots, rawSnapshot{kind: kind, data: data})
	return nil
}

func (b *Buffer) signalFlush() {
	select {
	case b.flushCh <- struct{}{}:
	default:
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled; the final flush runs on the drain context.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// Flush writes everything currently buffered. Exposed for admin actions and
// tests; the background loop calls it on its own schedule.
func (b *Buffer) Flush(ctx context.Context) {
	b.flush(ctx)
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.samples
	snaps := b.snapshots
	b.samples = nil
	b.snapshots = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flushSamples(ctx, batch)
	}
	for i, s := range snaps {
		if err := b.w.SaveRawMetrics(ctx, s.kind, s.data); err != nil {
			// Snapshots are a convenience copy of data already held as samples;
			// a failed batch is dropped rather than retried.
			lost := int64(len(snaps) - i)
			b.dropped.Add(lost)
			b.logger.Warn("ingest: snapshot write failed", "error", err, "kind", s.kind, "dropped", lost)
			break
		}
	}
}

func (b *Buffer) flushSamples(ctx context.Context, batch []model.MetricSample) {
	start := time.Now()
	n, err := b.w.SaveMetrics(ctx, batch)
	if err != nil {
		b.logger.Error("ingest: flush failed", "error", err, "batch_size", len(batch))
		// Requeue ahead of newer samples if the backlog allows it.
		b.mu.Lock()
		if len(b.samples)+len(batch) <= b.capacity {
			b.samples = append(batch, b.samples...)
		} else {
			b.dropped.Add(int64(len(batch)))
			b.logger.Error("ingest: dropping samples, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}
	b.flushed.Add(n)
	b.logger.Debug("ingest: batch flushed",
		"batch_size", n,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain stops the flush loop after a final flush. ctx bounds both the wait
// and the final write.
func (b *Buffer) Drain(ctx context.Context) {
	if !b.started.Load() {
		b.flush(ctx)
		return
	}
	b.drainCtx = ctx
	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("ingest: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("sentinel/ingest")

	_, _ = meter.Int64ObservableGauge("sentinel.ingest.depth",
		metric.WithDescription("Samples waiting in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("sentinel.ingest.dropped_total",
		metric.WithDescription("Samples and snapshots dropped because the buffer was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("sentinel.ingest.flushed_total",
		metric.WithDescription("Samples persisted by the flush loop"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Flushed())
			return nil
		}),
	)
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Capacity returns the maximum number of buffered samples.
func (b *Buffer) Capacity() int { return b.capacity }

// Dropped returns the total number of samples and snapshots discarded.
// A non-zero value indicates data loss.
func (b *Buffer) Dropped() int64 { return b.dropped.Load() }

// Flushed returns the total number of samples written to storage.
func (b *Buffer) Flushed() int64 { return b.flushed.Load() }

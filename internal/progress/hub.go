package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/deepzoom/internal/metrics"
	"github.com/JakeFAU/deepzoom/internal/render"
)

// ErrHubClosed is returned by Publish once Close has begun.
var ErrHubClosed = errors.New("progress hub closed")

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatchEvents: flush once this many notifications queue (default 64).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 10ms).
//   - SinkTimeout: per-sink timeout while flushing (default 2s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Clock: optional time source for notification timestamps.
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Clock          render.Clock
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 64
	defaultMaxBatchWait   = 10 * time.Millisecond
	defaultSinkTimeout    = 2 * time.Second
	dropLogInterval       = 5 * time.Second
)

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Hub aggregates notification streams and fans them out to registered sinks.
// It is safe for concurrent use by multiple goroutines. Emit never blocks;
// Publish blocks only until the notification is buffered.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan Notification
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	// sendMu lets Close wait out in-flight Publish calls before draining.
	sendMu    sync.RWMutex
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks. The returned Hub is immediately ready to accept
// notifications.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Clock == nil {
		cfg.Clock = utcClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Notification, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Progress emits a throttled progress snapshot.
func (h *Hub) Progress(s render.Snapshot) {
	h.Emit(Notification{Kind: KindProgress, TS: h.now(), Snapshot: s})
}

// Repaint emits a repaint request for the job's partially built frame.
func (h *Hub) Repaint(jobID uuid.UUID) {
	h.Emit(Notification{Kind: KindRepaint, TS: h.now(), Snapshot: render.Snapshot{JobID: jobID}})
}

// Complete publishes the job's authoritative completion snapshot. It is
// queued behind every notification already emitted for the job.
func (h *Hub) Complete(ctx context.Context, s render.Snapshot) error {
	return h.Publish(ctx, Notification{Kind: KindComplete, TS: h.now(), Snapshot: s})
}

// Emit enqueues a notification for batching. It never blocks; if the buffer
// is full the notification is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(n Notification) {
	if h == nil {
		return
	}
	if err := n.Validate(); err != nil {
		h.logger.Debug("discarding invalid notification", zap.Error(err))
		return
	}
	h.sendMu.RLock()
	defer h.sendMu.RUnlock()
	if h.closed.Load() {
		return
	}
	select {
	case h.events <- n:
	default:
		metrics.ObserveNotificationDropped(string(n.Kind))
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("notifications dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Publish enqueues a notification, waiting for buffer space if necessary.
func (h *Hub) Publish(ctx context.Context, n Notification) error {
	if h == nil {
		return nil
	}
	if err := n.Validate(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	h.sendMu.RLock()
	defer h.sendMu.RUnlock()
	if h.closed.Load() {
		return ErrHubClosed
	}
	select {
	case h.events <- n:
		return nil
	case <-h.stopCh:
		return ErrHubClosed
	case <-ctx.Done():
		return fmt.Errorf("publish notification: %w", ctx.Err())
	}
}

// Close drains remaining notifications, flushes sinks, and blocks until the
// background goroutine exits. It is safe to call multiple times.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) now() time.Time {
	return h.cfg.Clock.Now()
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Notification, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case n := <-h.events:
			batch = h.enqueue(batch, n, timer, &timerActive)
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.handleStop(batch, timer, &timerActive)
			return
		}
	}
}

func (h *Hub) enqueue(batch []Notification, n Notification, timer *time.Timer, timerActive *bool) []Notification {
	batch = append(batch, n)
	if len(batch) >= h.cfg.MaxBatchEvents {
		h.flush(batch)
		batch = batch[:0]
		h.stopTimer(timer, timerActive)
	} else if !*timerActive {
		h.resetTimer(timer, timerActive)
	}
	return batch
}

func (h *Hub) handleStop(batch []Notification, timer *time.Timer, timerActive *bool) {
	h.stopTimer(timer, timerActive)
	// Publishers that passed the closed check finish their sends first.
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	for {
		select {
		case n := <-h.events:
			batch = append(batch, n)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) resetTimer(timer *time.Timer, timerActive *bool) {
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(h.cfg.MaxBatchWait)
	*timerActive = true
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []Notification) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]Notification(nil), batch...)
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, copyBatch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}

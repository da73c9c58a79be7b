// Package worker implements the render driver: the single consumer of the
// command queue that owns the renderer for the duration of each job.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/deepzoom/internal/clock/system"
	"github.com/JakeFAU/deepzoom/internal/metrics"
	"github.com/JakeFAU/deepzoom/internal/poller"
	"github.com/JakeFAU/deepzoom/internal/queue/memory"
	"github.com/JakeFAU/deepzoom/internal/render"
)

const (
	defaultCompletionTimeout = 5 * time.Second
	tracerName               = "github.com/JakeFAU/deepzoom/internal/worker"
)

// Config controls Worker behavior.
type Config struct {
	Poller poller.Config
	Zoom   SequencerConfig
	// CompletionTimeout bounds how long the worker waits to hand a completion
	// snapshot to the notifier. It applies even while shutting down.
	CompletionTimeout time.Duration
	// Tracer records one span per job. Defaults to the global provider.
	Tracer trace.Tracer
}

// Queue provides the FIFO the worker consumes.
type Queue interface {
	Enqueue(cmd render.Command) error
	Dequeue(ctx context.Context) (render.Command, error)
	Len() int
}

// Worker consumes commands one at a time and runs each as a job.
type Worker struct {
	queue     Queue
	renderer  render.Renderer
	flags     *render.Flags
	notifier  render.Notifier
	clock     render.Clock
	ids       render.IDGenerator
	sequencer *Sequencer
	cfg       Config
	logger    *zap.Logger

	// rendererMu is held for a job's entire duration; nothing else may touch
	// the renderer meanwhile.
	rendererMu sync.Mutex
}

// New constructs a Worker.
func New(
	queue Queue,
	renderer render.Renderer,
	flags *render.Flags,
	notifier render.Notifier,
	clock render.Clock,
	ids render.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if flags == nil {
		flags = &render.Flags{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if clock == nil {
		clock = system.New()
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = defaultCompletionTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	w := &Worker{
		queue:    queue,
		renderer: renderer,
		flags:    flags,
		notifier: notifier,
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
	}
	w.sequencer = NewSequencer(cfg.Zoom, flags, w.Enqueue, logger.Named("sequencer"))
	return w
}

// Enqueue submits a command without blocking.
func (w *Worker) Enqueue(cmd render.Command) error {
	if err := w.queue.Enqueue(cmd); err != nil {
		return err
	}
	metrics.SetQueueDepth(w.queue.Len())
	return nil
}

// Flags returns the control flags shared with the UI.
func (w *Worker) Flags() *render.Flags {
	return w.flags
}

// Sequencer returns the zoom-out sequencer driven by this worker.
func (w *Worker) Sequencer() *Sequencer {
	return w.sequencer
}

// Run blocks, consuming commands until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		cmd, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		metrics.SetQueueDepth(w.queue.Len())
		w.logger.Debug("dequeued command", zap.Stringer("command", cmd))
		w.process(ctx, cmd)
	}
}

func (w *Worker) process(ctx context.Context, cmd render.Command) {
	if !cmd.Valid() {
		w.logger.Warn("dropping unknown render command", zap.Stringer("command", cmd))
		metrics.ObserveCommandDropped("unknown_opcode")
		return
	}

	final, magnitude := w.runJob(ctx, cmd)
	w.publishCompletion(ctx, final)

	if cmd.Resolves() == render.FastReset {
		w.sequencer.Advance(ctx, magnitude)
	}
}

// runJob executes cmd under exclusive renderer access and returns the
// completion snapshot together with the zoom magnitude the job ended at.
func (w *Worker) runJob(ctx context.Context, cmd render.Command) (render.Snapshot, float64) {
	w.rendererMu.Lock()
	defer w.rendererMu.Unlock()
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	ctx, span := w.cfg.Tracer.Start(ctx, "render.job",
		trace.WithAttributes(attribute.String("render.command", cmd.String())),
	)
	defer span.End()

	if cmd == render.ZoomOut {
		w.renderer.ScaleZoom(w.cfg.Zoom.factor())
	}

	job := &render.Job{
		ID:       w.newJobID(),
		Command:  cmd.Resolves(),
		Counters: render.NewCounters(),
		Continue: func() bool {
			return ctx.Err() == nil && !w.flags.Stop.IsSet()
		},
	}
	logger := w.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.Stringer("command", cmd),
	)
	span.SetAttributes(attribute.String("render.job_id", job.ID.String()))

	totalPixels := w.renderer.TotalPixels()
	start := w.clock.Now()

	done := make(chan struct{})
	var pollers sync.WaitGroup
	pollers.Add(1)
	p := poller.New(w.cfg.Poller, job, totalPixels, w.notifier, w.clock, logger.Named("poller"))
	go func() {
		defer pollers.Done()
		p.Run(done)
	}()

	logger.Info("render job started", zap.Int("total_pixels", totalPixels))
	outcome, err := w.renderer.Run(ctx, job)
	close(done)
	pollers.Wait()

	elapsed := w.clock.Now().Sub(start)
	magnitude := w.renderer.ZoomMagnitude()
	label := "completed"
	switch {
	case err != nil:
		label = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		logger.Error("render job failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	case outcome.Cancelled:
		label = "cancelled"
		logger.Info("render job cancelled", zap.Duration("elapsed", elapsed))
	default:
		logger.Info("render job finished", zap.Duration("elapsed", elapsed))
	}
	metrics.ObserveJob(job.Command.String(), label, elapsed)
	span.SetAttributes(
		attribute.String("render.outcome", label),
		attribute.Float64("render.zoom", magnitude),
	)

	vals := job.Counters.Load()
	return render.Snapshot{
		JobID:             job.ID,
		Command:           job.Command,
		Stage:             render.StageComplete,
		Fraction:          1,
		Elapsed:           elapsed,
		MinValidIteration: vals.MinSeriesApproximation,
		MaxValidIteration: vals.MaxSeriesApproximation,
		ReferenceCount:    vals.Reference,
	}, magnitude
}

// publishCompletion hands the final snapshot to the notifier even when ctx
// has already ended.
func (w *Worker) publishCompletion(ctx context.Context, final render.Snapshot) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CompletionTimeout)
	defer cancel()
	if err := w.notifier.Complete(pubCtx, final); err != nil {
		metrics.ObserveCompletionPublishFailed()
		w.logger.Warn("completion notification not delivered",
			zap.String("job_id", final.JobID.String()),
			zap.Error(err),
		)
	}
}

func (w *Worker) newJobID() uuid.UUID {
	if w.ids != nil {
		id, err := w.ids.NewRawID()
		if err == nil {
			return id
		}
		w.logger.Warn("job id generation failed; falling back to v4", zap.Error(err))
	}
	return uuid.New()
}

type nopNotifier struct{}

func (nopNotifier) Progress(render.Snapshot)                        {}
func (nopNotifier) Repaint(uuid.UUID)                               {}
func (nopNotifier) Complete(context.Context, render.Snapshot) error { return nil }

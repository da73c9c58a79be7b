// Package poller samples a running job's progress counters on a fixed cadence
// and turns them into throttled stage/fraction notifications.
package poller

import (
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/deepzoom/internal/metrics"
	"github.com/JakeFAU/deepzoom/internal/render"
)

const (
	// DefaultInterval is the sampling cadence.
	DefaultInterval = 10 * time.Millisecond
	// DefaultRepaintEvery is the number of ticks between repaint requests.
	DefaultRepaintEvery = 50

	// seriesValidationDone is the SeriesValidation value that marks the end of
	// series validation.
	seriesValidationDone = 2
)

// Config controls the sampling cadence.
type Config struct {
	Interval     time.Duration
	RepaintEvery int
}

// Sink receives the poller's best-effort notifications.
type Sink interface {
	Progress(s render.Snapshot)
	Repaint(jobID uuid.UUID)
}

// Poller observes one job. It only reads the counters and never touches the
// renderer.
type Poller struct {
	cfg         Config
	jobID       uuid.UUID
	command     render.Command
	counters    *render.Counters
	totalPixels uint64
	sink        Sink
	clock       render.Clock
	logger      *zap.Logger
}

// New constructs a Poller for a single job.
func New(
	cfg Config,
	job *render.Job,
	totalPixels int,
	sink Sink,
	clock render.Clock,
	logger *zap.Logger,
) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RepaintEvery <= 0 {
		cfg.RepaintEvery = DefaultRepaintEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if totalPixels < 0 {
		totalPixels = 0
	}
	return &Poller{
		cfg:         cfg,
		jobID:       job.ID,
		command:     job.Command,
		counters:    job.Counters,
		totalPixels: uint64(totalPixels),
		sink:        sink,
		clock:       clock,
		logger:      logger,
	}
}

// Run samples until done is signalled. done is the only exit: the poller
// keeps ticking regardless of what the counters say. Run never emits the
// final snapshot; that belongs to the worker.
func (p *Poller) Run(done <-chan struct{}) {
	start := p.clock.Now()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-done:
			p.logger.Debug("poller stopped", zap.Int("ticks", ticks))
			return
		case <-ticker.C:
		}
		ticks++
		metrics.ObservePollerTick()
		p.sink.Progress(p.Sample(p.clock.Now().Sub(start)))
		if ticks%p.cfg.RepaintEvery == 0 {
			p.sink.Repaint(p.jobID)
		}
	}
}

// Sample reads the counters once and builds a progress snapshot.
func (p *Poller) Sample(elapsed time.Duration) render.Snapshot {
	vals := p.counters.Load()
	stage, fraction := Measure(vals, p.totalPixels)
	return render.Snapshot{
		JobID:             p.jobID,
		Command:           p.command,
		Stage:             stage,
		Fraction:          fraction,
		Elapsed:           elapsed,
		MinValidIteration: vals.MinSeriesApproximation,
		MaxValidIteration: vals.MaxSeriesApproximation,
		ReferenceCount:    vals.Reference,
	}
}

// Measure derives the coarse stage and its fractional progress:
//
//	series validation pending, no approximation yet -> Reference
//	series validation pending                       -> Approximation
//	validated, glitches recorded                    -> GlitchCorrection
//	validated                                       -> Iteration
//
// Zero denominators give zero progress and the result is clamped to [0, 1].
func Measure(c render.CounterValues, totalPixels uint64) (render.Stage, float64) {
	if c.SeriesValidation < seriesValidationDone {
		if c.SeriesApproximation == 0 {
			return render.StageReference, clamp(ratio(c.Reference, c.ReferenceMaximum))
		}
		fraction := 0.9*ratio(c.SeriesApproximation, c.ReferenceMaximum) +
			0.1*float64(c.SeriesValidation)/seriesValidationDone
		return render.StageApproximation, clamp(fraction)
	}
	if c.GlitchedMaximum != 0 {
		// Iteration counts finished pixels; glitch correction starts once every
		// unglitched pixel is done.
		base := float64(totalPixels) - float64(c.GlitchedMaximum)
		fraction := (float64(c.Iteration) - base) / float64(c.GlitchedMaximum)
		return render.StageGlitchCorrection, clamp(fraction)
	}
	return render.StageIteration, clamp(ratio(c.Iteration, totalPixels))
}

func ratio(num, den uint64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

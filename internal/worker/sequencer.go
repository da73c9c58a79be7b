package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/deepzoom/internal/metrics"
	"github.com/JakeFAU/deepzoom/internal/render"
)

// Zoom-out defaults, in normalized zoom units.
const (
	DefaultZoomThreshold = 0.5
	DefaultZoomFactor    = 0.5
	DefaultZoomDebounce  = 100 * time.Millisecond
)

// SequencerConfig tunes the zoom-out chain.
type SequencerConfig struct {
	// Threshold is the magnitude the chain must exceed to continue.
	Threshold float64
	// Factor multiplies the zoom magnitude on each step.
	Factor float64
	// Debounce lets the UI show the completed frame before the next step.
	Debounce time.Duration
}

func (c SequencerConfig) threshold() float64 {
	if c.Threshold <= 0 {
		return DefaultZoomThreshold
	}
	return c.Threshold
}

func (c SequencerConfig) factor() float64 {
	if c.Factor <= 0 || c.Factor >= 1 {
		return DefaultZoomFactor
	}
	return c.Factor
}

func (c SequencerConfig) debounce() time.Duration {
	if c.Debounce < 0 {
		return 0
	}
	if c.Debounce == 0 {
		return DefaultZoomDebounce
	}
	return c.Debounce
}

// SequencerState is the zoom-out chain state.
type SequencerState int32

// Sequencer states. Done is terminal until the UI clears the Repeat flag and
// starts another fast reset.
const (
	StateDone SequencerState = iota
	StateChaining
)

func (s SequencerState) String() string {
	if s == StateChaining {
		return "chaining"
	}
	return "done"
}

// Sequencer decides, after every completed fast reset, whether to inject the
// next zoom-out step. It runs on the worker goroutine between jobs.
type Sequencer struct {
	cfg     SequencerConfig
	flags   *render.Flags
	enqueue func(render.Command) error
	state   atomic.Int32
	logger  *zap.Logger
}

// NewSequencer builds a Sequencer that re-injects commands through enqueue.
func NewSequencer(
	cfg SequencerConfig,
	flags *render.Flags,
	enqueue func(render.Command) error,
	logger *zap.Logger,
) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		cfg:     cfg,
		flags:   flags,
		enqueue: enqueue,
		logger:  logger,
	}
}

// State returns the most recent decision.
func (s *Sequencer) State() SequencerState {
	return SequencerState(s.state.Load())
}

// Advance runs the transition check for a fast reset that ended at
// magnitude. It always runs, including after a cancelled job, so a stop
// request ends the chain instead of leaving it hanging.
func (s *Sequencer) Advance(ctx context.Context, magnitude float64) SequencerState {
	if !s.shouldChain(magnitude) {
		return s.finish(magnitude)
	}
	if !s.wait(ctx) || !s.shouldChain(magnitude) {
		return s.finish(magnitude)
	}
	if err := s.enqueue(render.ZoomOut); err != nil {
		s.logger.Warn("zoom-out step not enqueued", zap.Error(err))
		return s.finish(magnitude)
	}
	s.state.Store(int32(StateChaining))
	metrics.ObserveSequencerTransition(StateChaining.String())
	s.logger.Debug("zoom-out step enqueued",
		zap.Float64("magnitude", magnitude),
		zap.Float64("next_magnitude", magnitude*s.cfg.factor()),
	)
	return StateChaining
}

func (s *Sequencer) shouldChain(magnitude float64) bool {
	return magnitude > s.cfg.threshold() && !s.flags.Repeat.IsSet() && !s.flags.Stop.IsSet()
}

func (s *Sequencer) finish(magnitude float64) SequencerState {
	s.flags.Repeat.Set()
	if SequencerState(s.state.Swap(int32(StateDone))) == StateChaining {
		s.logger.Info("zoom-out sequence finished",
			zap.Float64("magnitude", magnitude),
			zap.Bool("stopped", s.flags.Stop.IsSet()),
		)
	}
	metrics.ObserveSequencerTransition(StateDone.String())
	return StateDone
}

// wait sleeps for the debounce interval; it reports false if ctx ends first.
func (s *Sequencer) wait(ctx context.Context) bool {
	d := s.cfg.debounce()
	if d == 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

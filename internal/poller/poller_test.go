package poller

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/deepzoom/internal/render"
)

func TestMeasureReference(t *testing.T) {
	t.Parallel()

	stage, fraction := Measure(render.CounterValues{
		ReferenceMaximum: 1000,
		Reference:        500,
	}, 1000)
	require.Equal(t, render.StageReference, stage)
	require.InDelta(t, 0.5, fraction, 1e-12)
}

func TestMeasureGlitchCorrection(t *testing.T) {
	t.Parallel()

	stage, fraction := Measure(render.CounterValues{
		SeriesValidation: 2,
		GlitchedMaximum:  200,
		Iteration:        850,
	}, 1000)
	require.Equal(t, render.StageGlitchCorrection, stage)
	require.InDelta(t, 0.25, fraction, 1e-12)
}

func TestMeasureApproximationAndIteration(t *testing.T) {
	t.Parallel()

	stage, fraction := Measure(render.CounterValues{
		ReferenceMaximum:    1000,
		Reference:           1000,
		SeriesApproximation: 500,
		SeriesValidation:    1,
	}, 1000)
	require.Equal(t, render.StageApproximation, stage)
	require.InDelta(t, 0.9*0.5+0.1*0.5, fraction, 1e-12)

	stage, fraction = Measure(render.CounterValues{
		SeriesValidation: 2,
		Iteration:        250,
	}, 1000)
	require.Equal(t, render.StageIteration, stage)
	require.InDelta(t, 0.25, fraction, 1e-12)
}

func TestMeasureDegenerateInputs(t *testing.T) {
	t.Parallel()

	stage, fraction := Measure(render.CounterValues{}, 0)
	require.Equal(t, render.StageReference, stage)
	require.Zero(t, fraction)

	_, fraction = Measure(render.CounterValues{SeriesValidation: 2, Iteration: 50}, 0)
	require.Zero(t, fraction)

	// Glitch counter published before the unglitched pass finished.
	stage, fraction = Measure(render.CounterValues{SeriesValidation: 2, GlitchedMaximum: 10, Iteration: 5}, 100)
	require.Equal(t, render.StageGlitchCorrection, stage)
	require.Zero(t, fraction)

	_, fraction = Measure(render.CounterValues{SeriesValidation: 2, Iteration: 2000}, 1000)
	require.Equal(t, 1.0, fraction)
}

// TestMeasureStageSequence replays a counter trajectory where validation finishes before any
// glitch and checks the derived stages never skip or reorder.
func TestMeasureStageSequence(t *testing.T) {
	t.Parallel()

	const (
		refMax = 100
		pixels = 400
	)
	c := render.NewCounters()
	c.ReferenceMaximum.Add(refMax)

	var stages []render.Stage
	record := func() {
		stage, _ := Measure(c.Load(), pixels)
		if len(stages) == 0 || stages[len(stages)-1] != stage {
			stages = append(stages, stage)
		}
	}

	for i := 0; i < refMax; i++ {
		c.Reference.Inc()
		record()
	}
	for i := 0; i < refMax/2; i++ {
		c.SeriesApproximation.Inc()
		record()
	}
	c.SeriesValidation.Inc()
	record()
	c.SeriesValidation.Inc()
	record()
	for i := 0; i < pixels; i++ {
		c.Iteration.Inc()
		record()
	}

	require.Equal(t, []render.Stage{
		render.StageReference,
		render.StageApproximation,
		render.StageIteration,
	}, stages)
}

func TestPollerEmitsUntilDoneAndRepaints(t *testing.T) {
	t.Parallel()

	counters := render.NewCounters()
	counters.ReferenceMaximum.Add(10)
	counters.Reference.Add(5)
	counters.MinSeriesApproximation.Raise(3)
	counters.MaxSeriesApproximation.Raise(9)

	sink := &recordingSink{}
	job := &render.Job{ID: uuid.New(), Command: render.FullReset, Counters: counters}
	p := New(Config{Interval: time.Millisecond, RepaintEvery: 5}, job, 100, sink, realClock{}, zap.NewNop())

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		p.Run(done)
		close(exited)
	}()

	require.Eventually(t, func() bool {
		return sink.repaintCount() >= 2
	}, 2*time.Second, time.Millisecond)
	close(done)

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop after termination signal")
	}

	snaps := sink.snapshots()
	require.GreaterOrEqual(t, len(snaps), 10)
	require.GreaterOrEqual(t, len(snaps)/5, sink.repaintCount())
	for _, s := range snaps {
		require.Equal(t, job.ID, s.JobID)
		require.Equal(t, render.StageReference, s.Stage)
		require.InDelta(t, 0.5, s.Fraction, 1e-12)
		require.Equal(t, uint64(3), s.MinValidIteration)
		require.Equal(t, uint64(9), s.MaxValidIteration)
		require.Equal(t, uint64(5), s.ReferenceCount)
		require.False(t, s.Final())
	}

	count := len(sink.snapshots())
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, count, len(sink.snapshots()), "poller emitted after termination")
}

func TestPollerIgnoresFinishedCounters(t *testing.T) {
	t.Parallel()

	counters := render.NewCounters()
	counters.SeriesValidation.Add(2)
	counters.Iteration.Add(100)

	sink := &recordingSink{}
	job := &render.Job{ID: uuid.New(), Counters: counters}
	p := New(Config{Interval: time.Millisecond}, job, 100, sink, realClock{}, nil)

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		p.Run(done)
		close(exited)
	}()
	require.Eventually(t, func() bool { return len(sink.snapshots()) >= 3 }, time.Second, time.Millisecond)
	select {
	case <-exited:
		t.Fatal("poller exited without termination signal")
	default:
	}
	close(done)
	<-exited
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type recordingSink struct {
	mu       sync.Mutex
	snaps    []render.Snapshot
	repaints int
}

func (s *recordingSink) Progress(snap render.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

func (s *recordingSink) Repaint(uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repaints++
}

func (s *recordingSink) snapshots() []render.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]render.Snapshot(nil), s.snaps...)
}

func (s *recordingSink) repaintCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repaints
}

package escape

import (
	"context"
	"errors"
	"math/cmplx"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/deepzoom/internal/poller"
	"github.com/JakeFAU/deepzoom/internal/render"
)

func newTestRenderer(t *testing.T, mutate func(*Config)) *Renderer {
	t.Helper()
	cfg := Config{
		Width:         32,
		Height:        24,
		MaxIterations: 200,
		Zoom:          1,
		CenterRe:      -0.75,
		Workers:       2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg, nil)
	require.NoError(t, err)
	return r
}

func newJob(cmd render.Command) *render.Job {
	return &render.Job{
		ID:       uuid.New(),
		Command:  cmd,
		Counters: render.NewCounters(),
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Width: 0, Height: 10, MaxIterations: 10, Zoom: 1}, nil)
	require.Error(t, err)
	_, err = New(Config{Width: 10, Height: 10, MaxIterations: 0, Zoom: 1}, nil)
	require.Error(t, err)
	_, err = New(Config{Width: 10, Height: 10, MaxIterations: 10, Zoom: 0}, nil)
	require.Error(t, err)
}

func TestFullResetDrivesEveryPhase(t *testing.T) {
	t.Parallel()

	r := newTestRenderer(t, nil)
	job := newJob(render.FullReset)

	outcome, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	require.False(t, outcome.Cancelled)

	vals := job.Counters.Load()
	total := uint64(r.TotalPixels())
	require.Equal(t, uint64(200), vals.ReferenceMaximum)
	require.Equal(t, uint64(200), vals.Reference)
	require.Equal(t, uint64(200), vals.SeriesApproximation)
	require.Equal(t, uint64(2), vals.SeriesValidation)
	require.Equal(t, total, vals.Iteration)
	require.LessOrEqual(t, vals.MinSeriesApproximation, vals.MaxSeriesApproximation)

	_, fraction := poller.Measure(vals, total)
	require.InDelta(t, 1.0, fraction, 1e-9)

	minIter, maxIter, ok := r.Frame().IterationBounds()
	require.True(t, ok)
	require.LessOrEqual(t, minIter, maxIter)

	img := r.Frame().Image(minIter, maxIter)
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			require.Equal(t, uint8(0xff), img.RGBAAt(x, y).A, "pixel %d,%d not rendered", x, y)
		}
	}
}

func TestEscapedReferenceForcesGlitchCorrection(t *testing.T) {
	t.Parallel()

	// The reference escapes almost immediately, so every pixel that outlives
	// it has to be corrected.
	r := newTestRenderer(t, func(c *Config) { c.CenterRe = 0.5 })
	job := newJob(render.FullReset)

	outcome, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	require.False(t, outcome.Cancelled)

	vals := job.Counters.Load()
	total := uint64(r.TotalPixels())
	require.NotZero(t, vals.GlitchedMaximum)
	require.Equal(t, total, vals.Iteration)

	stage, fraction := poller.Measure(vals, total)
	require.Equal(t, render.StageGlitchCorrection, stage)
	require.InDelta(t, 1.0, fraction, 1e-9)

	// Pixels near -0.2 lie in the main cardioid and outlive the reference.
	x := int((-0.2-0.5)/r.grid(r.View()).scale + 16)
	require.Equal(t, pixelInterior, r.Frame().pixels[12*32+x].Load())
}

func TestRunCancelledByContinue(t *testing.T) {
	t.Parallel()

	r := newTestRenderer(t, nil)
	job := newJob(render.FullReset)
	var calls atomic.Int64
	job.Continue = func() bool { return calls.Add(1) < 3 }

	outcome, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	require.True(t, outcome.Cancelled)
	require.Less(t, job.Counters.Iteration.Load(), uint64(r.TotalPixels()))
}

func TestRunCancelledByContext(t *testing.T) {
	t.Parallel()

	r := newTestRenderer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := newJob(render.FullReset)
	job.Continue = func() bool { return ctx.Err() == nil }

	outcome, err := r.Run(ctx, job)
	require.NoError(t, err)
	require.True(t, outcome.Cancelled)
}

func TestFastResetReusesReference(t *testing.T) {
	t.Parallel()

	r := newTestRenderer(t, nil)
	_, err := r.Run(context.Background(), newJob(render.FullReset))
	require.NoError(t, err)
	first := r.ref

	r.ScaleZoom(0.5)
	require.InDelta(t, 0.5, r.ZoomMagnitude(), 1e-12)

	job := newJob(render.FastReset)
	_, err = r.Run(context.Background(), job)
	require.NoError(t, err)
	require.Same(t, first, r.ref)
	require.Equal(t, uint64(first.iterations()), job.Counters.Reference.Load())

	// A full reset always recomputes.
	_, err = r.Run(context.Background(), newJob(render.FullReset))
	require.NoError(t, err)
	require.NotSame(t, first, r.ref)
}

func TestComputeRootMovesToNucleus(t *testing.T) {
	t.Parallel()

	r := newTestRenderer(t, func(c *Config) {
		c.CenterRe = -0.98
		c.CenterIm = 0.01
		c.Zoom = 4
	})
	outcome, err := r.Run(context.Background(), newJob(render.ComputeRoot))
	require.NoError(t, err)
	require.False(t, outcome.Cancelled)
	require.InDelta(t, 0, cmplx.Abs(r.View().Center-complex(-1, 0)), 1e-6)
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	t.Parallel()

	r := newTestRenderer(t, nil)
	_, err := r.Run(context.Background(), newJob(render.CommandUnknown))
	require.True(t, errors.Is(err, render.ErrUnknownCommand))
}

func TestScaleZoomIgnoresInvalidFactor(t *testing.T) {
	t.Parallel()

	r := newTestRenderer(t, nil)
	r.ScaleZoom(0)
	r.ScaleZoom(-2)
	require.Equal(t, 1.0, r.ZoomMagnitude())
}

func TestPartialMinima(t *testing.T) {
	t.Parallel()

	o, ok := computeOrbit(complex(-1.01, 0), 100, nil, nil)
	require.True(t, ok)
	minima := partialMinima(o)
	require.GreaterOrEqual(t, len(minima), 2)
	require.Equal(t, []int{1, 2}, minima[:2])
}

func TestFrameStartsEmpty(t *testing.T) {
	t.Parallel()

	f := NewFrame(4, 3)
	_, _, ok := f.IterationBounds()
	require.False(t, ok)
	require.Equal(t, uint8(0), f.Image(0, 0).RGBAAt(1, 1).A)

	f.setEscaped(0, 7)
	f.setEscaped(1, 3)
	f.setInterior(2)
	minIter, maxIter, ok := f.IterationBounds()
	require.True(t, ok)
	require.Equal(t, uint64(3), minIter)
	require.Equal(t, uint64(7), maxIter)
}

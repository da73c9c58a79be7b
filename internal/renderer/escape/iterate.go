package escape

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/deepzoom/internal/render"
)

type pixelResult uint8

const (
	resultInterior pixelResult = iota
	resultEscaped
	resultGlitched
)

// iterate runs the perturbation pass over every pixel, then re-iterates the
// glitched ones directly. It returns false when the job was cancelled.
//
// Iteration counts finished pixels. Glitched pixels are only counted during
// correction, and GlitchedMaximum is published once the first pass is over.
func (r *Renderer) iterate(ctx context.Context, job *render.Job, g grid, ref *orbit, series seriesResult) (bool, error) {
	counters := job.Counters
	total := r.width * r.height
	glitched := make([]bool, total)
	var glitchCount atomic.Uint64

	center := ref.center
	done, err := r.forEachRow(ctx, job, func(y int) {
		for x := 0; x < r.width; x++ {
			idx := y*r.width + x
			dc := g.delta(x, y)
			n, res := r.perturb(ref, series, dc)
			switch res {
			case resultGlitched:
				glitched[idx] = true
				glitchCount.Add(1)
				continue
			case resultEscaped:
				r.frame.setEscaped(idx, n)
			default:
				r.frame.setInterior(idx)
			}
			counters.Iteration.Inc()
		}
	})
	if err != nil || !done {
		return done, err
	}

	count := glitchCount.Load()
	if count == 0 {
		return true, nil
	}
	counters.GlitchedMaximum.Raise(count)
	r.logger.Debug("correcting glitched pixels", zap.Uint64("glitched", count))

	return r.forEachRow(ctx, job, func(y int) {
		for x := 0; x < r.width; x++ {
			idx := y*r.width + x
			if !glitched[idx] {
				continue
			}
			if n, escaped := directIterate(center+g.delta(x, y), r.maxIter); escaped {
				r.frame.setEscaped(idx, n)
			} else {
				r.frame.setInterior(idx)
			}
			counters.Iteration.Inc()
		}
	})
}

// forEachRow fans rows out to the worker goroutines. Each row starts with a
// job.Continue check; once it reports false the remaining rows are skipped
// and forEachRow returns false.
func (r *Renderer) forEachRow(ctx context.Context, job *render.Job, fn func(y int)) (bool, error) {
	var next atomic.Int64
	var stopped atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	for range r.workers {
		g.Go(func() error {
			for {
				y := int(next.Add(1) - 1)
				if y >= r.height || stopped.Load() {
					return nil
				}
				if gctx.Err() != nil || !job.ShouldContinue() {
					stopped.Store(true)
					return nil
				}
				fn(y)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return false, fmt.Errorf("iterate rows: %w", err)
	}
	return !stopped.Load(), nil
}

// perturb iterates one pixel relative to the reference orbit, starting from
// the series approximation. A pixel is glitched when its value collapses
// towards zero relative to the reference, or when it outlives an escaped
// reference.
func (r *Renderer) perturb(ref *orbit, series seriesResult, dc complex128) (int, pixelResult) {
	n := series.skip
	dz := series.eval(dc)
	if n == 0 {
		dz = 0
	}
	last := ref.iterations()
	for n < r.maxIter {
		if n >= last {
			return n, resultGlitched
		}
		dz = 2*ref.z[n]*dz + dz*dz + dc
		n++
		z := ref.z[n] + dz
		mag := abs2(z)
		if mag > 4 {
			return n, resultEscaped
		}
		if mag < r.tolerance*abs2(ref.z[n]) {
			return n, resultGlitched
		}
	}
	return n, resultInterior
}

func directIterate(c complex128, maxIter int) (int, bool) {
	var z complex128
	for n := 1; n <= maxIter; n++ {
		z = z*z + c
		if abs2(z) > 4 {
			return n, true
		}
	}
	return maxIter, false
}

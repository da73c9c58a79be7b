package escape

import (
	"math"
	"math/cmplx"

	"go.uber.org/zap"

	"github.com/JakeFAU/deepzoom/internal/render"
)

const maxNewtonSteps = 64

// moveToNucleus recenters the view on the nucleus of the lowest-period
// hyperbolic component found near the current center. Candidate periods are
// the partial minima of the center's orbit, tried in ascending order. The view
// is left unchanged when none converges inside the frame. It returns false
// only when the job was cancelled.
func (r *Renderer) moveToNucleus(job *render.Job) bool {
	view := r.View()
	probe, ok := computeOrbit(view.Center, r.maxIter, job, nil)
	if !ok {
		return false
	}

	pixel := 2 * baseHalfHeight / view.Zoom / float64(r.height)
	reach := pixel * float64(max(r.width, r.height)) / 2
	for _, period := range partialMinima(probe) {
		if !job.ShouldContinue() {
			return false
		}
		nucleus, converged := newtonNucleus(view.Center, period, pixel)
		if !converged || cmplx.Abs(nucleus-view.Center) > reach {
			continue
		}
		r.mu.Lock()
		r.center = nucleus
		r.mu.Unlock()
		r.logger.Info("moved to nucleus",
			zap.Int("period", period),
			zap.Float64("re", real(nucleus)),
			zap.Float64("im", imag(nucleus)),
		)
		return true
	}
	r.logger.Info("no nucleus found in view")
	return true
}

// partialMinima returns, in order, each n at which |Z_n| is smaller than every
// earlier point of the orbit.
func partialMinima(o *orbit) []int {
	best := math.Inf(1)
	var out []int
	for n := 1; n < len(o.z); n++ {
		if m := abs2(o.z[n]); m < best {
			best = m
			out = append(out, n)
		}
	}
	return out
}

// newtonNucleus solves Z_period(c) = 0 by Newton's method starting from c.
func newtonNucleus(c complex128, period int, pixel float64) (complex128, bool) {
	eps := pixel * 1e-3
	for range maxNewtonSteps {
		var z, dz complex128
		for range period {
			dz = 2*z*dz + 1
			z = z*z + c
		}
		if dz == 0 {
			return c, false
		}
		step := z / dz
		c -= step
		if cmplx.IsNaN(c) || cmplx.IsInf(c) {
			return c, false
		}
		if cmplx.Abs(step) <= eps {
			return c, true
		}
	}
	return c, false
}

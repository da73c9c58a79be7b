package escape

import (
	"math/cmplx"

	"github.com/JakeFAU/deepzoom/internal/render"
)

const (
	// checkEvery is how many reference or series steps run between checks of
	// job.Continue.
	checkEvery = 256
	// seriesAccuracy bounds the third series term relative to the second.
	seriesAccuracy = 1e-3
	// validationTolerance is the relative error allowed between the series
	// and a perturbed probe at the skip iteration.
	validationTolerance = 1e-2
)

// orbit is a reference orbit Z_0 = 0, Z_{n+1} = Z_n^2 + c. It stops at the
// first escaping point or at maxIter.
type orbit struct {
	center  complex128
	maxIter int
	z       []complex128
}

func (o *orbit) reusableFor(center complex128, maxIter int) bool {
	return o != nil && o.center == center && o.maxIter == maxIter
}

// iterations returns how many steps the orbit holds.
func (o *orbit) iterations() int {
	return len(o.z) - 1
}

// computeOrbit iterates the reference point, reporting each step on
// counters.Reference when counters is non-nil. ok is false when the job was
// cancelled first.
func computeOrbit(c complex128, maxIter int, job *render.Job, counters *render.Counters) (*orbit, bool) {
	o := &orbit{center: c, maxIter: maxIter, z: make([]complex128, 1, maxIter+1)}
	var z complex128
	for n := 0; n < maxIter; n++ {
		if n%checkEvery == 0 && !job.ShouldContinue() {
			return nil, false
		}
		z = z*z + c
		o.z = append(o.z, z)
		if counters != nil {
			counters.Reference.Inc()
		}
		if abs2(z) > 4 {
			break
		}
	}
	if counters != nil {
		// An escaped reference finishes early; the phase is still complete.
		counters.Reference.Raise(uint64(maxIter))
	}
	return o, true
}

// seriesResult holds the validated approximation: every pixel may start
// perturbation at iteration skip using coefficients a, b and c.
type seriesResult struct {
	skip    int
	maxSkip int
	a       complex128
	b       complex128
	c       complex128
}

func (s seriesResult) eval(dc complex128) complex128 {
	return s.a*dc + s.b*dc*dc + s.c*dc*dc*dc
}

// approximate advances the series coefficients along the reference orbit
// while the truncation stays small for every probe, then validates the chosen
// skip by perturbing the probes directly.
func approximate(ref *orbit, probes []complex128, job *render.Job, counters *render.Counters) (seriesResult, bool) {
	refMax := uint64(ref.maxIter)
	steps := ref.iterations()
	as := make([]complex128, 1, steps+1)
	bs := make([]complex128, 1, steps+1)
	cs := make([]complex128, 1, steps+1)

	valid := make([]int, len(probes))
	live := make([]bool, len(probes))
	for i := range live {
		live[i] = true
	}
	remaining := len(probes)

	for n := 0; n < steps && remaining > 0; n++ {
		if n%checkEvery == 0 && !job.ShouldContinue() {
			return seriesResult{}, false
		}
		zn := ref.z[n]
		a, b, c := as[n], bs[n], cs[n]
		na := 2*zn*a + 1
		nb := 2*zn*b + a*a
		nc := 2*zn*c + 2*a*b
		as, bs, cs = append(as, na), append(bs, nb), append(cs, nc)
		counters.SeriesApproximation.Inc()

		for i, dc := range probes {
			if !live[i] {
				continue
			}
			d := cmplx.Abs(dc)
			if n > 0 && !(cmplx.Abs(nc)*d <= seriesAccuracy*cmplx.Abs(nb)) {
				live[i] = false
				remaining--
				continue
			}
			valid[i] = n + 1
		}
	}
	counters.SeriesApproximation.Raise(refMax)

	skip, maxSkip := steps, 0
	if len(probes) == 0 {
		skip = 0
	}
	for _, v := range valid {
		skip = min(skip, v)
		maxSkip = max(maxSkip, v)
	}
	// Leave at least one perturbed step so escape is detected per pixel.
	skip = min(skip, steps-1)
	counters.SeriesValidation.Inc()

	for skip > 0 && !seriesHolds(ref, probes, as[skip], bs[skip], cs[skip], skip) {
		skip /= 2
	}
	counters.MinSeriesApproximation.Raise(uint64(skip))
	counters.MaxSeriesApproximation.Raise(uint64(max(skip, maxSkip)))
	counters.SeriesValidation.Inc()

	return seriesResult{
		skip:    skip,
		maxSkip: maxSkip,
		a:       as[skip],
		b:       bs[skip],
		c:       cs[skip],
	}, true
}

// seriesHolds compares the series value at skip against direct perturbation
// for each probe.
func seriesHolds(ref *orbit, probes []complex128, a, b, c complex128, skip int) bool {
	s := seriesResult{a: a, b: b, c: c}
	for _, dc := range probes {
		var dz complex128
		for n := 0; n < skip; n++ {
			dz = 2*ref.z[n]*dz + dz*dz + dc
		}
		approx := s.eval(dc)
		scale := cmplx.Abs(dz)
		if scale == 0 {
			if cmplx.Abs(approx) != 0 {
				return false
			}
			continue
		}
		if !(cmplx.Abs(approx-dz)/scale <= validationTolerance) {
			return false
		}
	}
	return true
}

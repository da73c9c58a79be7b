package escape

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/deepzoom/internal/render"
)

// DefaultGlitchTolerance is the squared-magnitude ratio below which a
// perturbed pixel is considered to have lost precision against the reference.
const DefaultGlitchTolerance = 1e-6

// baseHalfHeight is the imaginary half-extent of the view at zoom 1.
const baseHalfHeight = 1.5

// Config describes the image and the initial view.
type Config struct {
	Width           int
	Height          int
	MaxIterations   int
	Zoom            float64
	CenterRe        float64
	CenterIm        float64
	GlitchTolerance float64
	// Workers is the number of goroutines iterating pixels. Zero means
	// GOMAXPROCS.
	Workers int
}

// View is the region of the complex plane the next job renders.
type View struct {
	Center complex128
	Zoom   float64
}

// Renderer implements render.Renderer. The worker serializes Run calls; the
// view accessors and Frame are safe to use concurrently with a running job.
type Renderer struct {
	width     int
	height    int
	maxIter   int
	tolerance float64
	workers   int
	logger    *zap.Logger
	frame     *Frame

	mu     sync.RWMutex
	center complex128
	zoom   float64
	ref    *orbit
}

var _ render.Renderer = (*Renderer)(nil)

// New validates cfg and constructs a Renderer.
func New(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.MaxIterations <= 0 {
		return nil, errors.New("max iterations must be > 0")
	}
	if cfg.Zoom <= 0 || math.IsInf(cfg.Zoom, 0) || math.IsNaN(cfg.Zoom) {
		return nil, fmt.Errorf("invalid zoom %v", cfg.Zoom)
	}
	if cfg.GlitchTolerance <= 0 {
		cfg.GlitchTolerance = DefaultGlitchTolerance
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		width:     cfg.Width,
		height:    cfg.Height,
		maxIter:   cfg.MaxIterations,
		tolerance: cfg.GlitchTolerance,
		workers:   cfg.Workers,
		logger:    logger,
		frame:     NewFrame(cfg.Width, cfg.Height),
		center:    complex(cfg.CenterRe, cfg.CenterIm),
		zoom:      cfg.Zoom,
	}, nil
}

// Frame returns the output buffer.
func (r *Renderer) Frame() *Frame {
	return r.frame
}

// View returns the current view.
func (r *Renderer) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return View{Center: r.center, Zoom: r.zoom}
}

// ZoomMagnitude returns the zoom, 1 being the whole set in view.
func (r *Renderer) ZoomMagnitude() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.zoom
}

// ScaleZoom multiplies the zoom by factor. Non-positive factors are ignored.
func (r *Renderer) ScaleZoom(factor float64) {
	if factor <= 0 || math.IsNaN(factor) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zoom *= factor
}

// TotalPixels returns the pixel count of the frame.
func (r *Renderer) TotalPixels() int {
	return r.width * r.height
}

// Run executes one job. Cancellation through job.Continue is reported in the
// outcome, never as an error.
func (r *Renderer) Run(ctx context.Context, job *render.Job) (render.Outcome, error) {
	switch job.Command.Resolves() {
	case render.FullReset:
		return r.render(ctx, job, false)
	case render.FastReset:
		return r.render(ctx, job, true)
	case render.ComputeRoot:
		if !r.moveToNucleus(job) {
			return render.Outcome{Cancelled: true}, nil
		}
		return r.render(ctx, job, false)
	default:
		return render.Outcome{}, fmt.Errorf("%w: %s", render.ErrUnknownCommand, job.Command)
	}
}

// render runs the reference, approximation and iteration phases. With reuse
// set, a reference orbit computed earlier for the same center is kept.
func (r *Renderer) render(ctx context.Context, job *render.Job, reuse bool) (render.Outcome, error) {
	cancelled := render.Outcome{Cancelled: true}
	view := r.View()
	counters := job.Counters
	counters.ReferenceMaximum.Raise(uint64(r.maxIter))
	r.frame.Reset()

	r.mu.RLock()
	ref := r.ref
	r.mu.RUnlock()
	if reuse && ref.reusableFor(view.Center, r.maxIter) {
		counters.Reference.Raise(uint64(ref.iterations()))
		r.logger.Debug("reusing reference orbit", zap.Int("length", ref.iterations()))
	} else {
		var ok bool
		ref, ok = computeOrbit(view.Center, r.maxIter, job, counters)
		if !ok {
			return cancelled, nil
		}
		r.mu.Lock()
		r.ref = ref
		r.mu.Unlock()
		r.logger.Debug("reference orbit computed", zap.Int("length", ref.iterations()))
	}

	g := r.grid(view)
	series, ok := approximate(ref, g.probes(), job, counters)
	if !ok {
		return cancelled, nil
	}
	r.logger.Debug("series approximation validated",
		zap.Int("skip", series.skip),
		zap.Int("max_skip", series.maxSkip),
	)

	done, err := r.iterate(ctx, job, g, ref, series)
	if err != nil {
		return render.Outcome{}, err
	}
	if !done {
		return cancelled, nil
	}
	return render.Outcome{}, nil
}

// grid maps pixel coordinates to offsets from the view center.
type grid struct {
	width  int
	height int
	scale  float64
}

func (r *Renderer) grid(view View) grid {
	return grid{
		width:  r.width,
		height: r.height,
		scale:  2 * baseHalfHeight / view.Zoom / float64(r.height),
	}
}

func (g grid) delta(x, y int) complex128 {
	re := (float64(x) - float64(g.width)/2 + 0.5) * g.scale
	im := (float64(g.height)/2 - float64(y) - 0.5) * g.scale
	return complex(re, im)
}

// probes returns the corner and edge-midpoint offsets; the series
// approximation must hold for all of them.
func (g grid) probes() []complex128 {
	xs := []int{0, g.width / 2, g.width - 1}
	ys := []int{0, g.height / 2, g.height - 1}
	out := make([]complex128, 0, 8)
	for _, y := range ys {
		for _, x := range xs {
			if x == g.width/2 && y == g.height/2 {
				continue
			}
			out = append(out, g.delta(x, y))
		}
	}
	return out
}

func abs2(z complex128) float64 {
	return real(z)*real(z) + imag(z)*imag(z)
}

package escape

import (
	"image"
	"image/color"
	"math"
	"sync/atomic"
)

// Pixel states stored in the frame. Escaped pixels store their iteration
// count offset by pixelEscaped.
const (
	pixelPending  uint32 = 0
	pixelInterior uint32 = 1
	pixelEscaped  uint32 = 2
)

// Frame is the renderer's output buffer. The renderer writes individual pixels
// while a job runs; readers may snapshot it at any time and see a partially
// rendered image.
type Frame struct {
	width  int
	height int
	pixels []atomic.Uint32
}

// NewFrame allocates an empty width x height frame.
func NewFrame(width, height int) *Frame {
	return &Frame{
		width:  width,
		height: height,
		pixels: make([]atomic.Uint32, width*height),
	}
}

// Bounds returns the frame dimensions.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.width, f.height)
}

// Reset marks every pixel pending.
func (f *Frame) Reset() {
	for i := range f.pixels {
		f.pixels[i].Store(pixelPending)
	}
}

func (f *Frame) setEscaped(idx int, iterations int) {
	f.pixels[idx].Store(pixelEscaped + uint32(iterations))
}

func (f *Frame) setInterior(idx int) {
	f.pixels[idx].Store(pixelInterior)
}

// IterationBounds returns the smallest and largest escape iteration among the
// pixels rendered so far. ok is false until at least one pixel has escaped.
func (f *Frame) IterationBounds() (minIter, maxIter uint64, ok bool) {
	minIter = math.MaxUint64
	for i := range f.pixels {
		v := f.pixels[i].Load()
		if v < pixelEscaped {
			continue
		}
		n := uint64(v - pixelEscaped)
		minIter = min(minIter, n)
		maxIter = max(maxIter, n)
		ok = true
	}
	if !ok {
		return 0, 0, false
	}
	return minIter, maxIter, true
}

// Image renders the frame to RGBA, stretching the palette across the given
// iteration bounds. Pending pixels are transparent and interior pixels black.
func (f *Frame) Image(minIter, maxIter uint64) *image.RGBA {
	img := image.NewRGBA(f.Bounds())
	span := float64(1)
	if maxIter > minIter {
		span = float64(maxIter - minIter)
	}
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			v := f.pixels[y*f.width+x].Load()
			switch {
			case v == pixelPending:
				continue
			case v == pixelInterior:
				img.SetRGBA(x, y, color.RGBA{A: 0xff})
			default:
				n := uint64(v - pixelEscaped)
				t := 0.0
				if n > minIter {
					t = math.Min(1, float64(n-minIter)/span)
				}
				img.SetRGBA(x, y, palette(t))
			}
		}
	}
	return img
}

// palette maps t in [0, 1] onto a smooth blue-white-orange ramp.
func palette(t float64) color.RGBA {
	r := 9 * (1 - t) * t * t * t
	g := 15 * (1 - t) * (1 - t) * t * t
	b := 8.5 * (1 - t) * (1 - t) * (1 - t) * t
	return color.RGBA{
		R: channel(r + t*t),
		G: channel(g + 0.5*t*t),
		B: channel(b + 0.2),
		A: 0xff,
	}
}

func channel(v float64) uint8 {
	return uint8(math.Round(255 * math.Max(0, math.Min(1, v))))
}

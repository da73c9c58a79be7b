// Package escape is a small perturbation-based escape-time Mandelbrot
// renderer. It is deliberately modest: float64 throughout, a three-term series
// approximation and direct re-iteration for glitched pixels. What it does
// faithfully is drive the eight progress counters the way a deep-zoom renderer
// does, so the worker and poller can be exercised end to end.
package escape

package render

import "sync/atomic"

// Counter is a monotonically increasing progress counter. All operations use
// the relaxed semantics of sync/atomic; readers only need an approximate value
// for display, never for correctness decisions.
type Counter struct {
	v atomic.Uint64
}

// Inc adds one.
func (c *Counter) Inc() {
	c.v.Add(1)
}

// Add adds n.
func (c *Counter) Add(n uint64) {
	c.v.Add(n)
}

// Raise stores n if it exceeds the current value, keeping the counter
// monotonic when the writer publishes absolute positions.
func (c *Counter) Raise(n uint64) {
	for {
		cur := c.v.Load()
		if n <= cur || c.v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Load returns the current value.
func (c *Counter) Load() uint64 {
	return c.v.Load()
}

// Counters is the fixed set of progress counters for one job. The renderer is
// the only writer; any number of observers may read concurrently.
type Counters struct {
	Reference              Counter
	ReferenceMaximum       Counter
	SeriesApproximation    Counter
	SeriesValidation       Counter
	Iteration              Counter
	GlitchedMaximum        Counter
	MinSeriesApproximation Counter
	MaxSeriesApproximation Counter
}

// NewCounters returns a zeroed counter set for a new job.
func NewCounters() *Counters {
	return &Counters{}
}

// CounterValues is a point-in-time read of a Counters set. Individual fields
// are read independently and may be mutually inconsistent.
type CounterValues struct {
	Reference              uint64
	ReferenceMaximum       uint64
	SeriesApproximation    uint64
	SeriesValidation       uint64
	Iteration              uint64
	GlitchedMaximum        uint64
	MinSeriesApproximation uint64
	MaxSeriesApproximation uint64
}

// Load reads every counter once.
func (c *Counters) Load() CounterValues {
	if c == nil {
		return CounterValues{}
	}
	return CounterValues{
		Reference:              c.Reference.Load(),
		ReferenceMaximum:       c.ReferenceMaximum.Load(),
		SeriesApproximation:    c.SeriesApproximation.Load(),
		SeriesValidation:       c.SeriesValidation.Load(),
		Iteration:              c.Iteration.Load(),
		GlitchedMaximum:        c.GlitchedMaximum.Load(),
		MinSeriesApproximation: c.MinSeriesApproximation.Load(),
		MaxSeriesApproximation: c.MaxSeriesApproximation.Load(),
	}
}

// Flag is a shared boolean set and cleared independently of any other state.
type Flag struct {
	v atomic.Bool
}

// Set raises the flag.
func (f *Flag) Set() {
	f.v.Store(true)
}

// Clear lowers the flag.
func (f *Flag) Clear() {
	f.v.Store(false)
}

// IsSet reports whether the flag is raised.
func (f *Flag) IsSet() bool {
	return f.v.Load()
}

// Flags are the control flags shared between the UI, the renderer and the
// zoom-out sequencer. They persist across jobs; the UI clears them before
// starting a new sequence.
type Flags struct {
	// Stop requests cooperative cancellation of the running job and of any
	// zoom-out chain.
	Stop Flag
	// Repeat suppresses automatic zoom-out re-triggering.
	Repeat Flag
}

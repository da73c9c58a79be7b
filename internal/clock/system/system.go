// Package system provides the wall-clock implementation of render.Clock.
package system

import "time"

// Clock reads the system clock. Now keeps the monotonic reading so job
// durations measured with Sub are immune to wall-clock steps; call UTC on the
// result when a display timestamp is needed.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time with its monotonic reading.
func (Clock) Now() time.Time {
	return time.Now()
}


package render

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job is the per-job handle the worker passes to the renderer.
type Job struct {
	ID       uuid.UUID
	Command  Command
	Counters *Counters
	// Continue reports whether the renderer should keep working. Renderers poll
	// it from their inner loops at their own granularity.
	Continue func() bool
}

// ShouldContinue is nil-safe sugar over Continue.
func (j *Job) ShouldContinue() bool {
	if j == nil || j.Continue == nil {
		return true
	}
	return j.Continue()
}

// Outcome describes how a job ended.
type Outcome struct {
	// Cancelled is true when the job stopped early because Continue returned
	// false. Cancellation is a normal outcome.
	Cancelled bool
}

// Renderer is the stateful, expensive image renderer the worker owns
// exclusively for the duration of each job.
type Renderer interface {
	// Run executes one job to completion or until job.Continue reports false.
	Run(ctx context.Context, job *Job) (Outcome, error)
	// ZoomMagnitude returns the current zoom in normalized units.
	ZoomMagnitude() float64
	// ScaleZoom multiplies the zoom magnitude by factor.
	ScaleZoom(factor float64)
	// TotalPixels returns the pixel count of the image the next job renders.
	TotalPixels() int
}

// Notifier receives progress, repaint and completion notifications. Progress
// and repaint delivery is best effort; completion delivery is guaranteed
// unless ctx ends first.
type Notifier interface {
	Progress(s Snapshot)
	Repaint(jobID uuid.UUID)
	Complete(ctx context.Context, s Snapshot) error
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

package render

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage is the coarse phase of a job, used only for display. Complete is both
// the initial state (nothing rendered yet) and the terminal one.
type Stage uint8

// Stage codes.
const (
	StageComplete         Stage = 0
	StageReference        Stage = 1
	StageApproximation    Stage = 2
	StageIteration        Stage = 3
	StageGlitchCorrection Stage = 4
)

// String returns a lowercase label suitable for logs and metric labels.
func (s Stage) String() string {
	switch s {
	case StageComplete:
		return "complete"
	case StageReference:
		return "reference"
	case StageApproximation:
		return "approximation"
	case StageIteration:
		return "iteration"
	case StageGlitchCorrection:
		return "glitch_correction"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// RefreshesIterationBounds reports whether display iteration bounds should be
// rescanned from the frame buffer at this stage. Bounds are left as they were
// during the reference and approximation stages.
func (s Stage) RefreshesIterationBounds() bool {
	return s >= StageIteration || s == StageComplete
}

// Snapshot is an immutable progress report for one job.
type Snapshot struct {
	JobID             uuid.UUID
	Command           Command
	Stage             Stage
	Fraction          float64
	Elapsed           time.Duration
	MinValidIteration uint64
	MaxValidIteration uint64
	ReferenceCount    uint64
}

// ElapsedMillis returns the elapsed job time in whole milliseconds.
func (s Snapshot) ElapsedMillis() int64 {
	return s.Elapsed.Milliseconds()
}

// Final reports whether s is a job's authoritative completion snapshot.
func (s Snapshot) Final() bool {
	return s.Stage == StageComplete && s.Fraction == 1
}

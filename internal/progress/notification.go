package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/deepzoom/internal/render"
)

// Kind denotes what a Notification reports.
type Kind string

// Supported notification kinds.
const (
	KindProgress Kind = "progress"
	KindRepaint  Kind = "repaint"
	KindComplete Kind = "complete"
)

// Notification is a single message on the UI notification stream.
type Notification struct {
	Kind Kind
	// TS is the UTC time the notification was produced.
	TS time.Time
	// Snapshot carries the job id for every kind; stage and fraction are only
	// meaningful for progress and completion notifications.
	Snapshot render.Snapshot
}

// JobID returns the job the notification belongs to.
func (n Notification) JobID() uuid.UUID {
	return n.Snapshot.JobID
}

// Validate performs coarse validation on Notification payloads.
func (n Notification) Validate() error {
	if n.Snapshot.JobID == uuid.Nil {
		return errors.New("job id is required")
	}
	if n.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch n.Kind {
	case KindRepaint:
	case KindProgress:
		if n.Snapshot.Fraction < 0 || n.Snapshot.Fraction > 1 {
			return fmt.Errorf("fraction %v out of range", n.Snapshot.Fraction)
		}
	case KindComplete:
		if !n.Snapshot.Final() {
			return errors.New("completion requires stage complete and fraction 1")
		}
	default:
		return fmt.Errorf("unknown kind %q", n.Kind)
	}
	return nil
}

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/deepzoom/internal/render"
)

type fakeRenderer struct {
	mu        sync.Mutex
	zoom      float64
	pixels    int
	steps     int
	stepDelay time.Duration
	err       error
	ran       []render.Command
	zooms     []float64
	started   chan struct{}

	active  atomic.Int32
	overlap atomic.Bool
}

func newFakeRenderer(zoom float64) *fakeRenderer {
	return &fakeRenderer{zoom: zoom, pixels: 100, steps: 4, started: make(chan struct{}, 64)}
}

func (r *fakeRenderer) Run(_ context.Context, job *render.Job) (render.Outcome, error) {
	if r.active.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.active.Add(-1)

	r.mu.Lock()
	r.ran = append(r.ran, job.Command)
	r.zooms = append(r.zooms, r.zoom)
	steps, delay, err := r.steps, r.stepDelay, r.err
	r.mu.Unlock()
	select {
	case r.started <- struct{}{}:
	default:
	}

	c := job.Counters
	c.ReferenceMaximum.Add(uint64(steps))
	for i := 0; i < steps; i++ {
		if !job.ShouldContinue() {
			return render.Outcome{Cancelled: true}, nil
		}
		c.Reference.Inc()
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	c.SeriesApproximation.Inc()
	c.SeriesValidation.Add(2)
	c.Iteration.Add(uint64(r.pixels))
	return render.Outcome{}, err
}

func (r *fakeRenderer) ZoomMagnitude() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zoom
}

func (r *fakeRenderer) ScaleZoom(factor float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zoom *= factor
}

func (r *fakeRenderer) TotalPixels() int {
	return r.pixels
}

func (r *fakeRenderer) commands() []render.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]render.Command(nil), r.ran...)
}

func (r *fakeRenderer) zoomsSeen() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.zooms...)
}

type noteKind int

const (
	noteProgress noteKind = iota
	noteRepaint
	noteComplete
)

type note struct {
	kind noteKind
	snap render.Snapshot
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []note
	err   error
}

func (n *recordingNotifier) Progress(s render.Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note{kind: noteProgress, snap: s})
}

func (n *recordingNotifier) Repaint(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note{kind: noteRepaint, snap: render.Snapshot{JobID: id}})
}

func (n *recordingNotifier) Complete(_ context.Context, s render.Snapshot) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note{kind: noteComplete, snap: s})
	return n.err
}

func (n *recordingNotifier) all() []note {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]note(nil), n.notes...)
}

func (n *recordingNotifier) completions() []render.Snapshot {
	var out []render.Snapshot
	for _, nt := range n.all() {
		if nt.kind == noteComplete {
			out = append(out, nt.snap)
		}
	}
	return out
}

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Now() }

type failingIDs struct{}

func (failingIDs) NewRawID() (uuid.UUID, error) {
	return uuid.Nil, errors.New("entropy exhausted")
}

type fakeQueue struct {
	mu    sync.Mutex
	items []render.Command
	err   error
}

func (q *fakeQueue) Enqueue(cmd render.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, cmd)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (render.Command, error) {
	<-ctx.Done()
	return render.CommandUnknown, ctx.Err()
}

func (q *fakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fakeQueue) enqueued() []render.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]render.Command(nil), q.items...)
}

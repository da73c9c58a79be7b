package sinks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/deepzoom/internal/progress"
	"github.com/JakeFAU/deepzoom/internal/render"
)

// LatestSink remembers the newest snapshot for clients that poll rather than
// subscribe. A completion snapshot always replaces progress for its job, and
// late progress for a job that already completed is ignored.
type LatestSink struct {
	mu        sync.RWMutex
	latest    render.Snapshot
	hasLatest bool
	repaints  atomic.Uint64
}

// NewLatestSink returns an empty LatestSink.
func NewLatestSink() *LatestSink {
	return &LatestSink{}
}

// Consume records the last snapshot in the batch.
func (s *LatestSink) Consume(_ context.Context, batch []progress.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range batch {
		switch n.Kind {
		case progress.KindRepaint:
			s.repaints.Add(1)
		case progress.KindProgress:
			if s.hasLatest && s.latest.JobID == n.Snapshot.JobID && s.latest.Final() {
				continue
			}
			s.latest = n.Snapshot
			s.hasLatest = true
		case progress.KindComplete:
			s.latest = n.Snapshot
			s.hasLatest = true
		}
	}
	return nil
}

// Latest returns the newest snapshot, if any job has reported yet.
func (s *LatestSink) Latest() (render.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasLatest
}

// Repaints returns the number of repaint requests seen.
func (s *LatestSink) Repaints() uint64 {
	return s.repaints.Load()
}

// Close implements the Sink interface; it performs no action.
func (s *LatestSink) Close(context.Context) error {
	return nil
}

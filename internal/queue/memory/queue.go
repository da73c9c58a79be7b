// Package memory provides the in-process render command queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/deepzoom/internal/render"
)

// ErrQueueClosed is returned by Enqueue and Dequeue after Close.
var ErrQueueClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of render commands. Enqueue never blocks and is
// safe for any number of producers; Dequeue is meant for a single consumer.
type Queue struct {
	mu     sync.Mutex
	items  []render.Command
	ready  chan struct{}
	closed bool
}

// NewQueue constructs an empty queue. capacity pre-sizes the backing slice.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		items: make([]render.Command, 0, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Enqueue appends cmd without blocking.
func (q *Queue) Enqueue(cmd render.Command) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, cmd)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Dequeue pops the oldest command, blocking until one is available, the
// queue closes, or ctx ends. Commands enqueued before Close are still drained.
func (q *Queue) Dequeue(ctx context.Context) (render.Command, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			cmd := q.items[0]
			q.items[0] = render.CommandUnknown
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return cmd, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return render.CommandUnknown, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return render.CommandUnknown, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.ready:
		}
	}
}

// Len returns the number of pending commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further commands and wakes a blocked consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}

func (q *Queue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

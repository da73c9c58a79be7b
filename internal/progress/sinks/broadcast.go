package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/deepzoom/internal/progress"
)

// ErrSubscriberGone reports a delivery to a subscriber that unsubscribed.
var ErrSubscriberGone = errors.New("subscriber gone")

const defaultSubscriberBuffer = 64

// Broadcaster fans notifications out to live UI subscribers. Progress and
// repaint notifications are best effort per subscriber; completions wait for
// buffer space until the sink deadline. A failed delivery only affects that
// notification for that subscriber.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	buffer int
	closed bool
	logger *zap.Logger
}

type subscriber struct {
	ch   chan progress.Notification
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewBroadcaster returns a Broadcaster whose subscribers buffer up to buffer
// notifications.
func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called once the consumer stops reading; the returned done channel closes
// when the subscription ends from either side.
func (b *Broadcaster) Subscribe() (<-chan progress.Notification, <-chan struct{}, func()) {
	sub := &subscriber{
		ch:   make(chan progress.Notification, b.buffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.stop()
		return sub.ch, sub.done, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.stop()
	}
	return sub.ch, sub.done, cancel
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Consume delivers the coalesced batch to every subscriber.
func (b *Broadcaster) Consume(ctx context.Context, batch []progress.Notification) error {
	batch = Coalesce(batch)
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		for _, n := range batch {
			if err := deliver(ctx, sub, n); err != nil {
				b.logger.Debug("notification not delivered",
					zap.String("kind", string(n.Kind)),
					zap.String("job_id", n.JobID().String()),
					zap.Error(err),
				)
				if n.Kind == progress.KindComplete {
					errs = append(errs, err)
				}
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("broadcast completion: %w", errors.Join(errs...))
	}
	return nil
}

func deliver(ctx context.Context, sub *subscriber, n progress.Notification) error {
	if n.Kind != progress.KindComplete {
		select {
		case <-sub.done:
			return ErrSubscriberGone
		case sub.ch <- n:
			return nil
		default:
			return errors.New("subscriber buffer full")
		}
	}
	select {
	case <-sub.done:
		return ErrSubscriberGone
	case sub.ch <- n:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("deliver completion: %w", ctx.Err())
	}
}

// Close ends every subscription.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		sub.stop()
		delete(b.subs, id)
	}
	return nil
}

// Coalesce drops progress notifications that a later completion for the same
// job in the batch supersedes. Order is otherwise preserved.
func Coalesce(batch []progress.Notification) []progress.Notification {
	var completed map[uuid.UUID]int
	for i, n := range batch {
		if n.Kind == progress.KindComplete {
			if completed == nil {
				completed = make(map[uuid.UUID]int)
			}
			completed[n.JobID()] = i
		}
	}
	if completed == nil {
		return batch
	}
	out := make([]progress.Notification, 0, len(batch))
	for i, n := range batch {
		if n.Kind == progress.KindProgress {
			if at, ok := completed[n.JobID()]; ok && i < at {
				continue
			}
		}
		out = append(out, n)
	}
	return out
}

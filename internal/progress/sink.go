package progress

import "context"

// Sink consumes batches of notifications in arrival order. Implementations
// must be safe for repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Notification) error
	Close(ctx context.Context) error
}

// Emitter publishes individual best-effort notifications; Hub satisfies this
// interface so producers can remain agnostic about buffering.
type Emitter interface {
	Emit(n Notification)
}

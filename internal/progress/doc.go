// Package progress provides the notification primitives and the non-blocking
// hub that carries render progress to the UI. Throttled progress and repaint
// notifications are best effort; completion notifications are never dropped.
// A background goroutine batches notifications in arrival order and fans them
// out to pluggable sinks such as Prometheus, structured logs, or live UI
// subscribers.
package progress

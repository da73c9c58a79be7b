// Package main hosts the deep-zoom render service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, command submission, the stop and repeat control flags,
//     and read-only progress views (latest snapshot, server-sent events, PNG of the current frame).
//   - Worker & queue: commands flow through an unbounded in-memory FIFO to a single worker that owns the renderer for
//     the whole of each job. Jobs never overlap. After every fast reset the zoom-out sequencer decides whether to
//     queue another, smaller zoom step.
//   - Progress: a poller goroutine per job samples the renderer's counters on a fixed cadence and emits throttled
//     stage/fraction snapshots plus periodic repaint requests. The progress Hub batches them to the log, Prometheus,
//     latest-snapshot and broadcast sinks. The completion snapshot of a job is always delivered after its progress.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Cancellation is cooperative: POST /v1/stop raises the stop flag, the renderer observes it between rows and the
//     sequencer at its next decision. POST /v1/zoom-out clears both flags and starts a new sequence.
//   - Shutdown: SIGINT/SIGTERM cancels the worker context; the running job ends early, its completion snapshot is
//     still published, and the hub drains into its sinks before the process exits.
//
// Quick checklist:
//   - Configure env vars: DEEPZOOM_SERVER_PORT, DEEPZOOM_RENDERER_WIDTH/HEIGHT/MAX_ITERATIONS, DEEPZOOM_ZOOM_*,
//     DEEPZOOM_WORKER_POLL_INTERVAL, DEEPZOOM_AUTH_ENABLED/API_KEY.
//   - Run locally: go run ./cmd/deepzoomd -config config.yaml (or rely solely on env overrides).
package main

// Package api hosts the HTTP server, middleware, and handlers the UI uses to
// drive the renderer. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/commands/{name} and POST /v1/zoom-out to queue render jobs.
//   - POST|DELETE /v1/stop and /v1/repeat to raise and clear control flags.
//   - GET /v1/progress, /v1/events (server-sent events) and /v1/frame.png for
//     observing the running job.
package api

// Package sinks implements concrete notification consumers: structured
// logging, Prometheus gauges, the latest-snapshot cache used by polling
// clients, and the broadcaster that feeds live UI subscribers. Each sink
// satisfies the progress.Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks

// Package metrics exposes Prometheus collectors for the render service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	renderJobsTotal              *prometheus.CounterVec
	renderJobDurationSeconds     *prometheus.HistogramVec
	renderActiveJobs             prometheus.Gauge
	renderQueueDepth             prometheus.Gauge
	renderCommandsDroppedTotal   *prometheus.CounterVec
	pollerTicksTotal             prometheus.Counter
	sequencerTransitionsTotal    *prometheus.CounterVec
	notificationsDroppedTotal    *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	completionPublishFailedTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		renderJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deepzoom_jobs_total",
				Help: "Total number of render jobs executed, labeled by command and outcome.",
			},
			[]string{"command", "outcome"},
		)

		renderJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deepzoom_job_duration_seconds",
				Help:    "Histogram of render job wall time, labeled by command.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"command"},
		)

		renderActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "deepzoom_active_jobs",
				Help: "Number of render jobs holding the renderer (0 or 1).",
			},
		)

		renderQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "deepzoom_queue_depth",
				Help: "Number of commands waiting for the worker.",
			},
		)

		renderCommandsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deepzoom_commands_dropped_total",
				Help: "Commands dropped by the worker, labeled by reason.",
			},
			[]string{"reason"},
		)

		pollerTicksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "deepzoom_poller_ticks_total",
				Help: "Total progress poller sampling ticks.",
			},
		)

		sequencerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deepzoom_sequencer_transitions_total",
				Help: "Zoom-out sequencer decisions, labeled by resulting state.",
			},
			[]string{"state"},
		)

		notificationsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deepzoom_notifications_dropped_total",
				Help: "Notifications dropped due to backpressure, labeled by kind.",
			},
			[]string{"kind"},
		)

		completionPublishFailedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "deepzoom_completion_publish_failed_total",
				Help: "Completion snapshots that could not be handed to the notification hub.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveJob records a finished render job.
func ObserveJob(command, outcome string, duration time.Duration) {
	Init()
	renderJobsTotal.WithLabelValues(command, outcome).Inc()
	renderJobDurationSeconds.WithLabelValues(command).Observe(duration.Seconds())
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	renderActiveJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	renderActiveJobs.Dec()
}

// SetQueueDepth records the number of pending commands.
func SetQueueDepth(depth int) {
	Init()
	renderQueueDepth.Set(float64(depth))
}

// ObserveCommandDropped counts a command the worker refused to run.
func ObserveCommandDropped(reason string) {
	Init()
	renderCommandsDroppedTotal.WithLabelValues(reason).Inc()
}

// ObservePollerTick counts one poller sampling tick.
func ObservePollerTick() {
	Init()
	pollerTicksTotal.Inc()
}

// ObserveSequencerTransition counts a zoom-out sequencer decision.
func ObserveSequencerTransition(state string) {
	Init()
	sequencerTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveNotificationDropped counts a notification lost to backpressure.
func ObserveNotificationDropped(kind string) {
	Init()
	notificationsDroppedTotal.WithLabelValues(kind).Inc()
}

// ObserveCompletionPublishFailed counts a completion snapshot that never
// reached the hub.
func ObserveCompletionPublishFailed() {
	Init()
	completionPublishFailedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/deepzoom/internal/progress"
)

// PrometheusSink exports the notification stream via Prometheus. It owns the
// current stage/fraction gauges plus completion and repaint counters.
type PrometheusSink struct {
	stage       prometheus.Gauge
	fraction    prometheus.Gauge
	completions *prometheus.CounterVec
	jobRuntime  *prometheus.HistogramVec
	repaints    prometheus.Counter
	progress    prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		stage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deepzoom_render_stage",
			Help: "Stage code of the most recent render notification (0 complete, 1 reference, 2 approximation, 3 iteration, 4 glitch correction).",
		}),
		fraction: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deepzoom_render_fraction",
			Help: "Fractional progress of the current stage.",
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepzoom_render_completions_total",
			Help: "Completion notifications delivered, partitioned by command.",
		}, []string{"command"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepzoom_render_job_elapsed_seconds",
			Help:    "Elapsed time reported by completion snapshots.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"command"}),
		repaints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deepzoom_render_repaints_total",
			Help: "Repaint notifications delivered.",
		}),
		progress: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deepzoom_render_progress_notifications_total",
			Help: "Progress notifications delivered.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.stage,
		s.fraction,
		s.completions,
		s.jobRuntime,
		s.repaints,
		s.progress,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Notification) error {
	for _, n := range batch {
		s.consume(n)
	}
	return nil
}

func (s *PrometheusSink) consume(n progress.Notification) {
	switch n.Kind {
	case progress.KindRepaint:
		s.repaints.Inc()
	case progress.KindProgress:
		s.progress.Inc()
		s.stage.Set(float64(n.Snapshot.Stage))
		s.fraction.Set(n.Snapshot.Fraction)
	case progress.KindComplete:
		label := n.Snapshot.Command.String()
		s.stage.Set(float64(n.Snapshot.Stage))
		s.fraction.Set(n.Snapshot.Fraction)
		s.completions.WithLabelValues(label).Inc()
		if n.Snapshot.Elapsed > 0 {
			s.jobRuntime.WithLabelValues(label).Observe(n.Snapshot.Elapsed.Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

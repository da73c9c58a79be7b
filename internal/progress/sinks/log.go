package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/deepzoom/internal/progress"
)

// LogSink emits structured logs for debugging notification streams. Progress
// and repaint notifications log at debug level, completions at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each notification in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Notification) error {
	for _, n := range batch {
		snap := n.Snapshot
		fields := []zap.Field{
			zap.String("job_id", snap.JobID.String()),
			zap.String("kind", string(n.Kind)),
		}
		if n.Kind == progress.KindRepaint {
			s.logger.Debug("repaint requested", fields...)
			continue
		}
		fields = append(fields,
			zap.String("command", snap.Command.String()),
			zap.String("stage", snap.Stage.String()),
			zap.Float64("fraction", snap.Fraction),
			zap.Int64("elapsed_ms", snap.ElapsedMillis()),
			zap.Uint64("min_valid_iteration", snap.MinValidIteration),
			zap.Uint64("max_valid_iteration", snap.MaxValidIteration),
			zap.Uint64("reference_count", snap.ReferenceCount),
		)
		if n.Kind == progress.KindComplete {
			s.logger.Info("render job complete", fields...)
			continue
		}
		s.logger.Debug("render progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

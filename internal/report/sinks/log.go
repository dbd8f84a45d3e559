package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/trailnotes/internal/report"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

// LogSink writes one structured log line per report. Failures are logged at
// Error level; a failed snapshot restore additionally carries alert=true.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("runs")}
}

// Consume logs each report in the batch.
func (s *LogSink) Consume(_ context.Context, batch []report.Report) error {
	for _, r := range batch {
		fields := []zap.Field{
			zap.String("run_id", r.ID),
			zap.String("job", r.Job),
			zap.String("outcome", string(r.Outcome)),
			zap.Time("started_at", r.StartedAt),
			zap.Duration("duration", r.Duration),
		}
		if r.Kind != trail.KindNone {
			fields = append(fields, zap.String("kind", string(r.Kind)))
		}
		if r.Error != "" {
			fields = append(fields, zap.String("error", r.Error))
		}
		if r.Kind == trail.KindRestoreFailed {
			fields = append(fields, zap.Bool("alert", true))
		}
		if len(r.Detail) > 0 {
			fields = append(fields, zap.Any("detail", r.Detail))
		}
		s.logger.Log(levelFor(r), "job run", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(r report.Report) zapcore.Level {
	switch {
	case r.Outcome == report.OutcomeFailure:
		return zapcore.ErrorLevel
	case r.Outcome == report.OutcomeSkipped:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

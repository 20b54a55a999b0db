// Package sinks provides the progress sink implementations: structured
// logging, Prometheus metrics, and the in-memory snapshot store the API
// serves.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/machiya/campsync/internal/progress"
)

// LogSink emits structured logs for each progress event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the event using structured fields.
func (s *LogSink) Consume(_ context.Context, evt progress.Event) error {
	fields := []zap.Field{
		zap.String("run_id", evt.RunID.String()),
		zap.String("stage", string(evt.Stage)),
		zap.Float64("fraction", evt.Fraction),
		zap.String("message", evt.Message),
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	s.logger.Info("harvest progress", fields...)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error { return nil }

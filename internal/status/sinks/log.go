package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/keyword-job-tracker/internal/status"
)

// LogSink emits one structured log line per connection event.
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

// Consume logs each event in the batch. Heartbeats and progress messages log
// at debug; errors log at warn.
func (s *LogSink) Consume(_ context.Context, batch []status.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.Int64("job_id", evt.JobID),
			zap.String("session_id", evt.SessionID),
			zap.Time("ts", evt.TS),
		}
		switch evt.Kind {
		case status.KindMessage:
			fields = append(fields,
				zap.String("stage", string(evt.Stage)),
				zap.Float64("percent", evt.Percent),
				zap.String("message", evt.Message),
			)
		case status.KindReconnect:
			fields = append(fields, zap.Int("attempt", evt.Attempts), zap.Int("max_attempts", evt.MaxAttempts))
		case status.KindError:
			fields = append(fields, zap.String("error", evt.Message), zap.Bool("final", evt.Final))
			if evt.Final {
				fields = append(fields, zap.Int("attempts", evt.Attempts))
			}
		}
		s.logger.Log(levelFor(evt.Kind), "connection event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(kind status.Kind) zapcore.Level {
	switch kind {
	case status.KindHeartbeat, status.KindMessage:
		return zapcore.DebugLevel
	case status.KindError:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/funding-pipeline/internal/progress"
)

// LogSink emits structured logs for run events. Run lifecycle events log at
// info, chunk and batch events at debug, and failures at warn.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		switch evt.Stage {
		case progress.StageRunError, progress.StageRunRejected, progress.StageChunkError:
			level = zapcore.WarnLevel
		case progress.StageRunQueued, progress.StageRunStart, progress.StageRunDone:
			level = zapcore.InfoLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("run_id", evt.RunID),
			zap.String("source_id", evt.SourceID),
			zap.Time("ts", evt.TS),
		}
		switch evt.Stage {
		case progress.StageChunkDone, progress.StageChunkError:
			fields = append(fields, zap.Int("chunk", evt.Chunk))
		case progress.StageBatchDone:
			fields = append(fields,
				zap.Int("chunk", evt.Chunk),
				zap.Int("batch", evt.Batch),
				zap.Int64("prompt_tokens", evt.PromptTokens),
				zap.Int64("completion_tokens", evt.CompletionTokens),
			)
		}
		if !evt.Counters.IsZero() {
			fields = append(fields, zap.Any("counters", evt.Counters))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.ErrorKind != "" {
			fields = append(fields, zap.String("error_kind", string(evt.ErrorKind)))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

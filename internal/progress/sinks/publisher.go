package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/progress"
)

// RunEvent is the structured run completion or failure message published for
// downstream consumers.
type RunEvent struct {
	RunID        string            `json:"run_id,omitempty"`
	SourceID     string            `json:"source_id"`
	Stage        string            `json:"stage"`
	Status       string            `json:"status"`
	Counters     pipeline.Counters `json:"counters"`
	ChunksFailed int64             `json:"chunks_failed,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	Message      string            `json:"message,omitempty"`
	DurationMS   int64             `json:"duration_ms,omitempty"`
	Timestamp    string            `json:"timestamp"`
}

// Attributes exposes routing attributes for subscription filters.
func (e RunEvent) Attributes() map[string]string {
	return map[string]string{
		"source_id": e.SourceID,
		"status":    e.Status,
	}
}

// PublisherSink publishes terminal run events to a topic. Publish failures
// are logged and do not stop the rest of the batch.
type PublisherSink struct {
	publisher pipeline.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink constructs a PublisherSink.
func NewPublisherSink(publisher pipeline.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes RUN_DONE, RUN_ERROR, and RUN_REJECTED events.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil || s.topic == "" {
		return nil
	}
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		msg := RunEvent{
			RunID:        evt.RunID,
			SourceID:     evt.SourceID,
			Stage:        string(evt.Stage),
			Status:       terminalStatus(evt.Stage),
			Counters:     evt.Counters,
			ChunksFailed: evt.ChunksFailed,
			ErrorKind:    string(evt.ErrorKind),
			Message:      evt.Note,
			DurationMS:   evt.Dur.Milliseconds(),
			Timestamp:    evt.TS.UTC().Format(time.RFC3339),
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			s.logger.Warn("publish run event failed",
				zap.String("run_id", evt.RunID),
				zap.String("stage", string(evt.Stage)),
				zap.Error(err),
			)
			continue
		}
		s.logger.Debug("run event published", zap.String("run_id", evt.RunID), zap.String("message_id", id))
	}
	return nil
}

func terminalStatus(stage progress.Stage) string {
	switch stage {
	case progress.StageRunDone:
		return string(pipeline.StatusCompleted)
	case progress.StageRunRejected:
		return "rejected"
	default:
		return string(pipeline.StatusFailed)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

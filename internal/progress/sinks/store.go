package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/progress"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

// StoreSink writes run lifecycle events to the per-source activity log.
// Rejections are recorded synchronously by the dispatcher and skipped here.
type StoreSink struct {
	repo   store.ActivityRepository
	ids    pipeline.IDGenerator
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository. ids may be
// nil, in which case the repository assigns entry IDs.
func NewStoreSink(repo store.ActivityRepository, ids pipeline.IDGenerator, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, ids: ids, logger: logger}
}

// Consume records one activity entry per lifecycle event and returns the
// first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		kind, ok := activityKind(evt.Stage)
		if !ok {
			continue
		}
		entry := pipeline.ActivityEntry{
			SourceID:  evt.SourceID,
			RunID:     evt.RunID,
			Kind:      kind,
			ErrorKind: evt.ErrorKind,
			Message:   evt.Note,
			At:        evt.TS,
		}
		if s.ids != nil {
			id, err := s.ids.NewID()
			if err != nil {
				return fmt.Errorf("activity id: %w", err)
			}
			entry.ID = id
		}
		if err := s.repo.RecordActivity(ctx, entry); err != nil {
			return fmt.Errorf("record %s activity for run %s: %w", kind, evt.RunID, err)
		}
	}
	return nil
}

func activityKind(stage progress.Stage) (pipeline.ActivityKind, bool) {
	switch stage {
	case progress.StageRunStart:
		return pipeline.ActivityRunStarted, true
	case progress.StageRunDone:
		return pipeline.ActivityRunCompleted, true
	case progress.StageRunError:
		return pipeline.ActivityRunFailed, true
	default:
		return "", false
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

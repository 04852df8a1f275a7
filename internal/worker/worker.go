// Package worker implements the loop that takes queued runs and hands them
// to the coordinator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/funding-pipeline/internal/metrics"
	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

// Processor executes one queued run to a terminal state.
type Processor interface {
	Process(ctx context.Context, item pipeline.QueueItem) error
}

// RunFailer fails a run the processor could not finish.
type RunFailer interface {
	UpdateRunError(ctx context.Context, runID string, cause error, stage pipeline.Stage) error
}

// Worker consumes queue items one at a time.
type Worker struct {
	id        int
	queue     pipeline.Queue
	processor Processor
	runs      RunFailer
	logger    *zap.Logger
}

// New constructs a Worker. runs may be nil, in which case a panicking run is
// only logged.
func New(id int, queue pipeline.Queue, processor Processor, runs RunFailer, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:        id,
		queue:     queue,
		processor: processor,
		runs:      runs,
		logger:    logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pipeline.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item pipeline.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("run_id", item.RunID), zap.String("source_id", item.SourceID))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("run panicked", zap.Any("panic", r), zap.Stack("stack"))
			if w.runs == nil {
				return
			}
			cause := fmt.Errorf("run panicked: %v", r)
			if err := w.runs.UpdateRunError(context.WithoutCancel(ctx), item.RunID, cause, pipeline.StageFinalize); err != nil {
				logger.Error("record panic failure failed", zap.Error(err))
			}
		}
	}()

	if err := w.processor.Process(ctx, item); err != nil {
		logger.Warn("run finished with error",
			zap.String("kind", string(pipeline.KindOf(err))),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	logger.Info("run finished", zap.Duration("duration", time.Since(start)))
}

// Package dispatcher accepts run requests, queues them, and fans queued work
// out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/progress"
	"github.com/JakeFAU/funding-pipeline/internal/store"
	"github.com/JakeFAU/funding-pipeline/internal/worker"
)

// DefaultEnqueueTimeout bounds how long StartRun waits on a full queue.
const DefaultEnqueueTimeout = 5 * time.Second

// RunManager is the subset of runmanager.Manager the dispatcher needs.
type RunManager interface {
	StartRun(ctx context.Context, sourceID string, opts pipeline.RunOptions) (string, error)
	UpdateRunError(ctx context.Context, runID string, cause error, stage pipeline.Stage) error
	List(ctx context.Context, filter store.RunFilter) ([]pipeline.Run, error)
}

// SourceResolver validates that a source exists and is usable.
type SourceResolver interface {
	Resolve(sourceID string) (pipeline.Source, pipeline.Extractor, error)
}

// Config tunes request handling.
type Config struct {
	EnqueueTimeout time.Duration
	// MaxChunkSize rejects runs that ask for larger chunks. Zero disables the check.
	MaxChunkSize int
	// RequeueAfter leaves pending runs younger than this to the process that
	// submitted them. Zero requeues every pending run.
	RequeueAfter time.Duration
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue    pipeline.Queue
	runs     RunManager
	sources  SourceResolver
	activity store.ActivityRepository
	clock    pipeline.Clock
	emitter  progress.Emitter
	workers  []*worker.Worker
	cfg      Config
	logger   *zap.Logger

	// queued holds runs this dispatcher queued that were still pending at
	// the last Recover.
	mu     sync.Mutex
	queued map[string]struct{}
}

// New creates a Dispatcher. activity and emitter may be nil.
func New(
	queue pipeline.Queue,
	runs RunManager,
	sources SourceResolver,
	activity store.ActivityRepository,
	clock pipeline.Clock,
	emitter progress.Emitter,
	workers []*worker.Worker,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		runs:     runs,
		sources:  sources,
		activity: activity,
		clock:    clock,
		emitter:  emitter,
		workers:  workers,
		cfg:      cfg,
		logger:   logger,
		queued:   make(map[string]struct{}),
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// StartRun validates the request, records a pending run, and queues it. It
// returns as soon as the run is queued.
//
// Failures before the run exists are returned as *pipeline.EarlyFailureError
// and leave only an activity entry behind. A queue failure after the run was
// recorded fails that run and returns its ID alongside the error.
func (d *Dispatcher) StartRun(ctx context.Context, sourceID string, opts pipeline.RunOptions) (string, error) {
	sourceID = strings.TrimSpace(sourceID)
	if err := d.validate(sourceID, opts); err != nil {
		return "", d.reject(ctx, sourceID, err)
	}

	runID, err := d.runs.StartRun(ctx, sourceID, opts)
	if err != nil {
		return "", d.reject(ctx, sourceID, err)
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, d.cfg.EnqueueTimeout)
	defer cancel()
	item := pipeline.QueueItem{
		RunID:     runID,
		SourceID:  sourceID,
		Options:   opts,
		Attempt:   1,
		Submitted: d.now().UnixMilli(),
	}
	if err := d.queue.Enqueue(enqueueCtx, item); err != nil {
		cause := pipeline.NewError(pipeline.KindPersistence, pipeline.StageQueue, "enqueue run", err)
		d.logger.Error("enqueue run failed", zap.String("run_id", runID), zap.Error(err))
		if failErr := d.runs.UpdateRunError(context.WithoutCancel(ctx), runID, cause, pipeline.StageQueue); failErr != nil {
			d.logger.Error("record enqueue failure failed", zap.String("run_id", runID), zap.Error(failErr))
		}
		return runID, cause
	}
	d.track(runID)
	d.logger.Info("run queued", zap.String("run_id", runID), zap.String("source_id", sourceID))
	return runID, nil
}

func (d *Dispatcher) validate(sourceID string, opts pipeline.RunOptions) error {
	if sourceID == "" {
		return pipeline.NewError(pipeline.KindConfiguration, pipeline.StageSetup, "validate request",
			errors.New("source id is required"))
	}
	if _, _, err := d.sources.Resolve(sourceID); err != nil {
		return pipeline.NewError(pipeline.KindConfiguration, pipeline.StageSetup, "resolve source", err)
	}
	var problems []error
	if opts.VolumeEstimate < 0 {
		problems = append(problems, fmt.Errorf("volume estimate %d is negative", opts.VolumeEstimate))
	}
	if opts.MaxChunkSize < 0 {
		problems = append(problems, fmt.Errorf("max chunk size %d is negative", opts.MaxChunkSize))
	}
	if d.cfg.MaxChunkSize > 0 && opts.MaxChunkSize > d.cfg.MaxChunkSize {
		problems = append(problems, fmt.Errorf("max chunk size %d exceeds limit %d", opts.MaxChunkSize, d.cfg.MaxChunkSize))
	}
	if len(problems) > 0 {
		return pipeline.NewError(pipeline.KindConfiguration, pipeline.StageSetup, "validate options", errors.Join(problems...))
	}
	return nil
}

// reject records a request that never produced a run.
func (d *Dispatcher) reject(ctx context.Context, sourceID string, cause error) error {
	now := d.now()
	kind := pipeline.KindOf(cause)
	d.logger.Warn("run rejected", zap.String("source_id", sourceID), zap.String("kind", string(kind)), zap.Error(cause))

	if d.activity != nil && sourceID != "" {
		entry := pipeline.ActivityEntry{
			SourceID:  sourceID,
			Kind:      pipeline.ActivityRunRejected,
			ErrorKind: kind,
			Message:   cause.Error(),
			At:        now,
		}
		if err := d.activity.RecordActivity(context.WithoutCancel(ctx), entry); err != nil {
			d.logger.Error("record rejection failed", zap.String("source_id", sourceID), zap.Error(err))
		}
	}
	progress.Emit(d.emitter, progress.Event{
		SourceID:  sourceID,
		TS:        now,
		Stage:     progress.StageRunRejected,
		ErrorKind: kind,
		Note:      cause.Error(),
	})
	return &pipeline.EarlyFailureError{SourceID: sourceID, Err: cause}
}

// Recover queues pending runs this dispatcher has not queued yet, oldest
// first, and returns how many were queued. It runs at startup to pick up runs
// a previous process left behind and periodically to pick up runs recorded by
// other processes sharing the store. A run queued twice is processed once:
// only one worker can move it out of pending.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	runs, err := d.runs.List(ctx, store.RunFilter{Statuses: []pipeline.Status{pipeline.StatusPending}})
	if err != nil {
		return 0, fmt.Errorf("list pending runs: %w", err)
	}
	d.prune(runs)

	cutoff := d.now().Add(-d.cfg.RequeueAfter)
	queued := 0
	// Listed newest first; requeue in submission order.
	for i := len(runs) - 1; i >= 0; i-- {
		run := runs[i]
		if d.tracked(run.ID) {
			continue
		}
		if d.cfg.RequeueAfter > 0 && run.CreatedAt.After(cutoff) {
			continue
		}
		item := pipeline.QueueItem{
			RunID:     run.ID,
			SourceID:  run.SourceID,
			Options:   run.Options,
			Attempt:   2,
			Submitted: d.now().UnixMilli(),
		}
		enqueueCtx, cancel := context.WithTimeout(ctx, d.cfg.EnqueueTimeout)
		err := d.queue.Enqueue(enqueueCtx, item)
		cancel()
		if err != nil {
			return queued, fmt.Errorf("requeue run %s: %w", run.ID, err)
		}
		d.track(run.ID)
		queued++
		d.logger.Info("run requeued", zap.String("run_id", run.ID), zap.String("source_id", run.SourceID))
	}
	return queued, nil
}

func (d *Dispatcher) track(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queued[runID] = struct{}{}
}

func (d *Dispatcher) tracked(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.queued[runID]
	return ok
}

// prune forgets queued runs that have left pending.
func (d *Dispatcher) prune(pending []pipeline.Run) {
	still := make(map[string]struct{}, len(pending))
	for _, run := range pending {
		still[run.ID] = struct{}{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.queued {
		if _, ok := still[id]; !ok {
			delete(d.queued, id)
		}
	}
}

func (d *Dispatcher) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now().UTC()
}

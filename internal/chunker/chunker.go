// Package chunker splits a run's workload into page-range chunks and owns
// every persisted transition of their jobs.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/progress"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

// DefaultChunkSize is the number of source pages per chunk.
const DefaultChunkSize = 5

// ErrInvalidStatus is returned when a chunk is asked to move to a status it
// cannot be recorded with.
var ErrInvalidStatus = errors.New("invalid chunk status")

// Plan splits volume pages into contiguous chunks of at most maxChunkSize
// pages. A non-positive volume yields a single open-ended chunk.
func Plan(volume, maxChunkSize int) []pipeline.ChunkDescriptor {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultChunkSize
	}
	if volume <= 0 {
		return []pipeline.ChunkDescriptor{{Index: 0, Total: 1, PageStart: 0, PageEnd: 0}}
	}
	total := (volume + maxChunkSize - 1) / maxChunkSize
	out := make([]pipeline.ChunkDescriptor, total)
	for i := range out {
		start := i * maxChunkSize
		out[i] = pipeline.ChunkDescriptor{
			Index:     i,
			Total:     total,
			PageStart: start,
			PageEnd:   min(start+maxChunkSize, volume),
		}
	}
	return out
}

// Chunker persists jobs and records their status transitions.
type Chunker struct {
	jobs       store.JobRepository
	ids        pipeline.IDGenerator
	clock      pipeline.Clock
	emitter    progress.Emitter
	retryDelay time.Duration
	logger     *zap.Logger
}

// New constructs a Chunker. emitter may be nil.
func New(
	jobs store.JobRepository,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	emitter progress.Emitter,
	retryDelay time.Duration,
	logger *zap.Logger,
) *Chunker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{
		jobs:       jobs,
		ids:        ids,
		clock:      clock,
		emitter:    emitter,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// CreateJobs persists one pending job per descriptor.
func (c *Chunker) CreateJobs(ctx context.Context, runID string, descriptors []pipeline.ChunkDescriptor) ([]pipeline.Job, error) {
	if len(descriptors) == 0 {
		return nil, pipeline.NewError(pipeline.KindConfiguration, pipeline.StageSetup, "create jobs", errors.New("no chunks planned"))
	}
	now := c.clock.Now().UTC()
	jobs := make([]pipeline.Job, len(descriptors))
	for i, d := range descriptors {
		id, err := c.ids.NewID()
		if err != nil {
			return nil, pipeline.NewError(pipeline.KindPersistence, pipeline.StageSetup, "generate job id", err)
		}
		jobs[i] = pipeline.Job{
			ID:          id,
			RunID:       runID,
			ChunkIndex:  d.Index,
			TotalChunks: d.Total,
			Status:      pipeline.StatusPending,
			PageStart:   d.PageStart,
			PageEnd:     d.PageEnd,
			CreatedAt:   now,
		}
	}
	if err := c.jobs.InsertJobs(ctx, jobs); err != nil {
		return nil, pipeline.NewError(pipeline.KindPersistence, pipeline.StageSetup, "insert jobs", err)
	}
	c.logger.Debug("chunk jobs created", zap.String("run_id", runID), zap.Int("chunks", len(jobs)))
	return jobs, nil
}

// MarkProcessing moves a pending job to processing. It reports false when the
// job had already left pending.
func (c *Chunker) MarkProcessing(ctx context.Context, jobID string) (bool, error) {
	ok, err := c.jobs.TransitionJob(ctx, jobID,
		[]pipeline.Status{pipeline.StatusPending},
		pipeline.StatusProcessing,
		store.JobPatch{At: c.clock.Now().UTC()},
	)
	if err != nil {
		return false, pipeline.NewError(pipeline.KindPersistence, pipeline.StageExtraction, "mark job processing", err)
	}
	return ok, nil
}

// RecordChunkStatus moves a job to a terminal status with its counters and
// optional failure. The transition is compare-and-set from a non-terminal
// state, so an already terminal job is left unchanged and false is returned.
// Store errors are retried once before being surfaced.
func (c *Chunker) RecordChunkStatus(
	ctx context.Context,
	job pipeline.Job,
	status pipeline.Status,
	counters pipeline.Counters,
	cause error,
) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	patch := store.JobPatch{Counters: counters, At: c.clock.Now().UTC()}
	if status == pipeline.StatusFailed {
		if cause == nil {
			cause = errors.New("chunk failed")
		}
		patch.Error = pipeline.ToRunError(cause, pipeline.StageExtraction)
		if patch.Error.ChunkIndex == nil {
			idx := job.ChunkIndex
			patch.Error.ChunkIndex = &idx
		}
	}

	var applied bool
	err := pipeline.RetryOnce(ctx, c.retryDelay, func() error {
		ok, err := c.jobs.TransitionJob(ctx, job.ID, pipeline.NonTerminal, status, patch)
		if err != nil {
			return err
		}
		applied = ok
		return nil
	})
	if err != nil {
		return false, pipeline.NewError(pipeline.KindPersistence, pipeline.StageFinalize, "record chunk status", err).WithChunk(job.ChunkIndex)
	}
	if !applied {
		c.logger.Info("chunk already terminal", zap.String("job_id", job.ID), zap.Int("chunk", job.ChunkIndex))
		return false, nil
	}

	evt := progress.Event{
		RunID:    job.RunID,
		TS:       patch.At,
		Stage:    progress.StageChunkDone,
		Chunk:    job.ChunkIndex,
		Counters: counters,
	}
	if patch.Error != nil {
		evt.Stage = progress.StageChunkError
		evt.ErrorKind = patch.Error.Kind
		evt.Note = patch.Error.Message
	}
	progress.Emit(c.emitter, evt)
	return true, nil
}

// ListJobs returns a run's jobs ordered by chunk index.
func (c *Chunker) ListJobs(ctx context.Context, runID string) ([]pipeline.Job, error) {
	jobs, err := c.jobs.ListJobs(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for run %s: %w", runID, err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ChunkIndex < jobs[j].ChunkIndex })
	return jobs, nil
}

// AllTerminal reports whether every job of the run has finished.
func (c *Chunker) AllTerminal(ctx context.Context, runID string) (bool, error) {
	jobs, err := c.ListJobs(ctx, runID)
	if err != nil {
		return false, err
	}
	if len(jobs) == 0 {
		return false, nil
	}
	return Summarize(jobs).AllTerminal(), nil
}

// Summary aggregates job states for run finalization.
type Summary struct {
	Total     int
	Completed int
	Failed    int
	Pending   int
	Counters  pipeline.Counters
	// FirstError is the error of the earliest failed chunk.
	FirstError *pipeline.RunError
}

// AllTerminal reports whether no job is still pending or processing.
func (s Summary) AllTerminal() bool {
	return s.Total > 0 && s.Pending == 0
}

// Summarize counts job outcomes. FirstError is taken from the failed job that
// completed first, falling back to the lowest chunk index on ties.
func Summarize(jobs []pipeline.Job) Summary {
	s := Summary{Total: len(jobs)}
	var first *pipeline.Job
	for i := range jobs {
		j := &jobs[i]
		s.Counters = s.Counters.Add(j.Counters)
		switch j.Status {
		case pipeline.StatusCompleted:
			s.Completed++
		case pipeline.StatusFailed:
			s.Failed++
			if j.Error != nil && earlier(j, first) {
				first = j
			}
		default:
			s.Pending++
		}
	}
	if first != nil {
		s.FirstError = first.Error
	}
	return s
}

func earlier(a, b *pipeline.Job) bool {
	if b == nil {
		return true
	}
	switch {
	case a.CompletedAt != nil && b.CompletedAt != nil && !a.CompletedAt.Equal(*b.CompletedAt):
		return a.CompletedAt.Before(*b.CompletedAt)
	case a.CompletedAt != nil && b.CompletedAt == nil:
		return true
	case a.CompletedAt == nil && b.CompletedAt != nil:
		return false
	default:
		return a.ChunkIndex < b.ChunkIndex
	}
}

// Package coordinator drives one run of a source through extraction, change
// detection, batched analysis, and storage. Chunks of a run are processed in
// parallel and every run and job state change is delegated to the run manager
// and the job chunker.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/funding-pipeline/internal/analysis"
	"github.com/JakeFAU/funding-pipeline/internal/chunker"
	"github.com/JakeFAU/funding-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/funding-pipeline/internal/progress"
	"github.com/JakeFAU/funding-pipeline/internal/runmanager"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

// Coordinator defaults.
const (
	DefaultChunkWorkers      = 2
	DefaultExtractRetryDelay = 500 * time.Millisecond
	DefaultMaxOpenPages      = 500
)

// RunManager is the subset of runmanager.Manager the coordinator needs.
type RunManager interface {
	MarkProcessing(ctx context.Context, runID string) error
	UpdateProgress(ctx context.Context, runID string, delta pipeline.Progress)
	Complete(ctx context.Context, runID string, final pipeline.Metrics) error
	UpdateRunError(ctx context.Context, runID string, cause error, stage pipeline.Stage) error
	Fail(ctx context.Context, runID string, runErr *pipeline.RunError, final pipeline.Metrics) error
}

// ChunkTracker is the subset of chunker.Chunker the coordinator needs.
type ChunkTracker interface {
	CreateJobs(ctx context.Context, runID string, descriptors []pipeline.ChunkDescriptor) ([]pipeline.Job, error)
	MarkProcessing(ctx context.Context, jobID string) (bool, error)
	RecordChunkStatus(
		ctx context.Context,
		job pipeline.Job,
		status pipeline.Status,
		counters pipeline.Counters,
		cause error,
	) (bool, error)
	ListJobs(ctx context.Context, runID string) ([]pipeline.Job, error)
}

// ChangeDetector decides whether a candidate needs fresh analysis.
type ChangeDetector interface {
	Detect(existing *pipeline.StoredRecord, candidate pipeline.CandidateRecord) pipeline.ChangeDecision
}

// Analyzer runs records through the analysis service.
type Analyzer interface {
	Analyze(ctx context.Context, items []analysis.Item) analysis.Report
}

// SourceResolver returns the configuration and extractor of a source.
type SourceResolver interface {
	Resolve(sourceID string) (pipeline.Source, pipeline.Extractor, error)
}

// Config controls chunk planning, parallelism, and extraction retries.
type Config struct {
	// ChunkSize is the default pages per chunk when a run does not set one.
	ChunkSize int
	// MaxChunks rejects runs whose plan exceeds it. Zero disables the check.
	MaxChunks    int
	ChunkWorkers int
	// ExtractRetries is the number of retries per page after the first attempt.
	ExtractRetries    int
	ExtractRetryDelay time.Duration
	// MaxOpenPages bounds open-ended chunks whose source never ends pagination.
	MaxOpenPages int
	// ArchiveRaw stores every extracted page in the blob store.
	ArchiveRaw bool
	BlobPrefix string
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = chunker.DefaultChunkSize
	}
	if c.ChunkWorkers <= 0 {
		c.ChunkWorkers = DefaultChunkWorkers
	}
	if c.ExtractRetries < 0 {
		c.ExtractRetries = 0
	}
	if c.ExtractRetryDelay <= 0 {
		c.ExtractRetryDelay = DefaultExtractRetryDelay
	}
	if c.MaxOpenPages <= 0 {
		c.MaxOpenPages = DefaultMaxOpenPages
	}
	return c
}

// Coordinator executes queued runs.
type Coordinator struct {
	runs     RunManager
	chunks   ChunkTracker
	detector ChangeDetector
	analyzer Analyzer
	sources  SourceResolver
	opps     store.OpportunityRepository
	blobs    pipeline.BlobStore
	hasher   pipeline.Hasher
	limiter  pipeline.Limiter
	ids      pipeline.IDGenerator
	clock    pipeline.Clock
	emitter  progress.Emitter
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Coordinator. blobs, limiter, and emitter may be nil; a nil
// hasher defaults to SHA-256.
func New(
	runs RunManager,
	chunks ChunkTracker,
	detector ChangeDetector,
	analyzer Analyzer,
	sources SourceResolver,
	opps store.OpportunityRepository,
	blobs pipeline.BlobStore,
	hasher pipeline.Hasher,
	limiter pipeline.Limiter,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Coordinator{
		runs:     runs,
		chunks:   chunks,
		detector: detector,
		analyzer: analyzer,
		sources:  sources,
		opps:     opps,
		blobs:    blobs,
		hasher:   hasher,
		limiter:  limiter,
		ids:      ids,
		clock:    clock,
		emitter:  emitter,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// runContext carries the per-run values shared by its chunks.
type runContext struct {
	runID     string
	source    pipeline.Source
	extractor pipeline.Extractor
	opts      pipeline.RunOptions
	limitKey  string
	logger    *zap.Logger
}

// Process executes one queued run to a terminal state. It returns nil when the
// run completed (possibly with failed chunks) or was already owned by another
// worker, and the failure cause when the run ended failed.
func (c *Coordinator) Process(ctx context.Context, item pipeline.QueueItem) error {
	logger := c.logger.With(zap.String("run_id", item.RunID), zap.String("source_id", item.SourceID))

	source, extractor, err := c.sources.Resolve(item.SourceID)
	if err != nil {
		return c.abort(ctx, item.RunID, pipeline.NewError(pipeline.KindConfiguration, pipeline.StageSetup, "resolve source", err), logger)
	}

	if err := c.runs.MarkProcessing(ctx, item.RunID); err != nil {
		if errors.Is(err, runmanager.ErrRunTerminal) || errors.Is(err, runmanager.ErrRunNotPending) {
			logger.Info("run not pending, skipping", zap.Error(err))
			return nil
		}
		return c.abort(ctx, item.RunID, err, logger)
	}

	volume := item.Options.VolumeEstimate
	if volume <= 0 {
		volume = source.VolumeEstimate
	}
	size := item.Options.MaxChunkSize
	if size <= 0 {
		size = c.cfg.ChunkSize
	}
	descriptors := chunker.Plan(volume, size)
	if c.cfg.MaxChunks > 0 && len(descriptors) > c.cfg.MaxChunks {
		cause := pipeline.NewError(pipeline.KindConfiguration, pipeline.StageSetup, "plan chunks",
			fmt.Errorf("%d chunks planned, limit is %d", len(descriptors), c.cfg.MaxChunks))
		return c.abort(ctx, item.RunID, cause, logger)
	}

	jobs, err := c.chunks.CreateJobs(ctx, item.RunID, descriptors)
	if err != nil {
		return c.abort(ctx, item.RunID, err, logger)
	}
	logger.Info("run started",
		zap.Int("volume_estimate", volume),
		zap.Int("chunks", len(jobs)),
		zap.Bool("force_analysis", item.Options.ForceAnalysis),
	)

	rc := &runContext{
		runID:     item.RunID,
		source:    source,
		extractor: extractor,
		opts:      item.Options,
		limitKey:  ratelimit.KeyForURL(source.BaseURL),
		logger:    logger,
	}

	var g errgroup.Group
	g.SetLimit(c.cfg.ChunkWorkers)
	for _, job := range jobs {
		g.Go(func() error {
			c.processChunk(ctx, rc, job)
			return nil
		})
	}
	_ = g.Wait()

	return c.finalize(context.WithoutCancel(ctx), rc)
}

// abort fails the run before any chunk ran.
func (c *Coordinator) abort(ctx context.Context, runID string, cause error, logger *zap.Logger) error {
	logger.Error("run aborted", zap.Error(cause))
	if err := c.runs.UpdateRunError(context.WithoutCancel(ctx), runID, cause, pipeline.StageSetup); err != nil {
		logger.Error("record run failure failed", zap.Error(err))
		return errors.Join(cause, err)
	}
	return cause
}

// finalize completes the run when at least one chunk completed and fails it
// with the first chunk error otherwise.
func (c *Coordinator) finalize(ctx context.Context, rc *runContext) error {
	jobs, err := c.chunks.ListJobs(ctx, rc.runID)
	if err != nil {
		cause := pipeline.NewError(pipeline.KindPersistence, pipeline.StageFinalize, "list jobs", err)
		if failErr := c.runs.UpdateRunError(ctx, rc.runID, cause, pipeline.StageFinalize); failErr != nil {
			return errors.Join(cause, failErr)
		}
		return cause
	}

	summary := chunker.Summarize(jobs)
	final := pipeline.Metrics{
		ChunksTotal:     int64(summary.Total),
		ChunksCompleted: int64(summary.Completed),
		ChunksFailed:    int64(summary.Total - summary.Completed),
	}
	if summary.Pending > 0 {
		rc.logger.Warn("chunks left non-terminal at finalize", zap.Int("pending", summary.Pending))
	}

	if summary.Completed > 0 {
		err := c.runs.Complete(ctx, rc.runID, final)
		if errors.Is(err, runmanager.ErrRunTerminal) {
			rc.logger.Warn("run finished after it was already terminal", zap.Error(err))
			return nil
		}
		return err
	}

	runErr := summary.FirstError
	if runErr == nil {
		runErr = &pipeline.RunError{
			Kind:    pipeline.KindPersistence,
			Message: "no chunk completed",
			Stage:   pipeline.StageFinalize,
		}
	}
	if err := c.runs.Fail(ctx, rc.runID, runErr, final); err != nil {
		return err
	}
	return causeOf(runErr)
}

func causeOf(re *pipeline.RunError) error {
	e := pipeline.NewError(re.Kind, re.Stage, "run failed", errors.New(re.Message))
	if re.ChunkIndex != nil {
		e = e.WithChunk(*re.ChunkIndex)
	}
	if re.Batch != nil {
		e = e.WithBatch(*re.Batch)
	}
	return e
}

func (c *Coordinator) now() time.Time {
	return c.clock.Now().UTC()
}

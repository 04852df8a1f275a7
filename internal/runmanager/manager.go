// Package runmanager owns the lifecycle of pipeline runs. Every status change
// of a run goes through Manager, and terminal transitions are compare-and-set
// so a run reaches exactly one terminal state.
package runmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/progress"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

var (
	// ErrRunTerminal is returned when a transition targets a run that already
	// completed or failed.
	ErrRunTerminal = errors.New("run already terminal")
	// ErrRunNotPending is returned by MarkProcessing when another worker
	// already picked the run up.
	ErrRunNotPending = errors.New("run is not pending")
)

// Config controls Manager behavior.
type Config struct {
	// TerminalRetryDelay is the pause before retrying a failed terminal write.
	TerminalRetryDelay time.Duration
}

// Manager creates runs and records their progress and terminal state.
type Manager struct {
	runs    store.RunRepository
	ids     pipeline.IDGenerator
	clock   pipeline.Clock
	emitter progress.Emitter
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Manager. emitter may be nil.
func New(
	runs store.RunRepository,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TerminalRetryDelay <= 0 {
		cfg.TerminalRetryDelay = pipeline.DefaultTerminalRetryDelay
	}
	return &Manager{
		runs:    runs,
		ids:     ids,
		clock:   clock,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
	}
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

// StartRun records a new pending run and returns its ID.
func (m *Manager) StartRun(ctx context.Context, sourceID string, opts pipeline.RunOptions) (string, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return "", pipeline.NewError(pipeline.KindPersistence, pipeline.StageSetup, "generate run id", err)
	}
	now := m.now()
	run := pipeline.Run{
		ID:        id,
		SourceID:  sourceID,
		Status:    pipeline.StatusPending,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.runs.InsertRun(ctx, run); err != nil {
		return "", pipeline.NewError(pipeline.KindPersistence, pipeline.StageSetup, "insert run", err)
	}
	m.logger.Info("run created", zap.String("run_id", id), zap.String("source_id", sourceID))
	progress.Emit(m.emitter, progress.Event{RunID: id, SourceID: sourceID, TS: now, Stage: progress.StageRunQueued})
	return id, nil
}

// MarkProcessing moves a pending run to processing.
func (m *Manager) MarkProcessing(ctx context.Context, runID string) error {
	now := m.now()
	ok, err := m.runs.TransitionRun(ctx, runID,
		[]pipeline.Status{pipeline.StatusPending},
		pipeline.StatusProcessing,
		store.RunPatch{At: now},
	)
	if err != nil {
		return pipeline.NewError(pipeline.KindPersistence, pipeline.StageSetup, "mark run processing", err)
	}
	run, getErr := m.runs.GetRun(ctx, runID)
	if !ok {
		if getErr == nil && run.Status.Terminal() {
			return fmt.Errorf("mark run %s processing: %w", runID, ErrRunTerminal)
		}
		return fmt.Errorf("mark run %s processing: %w", runID, ErrRunNotPending)
	}
	progress.Emit(m.emitter, progress.Event{RunID: runID, SourceID: run.SourceID, TS: now, Stage: progress.StageRunStart})
	return nil
}

// UpdateProgress adds counter and metric deltas to the run. It is best
// effort: store failures are logged and swallowed.
func (m *Manager) UpdateProgress(ctx context.Context, runID string, delta pipeline.Progress) {
	now := m.now()
	if err := m.runs.AddRunProgress(ctx, runID, delta, now); err != nil {
		m.logger.Warn("run progress update failed",
			zap.String("run_id", runID),
			zap.Any("counters", delta.Counters),
			zap.Error(err),
		)
		return
	}
	progress.Emit(m.emitter, progress.Event{
		RunID:            runID,
		TS:               now,
		Stage:            progress.StageRunProgress,
		Counters:         delta.Counters,
		PromptTokens:     delta.Metrics.PromptTokens,
		CompletionTokens: delta.Metrics.CompletionTokens,
		Bypassed:         delta.Metrics.Bypassed,
	})
}

// Complete moves a processing run to completed, adding final to the stored
// metrics. The write is retried once; a run that is no longer processing
// yields ErrRunTerminal.
func (m *Manager) Complete(ctx context.Context, runID string, final pipeline.Metrics) error {
	now := m.now()
	var applied bool
	err := pipeline.RetryOnce(ctx, m.cfg.TerminalRetryDelay, func() error {
		ok, err := m.runs.TransitionRun(ctx, runID,
			[]pipeline.Status{pipeline.StatusProcessing},
			pipeline.StatusCompleted,
			store.RunPatch{Metrics: final, At: now},
		)
		applied = ok
		return err
	})
	if err != nil {
		return pipeline.NewError(pipeline.KindPersistence, pipeline.StageFinalize, "complete run", err)
	}
	if !applied {
		return fmt.Errorf("complete run %s: %w", runID, ErrRunTerminal)
	}
	m.emitTerminal(ctx, runID, progress.StageRunDone, nil, now)
	return nil
}

// UpdateRunError fails a non-terminal run with a structured error built from
// cause and stage. It is a no-op on runs that are already terminal. The write
// is retried once before the persistence error is surfaced.
func (m *Manager) UpdateRunError(ctx context.Context, runID string, cause error, stage pipeline.Stage) error {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	return m.Fail(ctx, runID, pipeline.ToRunError(cause, stage), pipeline.Metrics{})
}

// Fail records an already structured error on a non-terminal run and adds
// final to its metrics. Terminal runs are left untouched.
func (m *Manager) Fail(ctx context.Context, runID string, runErr *pipeline.RunError, final pipeline.Metrics) error {
	if runErr == nil {
		runErr = &pipeline.RunError{Kind: pipeline.KindPersistence, Message: "unknown failure", Stage: pipeline.StageFinalize}
	}
	now := m.now()
	var applied bool
	err := pipeline.RetryOnce(ctx, m.cfg.TerminalRetryDelay, func() error {
		ok, err := m.runs.TransitionRun(ctx, runID,
			pipeline.NonTerminal,
			pipeline.StatusFailed,
			store.RunPatch{Error: runErr, Metrics: final, At: now},
		)
		applied = ok
		return err
	})
	if err != nil {
		return pipeline.NewError(pipeline.KindPersistence, pipeline.StageFinalize, "fail run", err)
	}
	if !applied {
		m.logger.Debug("run already terminal, keeping state", zap.String("run_id", runID), zap.String("kind", string(runErr.Kind)))
		return nil
	}
	m.emitTerminal(ctx, runID, progress.StageRunError, runErr, now)
	return nil
}

func (m *Manager) emitTerminal(ctx context.Context, runID string, stage progress.Stage, runErr *pipeline.RunError, at time.Time) {
	evt := progress.Event{RunID: runID, TS: at, Stage: stage}
	if runErr != nil {
		evt.ErrorKind = runErr.Kind
		evt.Note = runErr.Message
	}
	run, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		m.logger.Warn("load terminal run failed", zap.String("run_id", runID), zap.Error(err))
	} else {
		evt.SourceID = run.SourceID
		evt.Counters = run.Counters
		evt.ChunksFailed = run.Metrics.ChunksFailed
		startedAt := run.CreatedAt
		if run.StartedAt != nil {
			startedAt = *run.StartedAt
		}
		if d := at.Sub(startedAt); d > 0 {
			evt.Dur = d
		}
	}
	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.String("source_id", evt.SourceID),
		zap.Any("counters", evt.Counters),
		zap.Duration("runtime", evt.Dur),
	}
	if runErr != nil {
		m.logger.Warn("run failed", append(fields, zap.String("kind", string(runErr.Kind)), zap.String("error", runErr.Message))...)
	} else {
		m.logger.Info("run completed", fields...)
	}
	progress.Emit(m.emitter, evt)
}

// Get returns the current state of a run.
func (m *Manager) Get(ctx context.Context, runID string) (pipeline.Run, error) {
	run, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return pipeline.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// List returns runs matching filter.
func (m *Manager) List(ctx context.Context, filter store.RunFilter) ([]pipeline.Run, error) {
	runs, err := m.runs.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Wait polls the run until it is terminal or ctx ends.
func (m *Manager) Wait(ctx context.Context, runID string, interval time.Duration) (pipeline.Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := m.Get(ctx, runID)
		if err != nil {
			return pipeline.Run{}, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, fmt.Errorf("wait for run %s: %w", runID, ctx.Err())
		case <-ticker.C:
		}
	}
}

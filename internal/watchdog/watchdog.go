// Package watchdog fails runs that stay non-terminal for too long.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/funding-pipeline/internal/metrics"
	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

// Defaults applied by New.
const (
	DefaultInterval    = time.Minute
	DefaultSoftTimeout = 30 * time.Minute
	DefaultHardTimeout = 2 * time.Hour
)

// RunManager is the subset of runmanager.Manager the watchdog needs.
type RunManager interface {
	List(ctx context.Context, filter store.RunFilter) ([]pipeline.Run, error)
	UpdateRunError(ctx context.Context, runID string, cause error, stage pipeline.Stage) error
}

// Requeuer queues pending runs that no local worker is holding.
type Requeuer interface {
	Recover(ctx context.Context) (int, error)
}

// Config holds the sweep schedule and age thresholds.
type Config struct {
	Interval    time.Duration
	SoftTimeout time.Duration
	HardTimeout time.Duration
	// Requeuer, when set, is asked on every tick to pick up pending runs
	// recorded by other processes.
	Requeuer Requeuer
}

// Watchdog periodically sweeps pending and processing runs.
type Watchdog struct {
	runs   RunManager
	clock  pipeline.Clock
	cfg    Config
	logger *zap.Logger
}

// SweepResult summarizes one sweep. Failed counts runs the watchdog tried to
// fail; a run that reached a terminal state first is left as it was.
type SweepResult struct {
	Checked int
	Stale   int
	Failed  int
}

// New constructs a Watchdog.
func New(runs RunManager, clock pipeline.Clock, cfg Config, logger *zap.Logger) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SoftTimeout <= 0 {
		cfg.SoftTimeout = DefaultSoftTimeout
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = DefaultHardTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{runs: runs, clock: clock, cfg: cfg, logger: logger}
}

// Run sweeps on every tick until ctx ends.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick sweeps once and then requeues pending runs.
func (w *Watchdog) Tick(ctx context.Context) {
	if _, err := w.Sweep(ctx); err != nil {
		w.logger.Warn("watchdog sweep failed", zap.Error(err))
	}
	if w.cfg.Requeuer == nil {
		return
	}
	n, err := w.cfg.Requeuer.Recover(ctx)
	if err != nil {
		w.logger.Warn("requeue pending runs failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Info("requeued pending runs", zap.Int("count", n))
	}
}

// Sweep checks every non-terminal run once. Runs past the soft timeout are
// logged; runs past the hard timeout are failed. The failure is a
// compare-and-set, so a run that finished meanwhile keeps its state.
func (w *Watchdog) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	runs, err := w.runs.List(ctx, store.RunFilter{Statuses: pipeline.NonTerminal})
	if err != nil {
		return res, fmt.Errorf("list active runs: %w", err)
	}
	now := w.clock.Now().UTC()
	for _, run := range runs {
		res.Checked++
		age := now.Sub(since(run))
		switch {
		case age >= w.cfg.HardTimeout:
			cause := pipeline.NewError(pipeline.KindTimeout, pipeline.StageWatchdog, "watchdog",
				fmt.Errorf("run %s exceeded %s in status %s", run.ID, w.cfg.HardTimeout, run.Status))
			if err := w.runs.UpdateRunError(ctx, run.ID, cause, pipeline.StageWatchdog); err != nil {
				w.logger.Error("watchdog failed to fail run", zap.String("run_id", run.ID), zap.Error(err))
				continue
			}
			metrics.ObserveWatchdogTimeout()
			res.Failed++
			w.logger.Warn("run timed out",
				zap.String("run_id", run.ID),
				zap.String("source_id", run.SourceID),
				zap.Duration("age", age),
			)
		case age >= w.cfg.SoftTimeout:
			res.Stale++
			w.logger.Warn("run exceeds soft timeout",
				zap.String("run_id", run.ID),
				zap.String("source_id", run.SourceID),
				zap.String("status", string(run.Status)),
				zap.Duration("age", age),
			)
		}
	}
	return res, nil
}

// since is when the run began: its start time, or creation while still pending.
func since(run pipeline.Run) time.Time {
	if run.StartedAt != nil {
		return *run.StartedAt
	}
	return run.CreatedAt
}

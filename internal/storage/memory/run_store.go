package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

// RunStore keeps runs in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]pipeline.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]pipeline.Run)}
}

// InsertRun stores a new run.
func (s *RunStore) InsertRun(_ context.Context, run pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	s.runs[run.ID] = run
	return nil
}

// TransitionRun moves the run to status to if it is currently in one of from.
func (s *RunStore) TransitionRun(
	_ context.Context,
	runID string,
	from []pipeline.Status,
	to pipeline.Status,
	patch store.RunPatch,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return false, store.ErrNotFound
	}
	if !slices.Contains(from, run.Status) {
		return false, nil
	}
	at := patch.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	run.Status = to
	run.UpdatedAt = at
	run.Metrics = run.Metrics.Merge(patch.Metrics)
	if to == pipeline.StatusProcessing && run.StartedAt == nil {
		run.StartedAt = pointerTime(at)
	}
	if to.Terminal() {
		run.CompletedAt = pointerTime(at)
	}
	if patch.Error != nil {
		run.Error = patch.Error
	}
	s.runs[runID] = run
	return true, nil
}

// AddRunProgress adds counter and metric deltas to a non-terminal run.
func (s *RunStore) AddRunProgress(_ context.Context, runID string, delta pipeline.Progress, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if run.Status.Terminal() {
		return nil
	}
	run.Counters = run.Counters.Add(delta.Counters)
	run.Metrics = run.Metrics.Merge(delta.Metrics)
	if !at.IsZero() {
		run.UpdatedAt = at
	}
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return pipeline.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *RunStore) ListRuns(_ context.Context, filter store.RunFilter) ([]pipeline.Run, error) {
	s.mu.RLock()
	out := make([]pipeline.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.SourceID != "" && run.SourceID != filter.SourceID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, run.Status) {
			continue
		}
		if !filter.OlderThan.IsZero() && !run.UpdatedAt.Before(filter.OlderThan) {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

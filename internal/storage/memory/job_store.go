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

// JobStore keeps chunk jobs in memory.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]pipeline.Job
	byRun map[string][]string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[string]pipeline.Job),
		byRun: make(map[string][]string),
	}
}

// InsertJobs stores all jobs or none.
func (s *JobStore) InsertJobs(_ context.Context, jobs []pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if _, exists := s.jobs[job.ID]; exists {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		if _, dup := seen[job.ID]; dup {
			return fmt.Errorf("duplicate job %s in batch", job.ID)
		}
		seen[job.ID] = struct{}{}
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
		s.byRun[job.RunID] = append(s.byRun[job.RunID], job.ID)
	}
	return nil
}

// TransitionJob moves the job to status to if it is currently in one of from.
func (s *JobStore) TransitionJob(
	_ context.Context,
	jobID string,
	from []pipeline.Status,
	to pipeline.Status,
	patch store.JobPatch,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, store.ErrNotFound
	}
	if !slices.Contains(from, job.Status) {
		return false, nil
	}
	at := patch.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	job.Status = to
	if to == pipeline.StatusProcessing && job.StartedAt == nil {
		job.StartedAt = pointerTime(at)
	}
	if to.Terminal() {
		job.CompletedAt = pointerTime(at)
		job.Counters = patch.Counters
		job.Error = patch.Error
	}
	s.jobs[jobID] = job
	return true, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.Job{}, store.ErrNotFound
	}
	return job, nil
}

// ListJobs returns a copy of the run's jobs ordered by chunk index.
func (s *JobStore) ListJobs(_ context.Context, runID string) ([]pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRun[runID]
	out := make([]pipeline.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.jobs[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

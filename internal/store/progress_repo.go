package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunPatch carries the fields written alongside a run status transition.
type RunPatch struct {
	// Error is recorded when the run moves to failed.
	Error *pipeline.RunError
	// Metrics are added to the stored totals.
	Metrics pipeline.Metrics
	// At stamps started_at/completed_at/updated_at.
	At time.Time
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	SourceID string
	Statuses []pipeline.Status
	// OlderThan keeps runs whose last activity predates it.
	OlderThan time.Time
	Limit     int
	Offset    int
}

// RunRepository persists runs. TransitionRun is a compare-and-set against the
// current status; it reports false without error when the run is not in one of
// the from states.
type RunRepository interface {
	InsertRun(ctx context.Context, run pipeline.Run) error
	TransitionRun(
		ctx context.Context,
		runID string,
		from []pipeline.Status,
		to pipeline.Status,
		patch RunPatch,
	) (bool, error)
	// AddRunProgress applies counter and metric deltas. Terminal runs are left untouched.
	AddRunProgress(ctx context.Context, runID string, delta pipeline.Progress, at time.Time) error
	GetRun(ctx context.Context, runID string) (pipeline.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]pipeline.Run, error)
}

// JobPatch carries the fields written alongside a job status transition.
type JobPatch struct {
	Counters pipeline.Counters
	Error    *pipeline.RunError
	At       time.Time
}

// JobRepository persists chunk jobs.
type JobRepository interface {
	// InsertJobs stores the full chunk set of a run atomically.
	InsertJobs(ctx context.Context, jobs []pipeline.Job) error
	TransitionJob(
		ctx context.Context,
		jobID string,
		from []pipeline.Status,
		to pipeline.Status,
		patch JobPatch,
	) (bool, error)
	GetJob(ctx context.Context, jobID string) (pipeline.Job, error)
	ListJobs(ctx context.Context, runID string) ([]pipeline.Job, error)
}

// OpportunityRepository persists analyzed funding opportunities.
type OpportunityRepository interface {
	// FindExisting returns nil without error when no record matches.
	FindExisting(ctx context.Context, sourceID, nativeID string) (*pipeline.StoredRecord, error)
	UpsertOpportunity(ctx context.Context, record pipeline.StoredRecord) (pipeline.StoredRecord, error)
	// TouchOpportunity marks an unchanged record as seen by runID.
	TouchOpportunity(ctx context.Context, sourceID, nativeID, runID string, at time.Time) error
}

// ActivityRepository persists the per-source activity log.
type ActivityRepository interface {
	RecordActivity(ctx context.Context, entry pipeline.ActivityEntry) error
	ListActivity(ctx context.Context, sourceID string, limit int) ([]pipeline.ActivityEntry, error)
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

const jobColumns = `id, run_id, chunk_index, total_chunks, status, page_start, page_end,
	counters, error, created_at, started_at, completed_at`

// JobStore implements store.JobRepository.
type JobStore struct {
	db DB
}

// NewJobStore wraps db.
func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

var _ store.JobRepository = (*JobStore)(nil)

// InsertJobs stores the chunk set of a run in one transaction.
func (s *JobStore) InsertJobs(ctx context.Context, jobs []pipeline.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	return inTx(ctx, s.db, func(tx pgx.Tx) error {
		for _, job := range jobs {
			counters, err := json.Marshal(job.Counters)
			if err != nil {
				return fmt.Errorf("marshal counters: %w", err)
			}
			if _, err := tx.Exec(ctx, `
INSERT INTO pipeline_jobs (id, run_id, chunk_index, total_chunks, status, page_start, page_end, counters, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				job.ID, job.RunID, job.ChunkIndex, job.TotalChunks, string(job.Status),
				job.PageStart, job.PageEnd, counters, job.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert job %s: %w", job.ID, err)
			}
		}
		return nil
	})
}

// TransitionJob moves the job to status to when it is currently in one of
// from. Terminal transitions record the chunk's counters and error.
func (s *JobStore) TransitionJob(
	ctx context.Context,
	jobID string,
	from []pipeline.Status,
	to pipeline.Status,
	patch store.JobPatch,
) (bool, error) {
	at := patch.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	fromArg := statusStrings(from)

	var (
		query string
		args  []any
	)
	switch {
	case to.Terminal():
		counters, err := json.Marshal(patch.Counters)
		if err != nil {
			return false, fmt.Errorf("marshal counters: %w", err)
		}
		jobErr, err := marshalNullable(patch.Error)
		if err != nil {
			return false, fmt.Errorf("marshal error: %w", err)
		}
		query = `UPDATE pipeline_jobs SET status = $2, completed_at = $3, counters = $4, error = $5
WHERE id = $1 AND status = ANY($6)`
		args = []any{jobID, string(to), at, counters, jobErr, fromArg}
	case to == pipeline.StatusProcessing:
		query = `UPDATE pipeline_jobs SET status = $2, started_at = COALESCE(started_at, $3)
WHERE id = $1 AND status = ANY($4)`
		args = []any{jobID, string(to), at, fromArg}
	default:
		query = `UPDATE pipeline_jobs SET status = $2 WHERE id = $1 AND status = ANY($3)`
		args = []any{jobID, string(to), fromArg}
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition job %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var one int
	err = s.db.QueryRow(ctx, `SELECT 1 FROM pipeline_jobs WHERE id = $1`, jobID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check job %s: %w", jobID, err)
	}
	return false, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (pipeline.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, store.ErrNotFound
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns the run's jobs ordered by chunk index.
func (s *JobStore) ListJobs(ctx context.Context, runID string) ([]pipeline.Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE run_id = $1 ORDER BY chunk_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("list jobs of run %s: %w", runID, err)
	}
	defer rows.Close()
	out := []pipeline.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs of run %s: %w", runID, err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (pipeline.Job, error) {
	var (
		job              pipeline.Job
		status           string
		counters, jobErr []byte
	)
	if err := row.Scan(
		&job.ID, &job.RunID, &job.ChunkIndex, &job.TotalChunks, &status, &job.PageStart, &job.PageEnd,
		&counters, &jobErr, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	); err != nil {
		return pipeline.Job{}, err
	}
	job.Status = pipeline.Status(status)
	if err := unmarshalInto(counters, &job.Counters); err != nil {
		return pipeline.Job{}, fmt.Errorf("decode counters of job %s: %w", job.ID, err)
	}
	decoded, err := unmarshalNullable[pipeline.RunError](jobErr)
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("decode error of job %s: %w", job.ID, err)
	}
	job.Error = decoded
	return job, nil
}

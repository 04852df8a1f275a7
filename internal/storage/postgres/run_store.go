package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

const runColumns = `id, source_id, status, options, counters, metrics, error,
	created_at, started_at, completed_at, updated_at`

// RunStore implements store.RunRepository.
type RunStore struct {
	db DB
}

// NewRunStore wraps db.
func NewRunStore(db DB) *RunStore {
	return &RunStore{db: db}
}

var _ store.RunRepository = (*RunStore)(nil)

// InsertRun stores a new run.
func (s *RunStore) InsertRun(ctx context.Context, run pipeline.Run) error {
	options, err := json.Marshal(run.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	runErr, err := marshalNullable(run.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	updated := run.UpdatedAt
	if updated.IsZero() {
		updated = run.CreatedAt
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO pipeline_runs (`+runColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.SourceID, string(run.Status), options, counters, metrics, runErr,
		run.CreatedAt, run.StartedAt, run.CompletedAt, updated,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// TransitionRun moves the run to status to when it is currently in one of
// from. The row is locked for the read-modify-write so concurrent writers
// serialize and exactly one terminal transition wins.
func (s *RunStore) TransitionRun(
	ctx context.Context,
	runID string,
	from []pipeline.Status,
	to pipeline.Status,
	patch store.RunPatch,
) (bool, error) {
	applied := false
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		var (
			status      string
			rawMetrics  []byte
			startedAt   *time.Time
			completedAt *time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT status, metrics, started_at, completed_at FROM pipeline_runs WHERE id = $1 FOR UPDATE`,
			runID,
		).Scan(&status, &rawMetrics, &startedAt, &completedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock run %s: %w", runID, err)
		}
		if !slices.Contains(from, pipeline.Status(status)) {
			return nil
		}

		var metrics pipeline.Metrics
		if err := unmarshalInto(rawMetrics, &metrics); err != nil {
			return fmt.Errorf("decode metrics of run %s: %w", runID, err)
		}
		merged, err := json.Marshal(metrics.Merge(patch.Metrics))
		if err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
		runErr, err := marshalNullable(patch.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		at := patch.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if to == pipeline.StatusProcessing && startedAt == nil {
			startedAt = timePtr(at)
		}
		if to.Terminal() {
			completedAt = timePtr(at)
		}

		if _, err := tx.Exec(ctx, `
UPDATE pipeline_runs
SET status = $2, metrics = $3, error = COALESCE($4, error), started_at = $5, completed_at = $6, updated_at = $7
WHERE id = $1`,
			runID, string(to), merged, runErr, startedAt, completedAt, at,
		); err != nil {
			return fmt.Errorf("update run %s: %w", runID, err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// AddRunProgress adds counter and metric deltas to a non-terminal run.
func (s *RunStore) AddRunProgress(ctx context.Context, runID string, delta pipeline.Progress, at time.Time) error {
	return inTx(ctx, s.db, func(tx pgx.Tx) error {
		var (
			status      string
			rawCounters []byte
			rawMetrics  []byte
			updatedAt   time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT status, counters, metrics, updated_at FROM pipeline_runs WHERE id = $1 FOR UPDATE`,
			runID,
		).Scan(&status, &rawCounters, &rawMetrics, &updatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock run %s: %w", runID, err)
		}
		if pipeline.Status(status).Terminal() {
			return nil
		}

		var counters pipeline.Counters
		var metrics pipeline.Metrics
		if err := unmarshalInto(rawCounters, &counters); err != nil {
			return fmt.Errorf("decode counters of run %s: %w", runID, err)
		}
		if err := unmarshalInto(rawMetrics, &metrics); err != nil {
			return fmt.Errorf("decode metrics of run %s: %w", runID, err)
		}
		newCounters, err := json.Marshal(counters.Add(delta.Counters))
		if err != nil {
			return fmt.Errorf("marshal counters: %w", err)
		}
		newMetrics, err := json.Marshal(metrics.Merge(delta.Metrics))
		if err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
		if !at.IsZero() {
			updatedAt = at
		}
		if _, err := tx.Exec(ctx,
			`UPDATE pipeline_runs SET counters = $2, metrics = $3, updated_at = $4 WHERE id = $1`,
			runID, newCounters, newMetrics, updatedAt,
		); err != nil {
			return fmt.Errorf("update run %s progress: %w", runID, err)
		}
		return nil
	})
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (pipeline.Run, error) {
	row := s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Run{}, store.ErrNotFound
	}
	if err != nil {
		return pipeline.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *RunStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]pipeline.Run, error) {
	var (
		conds []string
		args  []any
	)
	if filter.SourceID != "" {
		args = append(args, filter.SourceID)
		conds = append(conds, fmt.Sprintf("source_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, statusStrings(filter.Statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.OlderThan.IsZero() {
		args = append(args, filter.OlderThan)
		conds = append(conds, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + runColumns + ` FROM pipeline_runs`)
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	out := []pipeline.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (pipeline.Run, error) {
	var (
		run                                 pipeline.Run
		status                              string
		options, counters, metrics, runErr []byte
	)
	if err := row.Scan(
		&run.ID, &run.SourceID, &status, &options, &counters, &metrics, &runErr,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt, &run.UpdatedAt,
	); err != nil {
		return pipeline.Run{}, err
	}
	run.Status = pipeline.Status(status)
	if err := errors.Join(
		unmarshalInto(options, &run.Options),
		unmarshalInto(counters, &run.Counters),
		unmarshalInto(metrics, &run.Metrics),
	); err != nil {
		return pipeline.Run{}, fmt.Errorf("decode run %s: %w", run.ID, err)
	}
	decoded, err := unmarshalNullable[pipeline.RunError](runErr)
	if err != nil {
		return pipeline.Run{}, fmt.Errorf("decode error of run %s: %w", run.ID, err)
	}
	run.Error = decoded
	return run, nil
}

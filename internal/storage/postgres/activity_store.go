package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

// ActivityStore implements store.ActivityRepository.
type ActivityStore struct {
	db DB
}

// NewActivityStore wraps db.
func NewActivityStore(db DB) *ActivityStore {
	return &ActivityStore{db: db}
}

var _ store.ActivityRepository = (*ActivityStore)(nil)

// RecordActivity appends an entry, assigning an ID when missing.
func (s *ActivityStore) RecordActivity(ctx context.Context, entry pipeline.ActivityEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO source_activity (id, source_id, run_id, kind, error_kind, message, at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.SourceID, entry.RunID, string(entry.Kind), string(entry.ErrorKind), entry.Message, entry.At,
	)
	if err != nil {
		return fmt.Errorf("record activity for %s: %w", entry.SourceID, err)
	}
	return nil
}

// ListActivity returns up to limit entries for sourceID, newest first. A
// non-positive limit returns all entries.
func (s *ActivityStore) ListActivity(ctx context.Context, sourceID string, limit int) ([]pipeline.ActivityEntry, error) {
	query := `SELECT id, source_id, run_id, kind, error_kind, message, at
FROM source_activity WHERE source_id = $1 ORDER BY at DESC, id DESC`
	args := []any{sourceID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity for %s: %w", sourceID, err)
	}
	defer rows.Close()
	out := []pipeline.ActivityEntry{}
	for rows.Next() {
		var (
			e               pipeline.ActivityEntry
			kind, errorKind string
		)
		if err := rows.Scan(&e.ID, &e.SourceID, &e.RunID, &kind, &errorKind, &e.Message, &e.At); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.Kind = pipeline.ActivityKind(kind)
		e.ErrorKind = pipeline.Kind(errorKind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list activity for %s: %w", sourceID, err)
	}
	return out, nil
}

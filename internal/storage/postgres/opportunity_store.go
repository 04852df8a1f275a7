package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

// OpportunityStore implements store.OpportunityRepository. The candidate
// record is kept as JSONB next to its carried analysis.
type OpportunityStore struct {
	db DB
}

// NewOpportunityStore wraps db.
func NewOpportunityStore(db DB) *OpportunityStore {
	return &OpportunityStore{db: db}
}

var _ store.OpportunityRepository = (*OpportunityStore)(nil)

// FindExisting returns the stored record or nil when none exists.
func (s *OpportunityStore) FindExisting(ctx context.Context, sourceID, nativeID string) (*pipeline.StoredRecord, error) {
	var (
		rec              pipeline.StoredRecord
		record, analysis []byte
	)
	err := s.db.QueryRow(ctx, `
SELECT id, record, analysis, content_hash, first_seen_run_id, last_seen_run_id, created_at, updated_at
FROM opportunities WHERE source_id = $1 AND source_native_id = $2`,
		sourceID, nativeID,
	).Scan(&rec.ID, &record, &analysis, &rec.ContentHash, &rec.FirstSeenRunID, &rec.LastSeenRunID,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find opportunity %s/%s: %w", sourceID, nativeID, err)
	}
	if err := json.Unmarshal(record, &rec.CandidateRecord); err != nil {
		return nil, fmt.Errorf("decode opportunity %s: %w", rec.ID, err)
	}
	if rec.Analysis, err = unmarshalNullable[pipeline.AnalysisResult](analysis); err != nil {
		return nil, fmt.Errorf("decode analysis of opportunity %s: %w", rec.ID, err)
	}
	rec.SourceID = sourceID
	rec.SourceNativeID = nativeID
	return &rec, nil
}

// UpsertOpportunity inserts or replaces a record keyed by source and native
// ID. The stored ID, creation time, and first-seen run survive updates.
func (s *OpportunityStore) UpsertOpportunity(ctx context.Context, rec pipeline.StoredRecord) (pipeline.StoredRecord, error) {
	record, err := json.Marshal(rec.CandidateRecord)
	if err != nil {
		return pipeline.StoredRecord{}, fmt.Errorf("marshal record: %w", err)
	}
	analysis, err := marshalNullable(rec.Analysis)
	if err != nil {
		return pipeline.StoredRecord{}, fmt.Errorf("marshal analysis: %w", err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if rec.FirstSeenRunID == "" {
		rec.FirstSeenRunID = rec.LastSeenRunID
	}
	err = s.db.QueryRow(ctx, `
INSERT INTO opportunities (
	id, source_id, source_native_id, record, analysis, content_hash,
	first_seen_run_id, last_seen_run_id, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (source_id, source_native_id) DO UPDATE SET
	record = EXCLUDED.record,
	analysis = EXCLUDED.analysis,
	content_hash = EXCLUDED.content_hash,
	last_seen_run_id = EXCLUDED.last_seen_run_id,
	updated_at = EXCLUDED.updated_at
RETURNING id, first_seen_run_id, created_at`,
		rec.ID, rec.SourceID, rec.SourceNativeID, record, analysis, rec.ContentHash,
		rec.FirstSeenRunID, rec.LastSeenRunID, rec.UpdatedAt,
	).Scan(&rec.ID, &rec.FirstSeenRunID, &rec.CreatedAt)
	if err != nil {
		return pipeline.StoredRecord{}, fmt.Errorf("upsert opportunity %s/%s: %w", rec.SourceID, rec.SourceNativeID, err)
	}
	return rec, nil
}

// TouchOpportunity records that runID saw an unchanged record.
func (s *OpportunityStore) TouchOpportunity(ctx context.Context, sourceID, nativeID, runID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE opportunities SET last_seen_run_id = $3, updated_at = $4
WHERE source_id = $1 AND source_native_id = $2`,
		sourceID, nativeID, runID, at,
	)
	if err != nil {
		return fmt.Errorf("touch opportunity %s/%s: %w", sourceID, nativeID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

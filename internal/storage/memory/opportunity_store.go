package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

type opportunityKey struct {
	sourceID string
	nativeID string
}

// OpportunityStore keeps stored records in memory, keyed by source and
// source-native ID.
type OpportunityStore struct {
	mu      sync.RWMutex
	records map[opportunityKey]pipeline.StoredRecord
}

// NewOpportunityStore constructs an OpportunityStore.
func NewOpportunityStore() *OpportunityStore {
	return &OpportunityStore{records: make(map[opportunityKey]pipeline.StoredRecord)}
}

// FindExisting returns the stored record or nil when none exists.
func (s *OpportunityStore) FindExisting(_ context.Context, sourceID, nativeID string) (*pipeline.StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[opportunityKey{sourceID, nativeID}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// UpsertOpportunity inserts or replaces a record. ID, CreatedAt, and
// FirstSeenRunID are kept from the existing row.
func (s *OpportunityStore) UpsertOpportunity(_ context.Context, record pipeline.StoredRecord) (pipeline.StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := opportunityKey{record.SourceID, record.SourceNativeID}
	now := record.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
		record.UpdatedAt = now
	}
	if existing, ok := s.records[key]; ok {
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		record.FirstSeenRunID = existing.FirstSeenRunID
	} else {
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		record.CreatedAt = now
		if record.FirstSeenRunID == "" {
			record.FirstSeenRunID = record.LastSeenRunID
		}
	}
	s.records[key] = record
	return record, nil
}

// TouchOpportunity records that runID saw an unchanged record.
func (s *OpportunityStore) TouchOpportunity(_ context.Context, sourceID, nativeID, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := opportunityKey{sourceID, nativeID}
	rec, ok := s.records[key]
	if !ok {
		return store.ErrNotFound
	}
	rec.LastSeenRunID = runID
	rec.UpdatedAt = at
	s.records[key] = rec
	return nil
}

// List returns every record for a source ordered by native ID.
func (s *OpportunityStore) List(sourceID string) []pipeline.StoredRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.StoredRecord
	for key, rec := range s.records {
		if key.sourceID == sourceID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceNativeID < out[j].SourceNativeID })
	return out
}

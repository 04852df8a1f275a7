package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

// ActivityStore keeps the activity log in memory.
type ActivityStore struct {
	mu      sync.RWMutex
	entries []pipeline.ActivityEntry
}

// NewActivityStore constructs an ActivityStore.
func NewActivityStore() *ActivityStore {
	return &ActivityStore{}
}

// RecordActivity appends an entry, assigning an ID when missing.
func (s *ActivityStore) RecordActivity(_ context.Context, entry pipeline.ActivityEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// ListActivity returns up to limit entries for sourceID, newest first. A
// non-positive limit returns all entries.
func (s *ActivityStore) ListActivity(_ context.Context, sourceID string, limit int) ([]pipeline.ActivityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []pipeline.ActivityEntry{}
	for i := len(s.entries) - 1; i >= 0; i-- {
		if sourceID != "" && s.entries[i].SourceID != sourceID {
			continue
		}
		out = append(out, s.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

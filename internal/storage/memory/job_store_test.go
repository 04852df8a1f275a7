package memory

import (
	"context"
	"testing"
	"time"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	jobs := []pipeline.Job{
		{ID: "j1", RunID: "r", ChunkIndex: 1, TotalChunks: 2, Status: pipeline.StatusPending},
		{ID: "j0", RunID: "r", ChunkIndex: 0, TotalChunks: 2, Status: pipeline.StatusPending},
	}
	if err := s.InsertJobs(ctx, jobs); err != nil {
		t.Fatalf("InsertJobs() error = %v", err)
	}
	if err := s.InsertJobs(ctx, []pipeline.Job{{ID: "j2", RunID: "r"}, {ID: "j0", RunID: "r"}}); err == nil {
		t.Fatal("expected duplicate job error")
	}
	if _, err := s.GetJob(ctx, "j2"); err == nil {
		t.Fatal("expected failed batch to insert nothing")
	}

	listed, err := s.ListJobs(ctx, "r")
	if err != nil || len(listed) != 2 || listed[0].ID != "j0" {
		t.Fatalf("ListJobs() unexpected result: %+v err=%v", listed, err)
	}

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ok, err := s.TransitionJob(ctx, "j0", pipeline.NonTerminal, pipeline.StatusCompleted, store.JobPatch{
		Counters: pipeline.Counters{Processed: 3, Added: 3},
		At:       at,
	})
	if err != nil || !ok {
		t.Fatalf("TransitionJob() ok=%v err=%v", ok, err)
	}
	ok, err = s.TransitionJob(ctx, "j0", pipeline.NonTerminal, pipeline.StatusFailed, store.JobPatch{})
	if err != nil || ok {
		t.Fatalf("expected terminal job to stay put, ok=%v err=%v", ok, err)
	}

	final, err := s.GetJob(ctx, "j0")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.Status != pipeline.StatusCompleted || final.Counters.Added != 3 || final.CompletedAt == nil {
		t.Fatalf("unexpected job %+v", final)
	}
}

package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	run := pipeline.Run{ID: "run-1", SourceID: "grants", Status: pipeline.StatusPending, CreatedAt: created}

	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun() error = %v", err)
	}
	if err := s.InsertRun(ctx, run); err == nil {
		t.Fatal("expected duplicate run error")
	}

	ok, err := s.TransitionRun(ctx, run.ID, []pipeline.Status{pipeline.StatusPending}, pipeline.StatusProcessing, store.RunPatch{At: created.Add(time.Second)})
	if err != nil || !ok {
		t.Fatalf("TransitionRun(processing) ok=%v err=%v", ok, err)
	}
	if err := s.AddRunProgress(ctx, run.ID, pipeline.Progress{
		Counters: pipeline.Counters{Processed: 2, Added: 2},
		Metrics:  pipeline.Metrics{PromptTokens: 100},
	}, created.Add(2*time.Second)); err != nil {
		t.Fatalf("AddRunProgress() error = %v", err)
	}

	ok, err = s.TransitionRun(ctx, run.ID, pipeline.NonTerminal, pipeline.StatusCompleted, store.RunPatch{
		Metrics: pipeline.Metrics{ExtractionMS: 40},
		At:      created.Add(3 * time.Second),
	})
	if err != nil || !ok {
		t.Fatalf("TransitionRun(completed) ok=%v err=%v", ok, err)
	}

	// Terminal runs ignore late progress and later transitions.
	if err := s.AddRunProgress(ctx, run.ID, pipeline.Progress{Counters: pipeline.Counters{Processed: 9}}, time.Now()); err != nil {
		t.Fatalf("AddRunProgress(terminal) error = %v", err)
	}
	ok, err = s.TransitionRun(ctx, run.ID, pipeline.NonTerminal, pipeline.StatusFailed, store.RunPatch{
		Error: &pipeline.RunError{Kind: pipeline.KindTimeout},
	})
	if err != nil || ok {
		t.Fatalf("expected terminal run to reject transition, ok=%v err=%v", ok, err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != pipeline.StatusCompleted || got.Error != nil {
		t.Fatalf("unexpected final run %+v", got)
	}
	if got.Counters.Processed != 2 || got.Metrics.PromptTokens != 100 || got.Metrics.ExtractionMS != 40 {
		t.Fatalf("unexpected totals %+v %+v", got.Counters, got.Metrics)
	}
	if got.StartedAt == nil || got.CompletedAt == nil || !got.CompletedAt.Equal(created.Add(3*time.Second)) {
		t.Fatalf("expected timestamps set, got %+v", got)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunStoreSingleTerminalWriter(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	if err := s.InsertRun(ctx, pipeline.Run{ID: "r", Status: pipeline.StatusProcessing}); err != nil {
		t.Fatal(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := pipeline.StatusCompleted
			if i%2 == 0 {
				to = pipeline.StatusFailed
			}
			ok, err := s.TransitionRun(ctx, "r", pipeline.NonTerminal, to, store.RunPatch{})
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one terminal transition, got %d", wins)
	}
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, r := range []pipeline.Run{
		{ID: "a", SourceID: "grants", Status: pipeline.StatusCompleted},
		{ID: "b", SourceID: "grants", Status: pipeline.StatusProcessing},
		{ID: "c", SourceID: "foundation", Status: pipeline.StatusPending},
	} {
		r.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if err := s.InsertRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	all, _ := s.ListRuns(ctx, store.RunFilter{})
	if len(all) != 3 || all[0].ID != "c" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	grants, _ := s.ListRuns(ctx, store.RunFilter{SourceID: "grants"})
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants runs, got %d", len(grants))
	}
	active, _ := s.ListRuns(ctx, store.RunFilter{Statuses: pipeline.NonTerminal})
	if len(active) != 2 {
		t.Fatalf("expected 2 active runs, got %d", len(active))
	}
	stale, _ := s.ListRuns(ctx, store.RunFilter{OlderThan: base.Add(90 * time.Minute)})
	if len(stale) != 2 {
		t.Fatalf("expected 2 stale runs, got %d", len(stale))
	}
	page, _ := s.ListRuns(ctx, store.RunFilter{Offset: 1, Limit: 1})
	if len(page) != 1 || page[0].ID != "b" {
		t.Fatalf("unexpected page %+v", page)
	}
	empty, _ := s.ListRuns(ctx, store.RunFilter{Offset: 10})
	if len(empty) != 0 {
		t.Fatalf("expected empty page, got %+v", empty)
	}
}

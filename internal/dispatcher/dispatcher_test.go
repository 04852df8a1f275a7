package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/funding-pipeline/internal/clock/system"
	"github.com/JakeFAU/funding-pipeline/internal/id/uuid"
	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/progress"
	queuemem "github.com/JakeFAU/funding-pipeline/internal/queue/memory"
	"github.com/JakeFAU/funding-pipeline/internal/runmanager"
	"github.com/JakeFAU/funding-pipeline/internal/storage/memory"
	"github.com/JakeFAU/funding-pipeline/internal/store"
	"github.com/JakeFAU/funding-pipeline/internal/worker"
)

type fixture struct {
	dispatcher *Dispatcher
	queue      *queuemem.Queue
	runStore   *memory.RunStore
	activity   *memory.ActivityStore
	events     *recordingEmitter
	manager    *runmanager.Manager
}

func newFixture(t *testing.T, runs store.RunRepository, cfg Config) *fixture {
	t.Helper()
	runStore := memory.NewRunStore()
	if runs == nil {
		runs = runStore
	}
	events := &recordingEmitter{}
	manager := runmanager.New(runs, uuid.NewUUIDGenerator(), system.New(), events, runmanager.Config{
		TerminalRetryDelay: time.Millisecond,
	}, zap.NewNop())
	queue := queuemem.NewQueue(4)
	activity := memory.NewActivityStore()
	d := New(queue, manager, knownSources{"grants": true}, activity, system.New(), events, nil, cfg, zap.NewNop())
	return &fixture{
		dispatcher: d,
		queue:      queue,
		runStore:   runStore,
		activity:   activity,
		events:     events,
		manager:    manager,
	}
}

func TestStartRunQueuesPendingRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	opts := pipeline.RunOptions{VolumeEstimate: 40, ForceAnalysis: true}
	runID, err := f.dispatcher.StartRun(ctx, " grants ", opts)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := f.manager.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusPending, run.Status)
	require.Equal(t, "grants", run.SourceID)

	require.Equal(t, 1, f.queue.Len())
	item, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, runID, item.RunID)
	require.Equal(t, opts, item.Options)
	require.Equal(t, 1, item.Attempt)
	require.Len(t, f.events.byStage(progress.StageRunQueued), 1)
}

func TestStartRunRejectsBeforeRunExists(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sourceID string
		opts     pipeline.RunOptions
		contains string
	}{
		{name: "unknown source", sourceID: "lottery", contains: "unknown source"},
		{name: "negative volume", sourceID: "grants", opts: pipeline.RunOptions{VolumeEstimate: -1}, contains: "volume estimate -1"},
		{name: "chunk size over limit", sourceID: "grants", opts: pipeline.RunOptions{MaxChunkSize: 100}, contains: "exceeds limit 50"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil, Config{MaxChunkSize: 50})
			ctx := context.Background()

			runID, err := f.dispatcher.StartRun(ctx, tc.sourceID, tc.opts)
			require.Empty(t, runID)
			require.True(t, pipeline.IsEarlyFailure(err))
			require.True(t, pipeline.IsKind(err, pipeline.KindConfiguration))
			require.ErrorContains(t, err, tc.contains)

			runs, err := f.runStore.ListRuns(ctx, store.RunFilter{})
			require.NoError(t, err)
			require.Empty(t, runs)
			require.Zero(t, f.queue.Len())

			entries, err := f.activity.ListActivity(ctx, tc.sourceID, 0)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			require.Equal(t, pipeline.ActivityRunRejected, entries[0].Kind)
			require.Equal(t, pipeline.KindConfiguration, entries[0].ErrorKind)
			require.Empty(t, entries[0].RunID)

			rejected := f.events.byStage(progress.StageRunRejected)
			require.Len(t, rejected, 1)
			require.Equal(t, tc.sourceID, rejected[0].SourceID)
		})
	}
}

func TestStartRunRejectsEmptySource(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{})

	_, err := f.dispatcher.StartRun(context.Background(), "  ", pipeline.RunOptions{})
	require.True(t, pipeline.IsEarlyFailure(err))
	require.ErrorContains(t, err, "source id is required")

	entries, err := f.activity.ListActivity(context.Background(), "", 0)
	require.NoError(t, err)
	require.Empty(t, entries, "rejections without a source are not logged")
}

func TestStartRunInsertFailureIsEarlyFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, failingInserts{RunStore: memory.NewRunStore()}, Config{})

	runID, err := f.dispatcher.StartRun(context.Background(), "grants", pipeline.RunOptions{})
	require.Empty(t, runID)
	require.True(t, pipeline.IsEarlyFailure(err))
	require.True(t, pipeline.IsKind(err, pipeline.KindPersistence))

	entries, err := f.activity.ListActivity(context.Background(), "grants", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, pipeline.KindPersistence, entries[0].ErrorKind)
}

func TestStartRunEnqueueFailureFailsRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{})
	f.queue.Close()
	ctx := context.Background()

	runID, err := f.dispatcher.StartRun(ctx, "grants", pipeline.RunOptions{})
	require.Error(t, err)
	require.NotEmpty(t, runID)
	require.False(t, pipeline.IsEarlyFailure(err))
	require.ErrorIs(t, err, pipeline.ErrQueueClosed)

	run, err := f.manager.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusFailed, run.Status)
	require.NotNil(t, run.Error)
	require.Equal(t, pipeline.KindPersistence, run.Error.Kind)
	require.Equal(t, pipeline.StageQueue, run.Error.Stage)
}

func TestRecoverRequeuesPendingRunsOldestFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b"} {
		require.NoError(t, f.runStore.InsertRun(ctx, pipeline.Run{
			ID:        id,
			SourceID:  "grants",
			Status:    pipeline.StatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, f.runStore.InsertRun(ctx, pipeline.Run{
		ID: "run-done", SourceID: "grants", Status: pipeline.StatusCompleted, CreatedAt: base, UpdatedAt: base,
	}))

	n, err := f.dispatcher.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	first, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	second, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "run-a", first.RunID)
	require.Equal(t, "run-b", second.RunID)
	require.Equal(t, 2, first.Attempt)
}

func TestRecoverSkipsRunsAlreadyQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	own, err := f.dispatcher.StartRun(ctx, "grants", pipeline.RunOptions{})
	require.NoError(t, err)

	created := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.runStore.InsertRun(ctx, pipeline.Run{
		ID: "run-elsewhere", SourceID: "grants", Status: pipeline.StatusPending, CreatedAt: created, UpdatedAt: created,
	}))

	n, err := f.dispatcher.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = f.dispatcher.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "runs queued here are not queued again")

	first, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	second, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, own, first.RunID)
	require.Equal(t, "run-elsewhere", second.RunID)
	require.Equal(t, 2, second.Attempt)
	require.Zero(t, f.queue.Len())
}

func TestRecoverLeavesFreshRunsToSubmitter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, Config{RequeueAfter: time.Minute})
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.runStore.InsertRun(ctx, pipeline.Run{
		ID: "run-fresh", SourceID: "grants", Status: pipeline.StatusPending, CreatedAt: now, UpdatedAt: now,
	}))
	old := now.Add(-5 * time.Minute)
	require.NoError(t, f.runStore.InsertRun(ctx, pipeline.Run{
		ID: "run-stuck", SourceID: "grants", Status: pipeline.StatusPending, CreatedAt: old, UpdatedAt: old,
	}))

	n, err := f.dispatcher.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	item, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "run-stuck", item.RunID)
}

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := queuemem.NewQueue(1)
	proc := &signalProcessor{started: make(chan string, 1)}
	w := worker.New(1, queue, proc, nil, zap.NewNop())
	dispatch := New(queue, nil, nil, nil, nil, nil, []*worker.Worker{w}, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	require.NoError(t, queue.Enqueue(ctx, pipeline.QueueItem{RunID: "run-1"}))
	select {
	case id := <-proc.started:
		require.Equal(t, "run-1", id)
	case <-time.After(time.Second):
		t.Fatal("worker did not process the queued run")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// --- fakes ---

type knownSources map[string]bool

func (k knownSources) Resolve(sourceID string) (pipeline.Source, pipeline.Extractor, error) {
	if !k[sourceID] {
		return pipeline.Source{}, nil, errors.New("unknown source " + sourceID)
	}
	return pipeline.Source{ID: sourceID}, nil, nil
}

type failingInserts struct {
	*memory.RunStore
}

func (failingInserts) InsertRun(context.Context, pipeline.Run) error {
	return errors.New("connection refused")
}

type signalProcessor struct {
	started chan string
}

func (p *signalProcessor) Process(_ context.Context, item pipeline.QueueItem) error {
	p.started <- item.RunID
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) byStage(stage progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/funding-pipeline/internal/analysis"
	"github.com/JakeFAU/funding-pipeline/internal/change"
	"github.com/JakeFAU/funding-pipeline/internal/chunker"
	"github.com/JakeFAU/funding-pipeline/internal/clock/system"
	iduuid "github.com/JakeFAU/funding-pipeline/internal/id/uuid"
	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/progress"
	"github.com/JakeFAU/funding-pipeline/internal/runmanager"
	"github.com/JakeFAU/funding-pipeline/internal/storage/memory"
)

var grants = pipeline.Source{
	ID:        "grants",
	Kind:      pipeline.SourceKindJSON,
	BaseURL:   "https://api.example.gov/opportunities",
	FirstPage: 1,
	ItemsPath: "data",
	Fields:    map[string]string{"source_native_id": "id"},
}

type fakeExtractor struct {
	mu    sync.Mutex
	pages map[string]pipeline.Page
	errs  map[string]error
	flaky map[string]int
	calls map[string]int
}

func newFakeExtractor(pages int, perPage int) *fakeExtractor {
	f := &fakeExtractor{
		pages: make(map[string]pipeline.Page),
		errs:  make(map[string]error),
		flaky: make(map[string]int),
		calls: make(map[string]int),
	}
	for p := 1; p <= pages; p++ {
		page := pipeline.Page{ContentType: "application/json"}
		for r := 0; r < perPage; r++ {
			award := 1000.0 * float64(p+r)
			page.Records = append(page.Records, pipeline.CandidateRecord{
				SourceNativeID: fmt.Sprintf("opp-%d-%d", p, r),
				Title:          fmt.Sprintf("Opportunity %d.%d", p, r),
				MaximumAward:   &award,
			})
		}
		if p < pages {
			page.NextPageToken = strconv.Itoa(p + 1)
		}
		page.Raw = []byte(fmt.Sprintf(`{"page":%d}`, p))
		f.pages[strconv.Itoa(p)] = page
	}
	return f
}

func (f *fakeExtractor) ExtractPage(_ context.Context, _ pipeline.Source, token string) (pipeline.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[token]++
	if err, ok := f.errs[token]; ok {
		return pipeline.Page{}, err
	}
	if f.flaky[token] > 0 {
		f.flaky[token]--
		return pipeline.Page{}, errors.New("connection reset by peer")
	}
	page, ok := f.pages[token]
	if !ok {
		return pipeline.Page{}, retry.Unrecoverable(fmt.Errorf("page %s not found", token))
	}
	return page, nil
}

func (f *fakeExtractor) setAward(token string, index int, award float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := f.pages[token]
	records := append([]pipeline.CandidateRecord(nil), page.Records...)
	records[index].MaximumAward = &award
	page.Records = records
	f.pages[token] = page
}

func (f *fakeExtractor) callsFor(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[token]
}

type staticSources struct {
	extractor pipeline.Extractor
}

func (s staticSources) Resolve(sourceID string) (pipeline.Source, pipeline.Extractor, error) {
	if sourceID != grants.ID {
		return pipeline.Source{}, nil, fmt.Errorf("unknown source %q", sourceID)
	}
	return grants, s.extractor, nil
}

// echoClient answers every record in the prompt.
type echoClient struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (c *echoClient) CallWithSchema(_ context.Context, req pipeline.SchemaRequest) (pipeline.SchemaResponse, error) {
	c.mu.Lock()
	c.calls++
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return pipeline.SchemaResponse{}, retry.Unrecoverable(errors.New("quota exceeded"))
	}
	var records []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(req.Prompt), &records); err != nil {
		return pipeline.SchemaResponse{}, err
	}
	type entry struct {
		ID                 string   `json:"id"`
		Summary            string   `json:"summary"`
		Categories         []string `json:"categories"`
		EligibleApplicants []string `json:"eligible_applicants"`
		RelevanceScore     float64  `json:"relevance_score"`
	}
	out := struct {
		Results []entry `json:"results"`
	}{Results: []entry{}}
	for _, r := range records {
		out.Results = append(out.Results, entry{
			ID:                 r.ID,
			Summary:            "about " + r.Title,
			Categories:         []string{"education"},
			EligibleApplicants: []string{"nonprofits"},
			RelevanceScore:     0.7,
		})
	}
	body, err := json.Marshal(out)
	if err != nil {
		return pipeline.SchemaResponse{}, err
	}
	return pipeline.SchemaResponse{Content: body, Model: "test-model", PromptTokens: 50, CompletionTokens: 10}, nil
}

func (c *echoClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
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

func (r *recordingEmitter) count(stage progress.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Stage == stage {
			n++
		}
	}
	return n
}

type harness struct {
	runs      *runmanager.Manager
	chunks    *chunker.Chunker
	opps      *memory.OpportunityStore
	blobs     *memory.BlobStore
	client    *echoClient
	extractor *fakeExtractor
	emitter   *recordingEmitter
	coord     *Coordinator
}

func newHarness(t *testing.T, extractor *fakeExtractor, cfg Config) *harness {
	t.Helper()
	ids := iduuid.NewUUIDGenerator()
	clock := system.New()
	h := &harness{
		opps:      memory.NewOpportunityStore(),
		blobs:     memory.NewBlobStore(),
		client:    &echoClient{},
		extractor: extractor,
		emitter:   &recordingEmitter{},
	}
	h.runs = runmanager.New(memory.NewRunStore(), ids, clock, h.emitter, runmanager.Config{TerminalRetryDelay: time.Millisecond}, nil)
	h.chunks = chunker.New(memory.NewJobStore(), ids, clock, h.emitter, time.Millisecond, nil)
	batcher := analysis.New(h.client, nil, clock, analysis.Config{MaxRetries: 0, RetryDelay: time.Millisecond}, nil)
	cfg.ExtractRetryDelay = time.Millisecond
	h.coord = New(
		h.runs,
		h.chunks,
		change.New(change.Config{}),
		batcher,
		staticSources{extractor: extractor},
		h.opps,
		h.blobs,
		nil,
		nil,
		ids,
		clock,
		h.emitter,
		cfg,
		nil,
	)
	return h
}

func (h *harness) run(t *testing.T, sourceID string, opts pipeline.RunOptions) (pipeline.Run, error) {
	t.Helper()
	ctx := context.Background()
	runID, err := h.runs.StartRun(ctx, sourceID, opts)
	require.NoError(t, err)
	procErr := h.coord.Process(ctx, pipeline.QueueItem{RunID: runID, SourceID: sourceID, Options: opts})
	run, err := h.runs.Get(ctx, runID)
	require.NoError(t, err)
	return run, procErr
}

func TestProcessCompletesRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeExtractor(3, 2), Config{ArchiveRaw: true, BlobPrefix: "raw"})
	run, err := h.run(t, "grants", pipeline.RunOptions{VolumeEstimate: 3, MaxChunkSize: 2})
	require.NoError(t, err)

	require.Equal(t, pipeline.StatusCompleted, run.Status)
	require.Equal(t, pipeline.Counters{Processed: 6, Added: 6}, run.Counters)
	require.Equal(t, int64(2), run.Metrics.ChunksTotal)
	require.Equal(t, int64(2), run.Metrics.ChunksCompleted)
	require.Equal(t, int64(3), run.Metrics.PagesExtracted)
	require.Equal(t, int64(2), run.Metrics.AnalysisBatches)
	require.Equal(t, int64(100), run.Metrics.PromptTokens)

	stored := h.opps.List("grants")
	require.Len(t, stored, 6)
	for _, rec := range stored {
		require.NotEmpty(t, rec.ID)
		require.NotNil(t, rec.Analysis)
		require.Equal(t, "test-model", rec.Analysis.Model)
		require.Equal(t, run.ID, rec.FirstSeenRunID)
		require.NotEmpty(t, rec.ContentHash)
	}

	jobs, err := h.chunks.ListJobs(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, int64(4), jobs[0].Counters.Processed)
	require.Equal(t, int64(2), jobs[1].Counters.Processed)

	require.Len(t, h.blobs.Paths(), 3)
	require.Equal(t, 1, h.extractor.callsFor("3"))
	require.Equal(t, 2, h.emitter.count(progress.StageBatchDone))
	require.Equal(t, 2, h.emitter.count(progress.StageChunkDone))
	require.Equal(t, 1, h.emitter.count(progress.StageRunDone))
}

func TestProcessBypassesUnchangedRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeExtractor(2, 3), Config{})
	first, err := h.run(t, "grants", pipeline.RunOptions{VolumeEstimate: 2})
	require.NoError(t, err)
	require.Equal(t, int64(3*2), first.Counters.Added)
	calls := h.client.callCount()

	second, err := h.run(t, "grants", pipeline.RunOptions{VolumeEstimate: 2})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, second.Status)
	require.Equal(t, pipeline.Counters{Processed: 6, Skipped: 6}, second.Counters)
	require.Equal(t, int64(6), second.Metrics.Bypassed)
	require.Equal(t, calls, h.client.callCount(), "unchanged records must not reach the analysis service")
	for _, rec := range h.opps.List("grants") {
		require.Equal(t, first.ID, rec.FirstSeenRunID)
		require.Equal(t, second.ID, rec.LastSeenRunID)
	}

	// opp-2-1 starts at 3000; 3300 is a 10% change.
	h.extractor.setAward("2", 1, 3300)
	third, err := h.run(t, "grants", pipeline.RunOptions{VolumeEstimate: 2})
	require.NoError(t, err)
	require.Equal(t, pipeline.Counters{Processed: 6, Updated: 1, Skipped: 5}, third.Counters)
	require.Equal(t, calls+1, h.client.callCount())

	forced, err := h.run(t, "grants", pipeline.RunOptions{VolumeEstimate: 2, ForceAnalysis: true})
	require.NoError(t, err)
	require.Equal(t, pipeline.Counters{Processed: 6, Updated: 6}, forced.Counters)
}

func TestProcessPartialChunkFailureCompletesRun(t *testing.T) {
	t.Parallel()

	ext := newFakeExtractor(3, 2)
	ext.errs["3"] = retry.Unrecoverable(errors.New("upstream returned 404"))
	h := newHarness(t, ext, Config{ExtractRetries: 2})

	run, err := h.run(t, "grants", pipeline.RunOptions{VolumeEstimate: 3, MaxChunkSize: 2})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, run.Status)
	require.Equal(t, int64(1), run.Metrics.ChunksFailed)
	require.Equal(t, int64(4), run.Counters.Added)
	require.Nil(t, run.Error)
	require.Equal(t, 1, ext.callsFor("3"), "unrecoverable errors are not retried")

	jobs, err := h.chunks.ListJobs(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, jobs[0].Status)
	require.Equal(t, pipeline.StatusFailed, jobs[1].Status)
	require.Equal(t, pipeline.KindExtraction, jobs[1].Error.Kind)
	require.Equal(t, 1, *jobs[1].Error.ChunkIndex)
}

func TestProcessAllChunksFailedFailsRun(t *testing.T) {
	t.Parallel()

	ext := newFakeExtractor(3, 2)
	ext.errs["1"] = retry.Unrecoverable(errors.New("upstream returned 500"))
	ext.errs["3"] = retry.Unrecoverable(errors.New("upstream returned 500"))
	h := newHarness(t, ext, Config{})

	run, err := h.run(t, "grants", pipeline.RunOptions{VolumeEstimate: 3, MaxChunkSize: 2})
	require.Error(t, err)
	require.True(t, pipeline.IsKind(err, pipeline.KindExtraction))
	require.Equal(t, pipeline.StatusFailed, run.Status)
	require.Equal(t, pipeline.KindExtraction, run.Error.Kind)
	require.NotNil(t, run.Error.ChunkIndex)
	require.Equal(t, int64(2), run.Metrics.ChunksFailed)
	require.NotNil(t, run.CompletedAt)
}

func TestProcessRetriesTransientExtraction(t *testing.T) {
	t.Parallel()

	ext := newFakeExtractor(1, 2)
	ext.flaky["1"] = 2
	h := newHarness(t, ext, Config{ExtractRetries: 2})

	run, err := h.run(t, "grants", pipeline.RunOptions{VolumeEstimate: 1})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, run.Status)
	require.Equal(t, 3, ext.callsFor("1"))
}

func TestProcessOpenEndedChunkFollowsTokens(t *testing.T) {
	t.Parallel()

	ext := newFakeExtractor(4, 1)
	h := newHarness(t, ext, Config{})

	run, err := h.run(t, "grants", pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), run.Metrics.ChunksTotal)
	require.Equal(t, int64(4), run.Metrics.PagesExtracted)
	require.Equal(t, int64(4), run.Counters.Added)
}

func TestProcessLastChunkReadsPastVolumeEstimate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		opts   pipeline.RunOptions
		chunks int64
	}{
		{name: "single chunk", opts: pipeline.RunOptions{VolumeEstimate: 5, MaxChunkSize: 5}, chunks: 1},
		{name: "last of several", opts: pipeline.RunOptions{VolumeEstimate: 4, MaxChunkSize: 2}, chunks: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ext := newFakeExtractor(7, 2)
			h := newHarness(t, ext, Config{})

			run, err := h.run(t, "grants", tc.opts)
			require.NoError(t, err)
			require.Equal(t, pipeline.StatusCompleted, run.Status)
			require.Equal(t, tc.chunks, run.Metrics.ChunksTotal)
			require.Equal(t, int64(7), run.Metrics.PagesExtracted)
			require.Equal(t, pipeline.Counters{Processed: 14, Added: 14}, run.Counters)
			require.Equal(t, 1, ext.callsFor("6"))
			require.Equal(t, 1, ext.callsFor("7"))
			require.Len(t, h.opps.List("grants"), 14)
		})
	}
}

func TestProcessLastChunkStopsAtPageLimit(t *testing.T) {
	t.Parallel()

	ext := newFakeExtractor(7, 1)
	h := newHarness(t, ext, Config{MaxOpenPages: 4})

	run, err := h.run(t, "grants", pipeline.RunOptions{VolumeEstimate: 2, MaxChunkSize: 2})
	require.NoError(t, err)
	require.Equal(t, int64(4), run.Metrics.PagesExtracted)
	require.Equal(t, 0, ext.callsFor("5"))
}

func TestProcessUnknownSourceFailsBeforeChunks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeExtractor(1, 1), Config{})
	run, err := h.run(t, "missing", pipeline.RunOptions{})
	require.Error(t, err)
	require.True(t, pipeline.IsKind(err, pipeline.KindConfiguration))
	require.Equal(t, pipeline.StatusFailed, run.Status)
	require.Equal(t, pipeline.KindConfiguration, run.Error.Kind)

	jobs, err := h.chunks.ListJobs(context.Background(), run.ID)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestProcessRejectsOversizedPlan(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeExtractor(1, 1), Config{MaxChunks: 2})
	run, err := h.run(t, "grants", pipeline.RunOptions{VolumeEstimate: 50, MaxChunkSize: 5})
	require.Error(t, err)
	require.Equal(t, pipeline.KindConfiguration, run.Error.Kind)
}

func TestProcessCollapsesDuplicates(t *testing.T) {
	t.Parallel()

	ext := newFakeExtractor(1, 0)
	ext.pages["1"] = pipeline.Page{Records: []pipeline.CandidateRecord{
		{SourceNativeID: "a", Title: "A"},
		{SourceNativeID: " a ", Title: "A again"},
		{SourceNativeID: "b", Title: "B"},
		{SourceNativeID: "", Title: "no id"},
	}}
	h := newHarness(t, ext, Config{})

	run, err := h.run(t, "grants", pipeline.RunOptions{VolumeEstimate: 1})
	require.NoError(t, err)
	require.Equal(t, pipeline.Counters{Processed: 4, Added: 2, Skipped: 1, Failed: 1}, run.Counters)
	require.True(t, run.Counters.Balanced())

	stored := h.opps.List("grants")
	require.Len(t, stored, 2)
	require.Equal(t, "A", stored[0].Title, "first occurrence wins")
}

func TestProcessAnalysisFailureFailsChunks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeExtractor(2, 2), Config{})
	h.client.fail = true

	run, err := h.run(t, "grants", pipeline.RunOptions{VolumeEstimate: 2, MaxChunkSize: 1})
	require.Error(t, err)
	require.Equal(t, pipeline.StatusFailed, run.Status)
	require.Equal(t, pipeline.KindAnalysis, run.Error.Kind)
	require.Equal(t, pipeline.Counters{Processed: 4, Failed: 4}, run.Counters)
	require.Equal(t, int64(2), run.Metrics.FailedBatches)
	require.Empty(t, h.opps.List("grants"))
}

func TestProcessSkipsRunNotPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeExtractor(1, 1), Config{})
	ctx := context.Background()
	runID, err := h.runs.StartRun(ctx, "grants", pipeline.RunOptions{})
	require.NoError(t, err)
	require.NoError(t, h.runs.UpdateRunError(ctx, runID, errors.New("stale"), pipeline.StageWatchdog))

	require.NoError(t, h.coord.Process(ctx, pipeline.QueueItem{RunID: runID, SourceID: "grants"}))
	jobs, err := h.chunks.ListJobs(ctx, runID)
	require.NoError(t, err)
	require.Empty(t, jobs)
	require.Equal(t, 0, h.extractor.callsFor("1"))
}

func TestArchivePath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "raw/run-1/chunk-0002/page-00011-abc.json", archivePath("/raw/", "run-1", 2, 11, "abc", "application/json"))
	require.Equal(t, "run-1/chunk-0000/page-00000-abc.html", archivePath("", "run-1", 0, 0, "abc", "text/html; charset=utf-8"))
	require.Equal(t, "run-1/chunk-0000/page-00000-abc.bin", archivePath("", "run-1", 0, 0, "abc", ""))
}

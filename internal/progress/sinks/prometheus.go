package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/progress"
)

// PrometheusSink exports run progress via Prometheus. It owns the collectors
// for runs, chunks, analysis batches, and record outcomes.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec
	runsRejected  *prometheus.CounterVec

	chunks   *prometheus.CounterVec
	batches  prometheus.Counter
	tokens   *prometheus.CounterVec
	records  *prometheus.CounterVec
	bypassed prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_runs_started_total",
			Help: "Total runs that moved to processing.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_runs_completed_total",
			Help: "Total runs that reached a terminal state, partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_runs_running",
			Help: "Current number of processing runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_run_runtime_seconds",
			Help:    "Wall time per terminal run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		runsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_runs_rejected_total",
			Help: "Run requests rejected before a run existed, partitioned by error kind.",
		}, []string{"kind"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_chunks_total",
			Help: "Chunks that reached a terminal state, partitioned by status.",
		}, []string{"status"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_run_analysis_batches_total",
			Help: "Analysis batches reported by runs.",
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_run_tokens_total",
			Help: "Analysis tokens reported by runs, partitioned by kind.",
		}, []string{"kind"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_records_total",
			Help: "Records processed, partitioned by outcome.",
		}, []string{"outcome"}),
		bypassed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_analysis_bypassed_total",
			Help: "Records that skipped analysis because they were unchanged.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.runsRejected,
		s.chunks,
		s.batches,
		s.tokens,
		s.records,
		s.bypassed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.finishRun(evt, "completed")
	case progress.StageRunError:
		s.finishRun(evt, "failed")
	case progress.StageRunRejected:
		kind := string(evt.ErrorKind)
		if kind == "" {
			kind = string(pipeline.KindConfiguration)
		}
		s.runsRejected.WithLabelValues(kind).Inc()
	case progress.StageRunProgress:
		s.observeCounters(evt.Counters)
		if evt.Bypassed > 0 {
			s.bypassed.Add(float64(evt.Bypassed))
		}
	case progress.StageChunkDone:
		s.chunks.WithLabelValues(string(pipeline.StatusCompleted)).Inc()
	case progress.StageChunkError:
		s.chunks.WithLabelValues(string(pipeline.StatusFailed)).Inc()
	case progress.StageBatchDone:
		s.batches.Inc()
		if evt.PromptTokens > 0 {
			s.tokens.WithLabelValues("prompt").Add(float64(evt.PromptTokens))
		}
		if evt.CompletionTokens > 0 {
			s.tokens.WithLabelValues("completion").Add(float64(evt.CompletionTokens))
		}
	}
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeCounters(c pipeline.Counters) {
	for outcome, n := range map[string]int64{
		"added":   c.Added,
		"updated": c.Updated,
		"skipped": c.Skipped,
		"failed":  c.Failed,
	} {
		if n > 0 {
			s.records.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

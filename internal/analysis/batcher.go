package analysis

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/funding-pipeline/internal/metrics"
	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

//go:embed schema.json
var responseSchemaJSON []byte

var responseSchema = jsonschema.MustCompileString("analysis_batch.json", string(responseSchemaJSON))

const systemPrompt = `You analyze public funding opportunities. For every record in the
input array return one entry in "results" with the same "id". Write a two
sentence "summary", list topical "categories", list "eligible_applicants" as
organization types, and give a "relevance_score" between 0 and 1 for
community and nonprofit applicants. Respond with JSON only.`

// ErrMissingResult marks a record the service did not return a result for.
var ErrMissingResult = errors.New("analysis response has no entry for record")

// Status is the per-record outcome of a batch analysis.
type Status string

// Outcome statuses.
const (
	StatusBypassed Status = "bypassed"
	StatusAnalyzed Status = "analyzed"
	StatusFailed   Status = "failed"
)

// Item is one record submitted for analysis.
type Item struct {
	// ID correlates the record with its entry in the service response.
	ID     string
	Record pipeline.CandidateRecord
	// Bypass skips the service and carries Existing forward.
	Bypass   bool
	Existing *pipeline.AnalysisResult
}

// Outcome is the result for one Item, in input order.
type Outcome struct {
	ID     string
	Status Status
	Result *pipeline.AnalysisResult
	Err    error
	// Batch is the index of the batch that carried the record, or -1 when bypassed.
	Batch int
}

// BatchStats records timing and token usage of one service batch.
type BatchStats struct {
	Index            int
	Size             int
	Attempts         int
	Duration         time.Duration
	PromptTokens     int64
	CompletionTokens int64
	Err              error
}

// Report is the result of Analyze.
type Report struct {
	Outcomes []Outcome
	Batches  []BatchStats
}

// Err returns the first batch failure, if any.
func (r Report) Err() error {
	for _, b := range r.Batches {
		if b.Err != nil {
			return b.Err
		}
	}
	return nil
}

// Count returns how many outcomes have the given status.
func (r Report) Count(status Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Metrics summarizes the report as run metric deltas.
func (r Report) Metrics() pipeline.Metrics {
	m := pipeline.Metrics{Bypassed: int64(r.Count(StatusBypassed))}
	for _, b := range r.Batches {
		m.AnalysisBatches++
		m.AnalysisMS += b.Duration.Milliseconds()
		m.PromptTokens += b.PromptTokens
		m.CompletionTokens += b.CompletionTokens
		if b.Attempts > 1 {
			m.AnalysisRetries += int64(b.Attempts - 1)
		}
		if b.Err != nil {
			m.FailedBatches++
		}
	}
	return m
}

// Batcher sends records to the analysis service in token-bounded batches.
type Batcher struct {
	client  pipeline.AnalysisClient
	limiter pipeline.Limiter
	clock   pipeline.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Batcher. limiter and clock may be nil.
func New(
	client pipeline.AnalysisClient,
	limiter pipeline.Limiter,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		client:  client,
		limiter: limiter,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Config returns the effective configuration.
func (b *Batcher) Config() Config {
	return b.cfg
}

// Analyze returns exactly one Outcome per item, in input order. Batch failures
// mark their records failed and never abort the remaining batches.
func (b *Batcher) Analyze(ctx context.Context, items []Item) Report {
	report := Report{Outcomes: make([]Outcome, len(items))}

	var (
		pending []int
		records []pipeline.CandidateRecord
	)
	for i, item := range items {
		out := Outcome{ID: item.ID, Batch: -1}
		switch {
		case item.Bypass:
			out.Status = StatusBypassed
			out.Result = item.Existing
		case item.ID == "":
			out.Status = StatusFailed
			out.Err = pipeline.NewError(pipeline.KindAnalysis, pipeline.StageAnalysis, "analyze", errors.New("record has no id"))
		default:
			pending = append(pending, i)
			records = append(records, item.Record)
		}
		report.Outcomes[i] = out
	}
	if len(pending) == 0 {
		return report
	}

	for batchIdx, group := range PlanBatches(records, b.cfg) {
		batchItems := make([]Item, len(group))
		for j, k := range group {
			batchItems[j] = items[pending[k]]
		}

		results, stats := b.runBatch(ctx, batchIdx, batchItems)
		report.Batches = append(report.Batches, stats)

		for j, k := range group {
			idx := pending[k]
			out := &report.Outcomes[idx]
			out.Batch = batchIdx
			if stats.Err != nil {
				out.Status = StatusFailed
				out.Err = stats.Err
				continue
			}
			result, ok := results[batchItems[j].ID]
			if !ok {
				out.Status = StatusFailed
				out.Err = pipeline.NewError(
					pipeline.KindAnalysis, pipeline.StageAnalysis, "match result",
					fmt.Errorf("%w %q", ErrMissingResult, batchItems[j].ID),
				).WithBatch(batchIdx)
				continue
			}
			out.Status = StatusAnalyzed
			out.Result = &result
		}
	}
	return report
}

type batchResponse struct {
	Results []resultEntry `json:"results"`
}

type resultEntry struct {
	ID                 string   `json:"id"`
	Summary            string   `json:"summary"`
	Categories         []string `json:"categories"`
	EligibleApplicants []string `json:"eligible_applicants"`
	RelevanceScore     float64  `json:"relevance_score"`
}

type promptRecord struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Agency       string         `json:"agency,omitempty"`
	URL          string         `json:"url,omitempty"`
	MaximumAward *float64       `json:"maximum_award,omitempty"`
	MinimumAward *float64       `json:"minimum_award,omitempty"`
	OpenDate     *string        `json:"open_date,omitempty"`
	CloseDate    *string        `json:"close_date,omitempty"`
	Status       *string        `json:"status,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

func (b *Batcher) runBatch(ctx context.Context, index int, items []Item) (map[string]pipeline.AnalysisResult, BatchStats) {
	stats := BatchStats{Index: index, Size: len(items)}
	start := time.Now()
	logger := b.logger.With(zap.Int("batch", index), zap.Int("size", len(items)))

	wrap := func(op string, err error) error {
		return pipeline.NewError(pipeline.KindAnalysis, pipeline.StageAnalysis, op, err).WithBatch(index)
	}

	request, err := buildRequest(items)
	if err != nil {
		stats.Err = wrap("build prompt", err)
		return nil, stats
	}

	var model string
	results, err := retry.DoWithData(
		func() (map[string]pipeline.AnalysisResult, error) {
			stats.Attempts++
			if b.limiter != nil {
				if err := b.limiter.Wait(ctx, b.cfg.RateLimitKey); err != nil {
					return nil, retry.Unrecoverable(err)
				}
			}
			resp, err := b.client.CallWithSchema(ctx, request)
			// A failed call may still have consumed tokens.
			stats.PromptTokens += resp.PromptTokens
			stats.CompletionTokens += resp.CompletionTokens
			if err != nil {
				return nil, err
			}
			model = resp.Model
			parsed, err := decodeResponse(resp.Content)
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			return parsed, nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(b.cfg.MaxRetries+1)),
		retry.Delay(b.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("analysis batch retry", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	stats.Duration = time.Since(start)

	result := "ok"
	if err != nil {
		result = "error"
		stats.Err = wrap("call analysis service", err)
		logger.Error("analysis batch failed", zap.Int("attempts", stats.Attempts), zap.Error(err))
	}
	metrics.ObserveAnalysisBatch(result, stats.Duration, stats.PromptTokens, stats.CompletionTokens)
	if err != nil {
		return nil, stats
	}

	analyzedAt := b.now()
	for id, r := range results {
		r.Model = model
		r.AnalyzedAt = analyzedAt
		results[id] = r
	}
	logger.Debug("analysis batch done",
		zap.Int("attempts", stats.Attempts),
		zap.Int64("prompt_tokens", stats.PromptTokens),
		zap.Int64("completion_tokens", stats.CompletionTokens),
		zap.Duration("duration", stats.Duration),
	)
	return results, stats
}

func (b *Batcher) now() time.Time {
	if b.clock != nil {
		return b.clock.Now().UTC()
	}
	return time.Now().UTC()
}

func buildRequest(items []Item) (pipeline.SchemaRequest, error) {
	payload := make([]promptRecord, len(items))
	for i, item := range items {
		r := item.Record
		payload[i] = promptRecord{
			ID:           item.ID,
			Title:        r.Title,
			Description:  r.Description,
			Agency:       r.Agency,
			URL:          r.URL,
			MaximumAward: r.MaximumAward,
			MinimumAward: r.MinimumAward,
			OpenDate:     r.OpenDate,
			CloseDate:    r.CloseDate,
			Status:       r.Status,
			Fields:       r.Fields,
		}
	}
	prompt, err := json.Marshal(payload)
	if err != nil {
		return pipeline.SchemaRequest{}, fmt.Errorf("marshal records: %w", err)
	}
	return pipeline.SchemaRequest{
		System:     systemPrompt,
		Prompt:     string(prompt),
		SchemaName: "funding_opportunity_analysis",
		Schema:     json.RawMessage(responseSchemaJSON),
	}, nil
}

// decodeResponse validates content against the response schema and indexes
// the entries by record ID. Later duplicates of an ID are ignored.
func decodeResponse(content []byte) (map[string]pipeline.AnalysisResult, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	if err := responseSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("analysis response violates schema: %w", err)
	}

	var resp batchResponse
	if err := json.Unmarshal(content, &resp); err != nil {
		return nil, fmt.Errorf("decode analysis results: %w", err)
	}
	out := make(map[string]pipeline.AnalysisResult, len(resp.Results))
	for _, entry := range resp.Results {
		if _, dup := out[entry.ID]; dup {
			continue
		}
		out[entry.ID] = pipeline.AnalysisResult{
			Summary:            entry.Summary,
			Categories:         entry.Categories,
			EligibleApplicants: entry.EligibleApplicants,
			RelevanceScore:     entry.RelevanceScore,
		}
	}
	return out, nil
}

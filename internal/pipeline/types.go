package pipeline

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Status represents the lifecycle state of a run or one of its chunk jobs.
type Status string

// Lifecycle states shared by runs and jobs.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// NonTerminal lists the states a terminal transition may start from.
var NonTerminal = []Status{StatusPending, StatusProcessing}

// Stage names the pipeline step an error or timing belongs to.
type Stage string

// Pipeline stages.
const (
	StageSetup      Stage = "setup"
	StageQueue      Stage = "queue"
	StageExtraction Stage = "extraction"
	StageDetection  Stage = "change_detection"
	StageAnalysis   Stage = "analysis"
	StageStorage    Stage = "storage"
	StageFinalize   Stage = "finalize"
	StageWatchdog   Stage = "watchdog"
)

// Counters tracks per-record outcomes. Values are always deltas when passed
// to progress updates, so accumulation is order independent.
type Counters struct {
	Processed int64 `json:"processed"`
	Added     int64 `json:"added"`
	Updated   int64 `json:"updated"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
}

// Add returns the element-wise sum of c and d.
func (c Counters) Add(d Counters) Counters {
	return Counters{
		Processed: c.Processed + d.Processed,
		Added:     c.Added + d.Added,
		Updated:   c.Updated + d.Updated,
		Skipped:   c.Skipped + d.Skipped,
		Failed:    c.Failed + d.Failed,
	}
}

// Balanced reports whether every processed record has exactly one outcome.
func (c Counters) Balanced() bool {
	return c.Processed == c.Added+c.Updated+c.Skipped+c.Failed
}

// IsZero reports whether no counter is set.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Metrics accumulates stage timings, token usage, and optimization counts for
// a run. Every field is additive.
type Metrics struct {
	ExtractionMS     int64 `json:"extraction_ms"`
	DetectionMS      int64 `json:"detection_ms"`
	AnalysisMS       int64 `json:"analysis_ms"`
	StorageMS        int64 `json:"storage_ms"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	AnalysisBatches  int64 `json:"analysis_batches"`
	AnalysisRetries  int64 `json:"analysis_retries"`
	FailedBatches    int64 `json:"failed_batches"`
	Bypassed         int64 `json:"bypassed"`
	PagesExtracted   int64 `json:"pages_extracted"`
	RecordsExtracted int64 `json:"records_extracted"`
	ChunksTotal      int64 `json:"chunks_total"`
	ChunksCompleted  int64 `json:"chunks_completed"`
	ChunksFailed     int64 `json:"chunks_failed"`
}

// Merge returns the element-wise sum of m and d.
func (m Metrics) Merge(d Metrics) Metrics {
	return Metrics{
		ExtractionMS:     m.ExtractionMS + d.ExtractionMS,
		DetectionMS:      m.DetectionMS + d.DetectionMS,
		AnalysisMS:       m.AnalysisMS + d.AnalysisMS,
		StorageMS:        m.StorageMS + d.StorageMS,
		PromptTokens:     m.PromptTokens + d.PromptTokens,
		CompletionTokens: m.CompletionTokens + d.CompletionTokens,
		AnalysisBatches:  m.AnalysisBatches + d.AnalysisBatches,
		AnalysisRetries:  m.AnalysisRetries + d.AnalysisRetries,
		FailedBatches:    m.FailedBatches + d.FailedBatches,
		Bypassed:         m.Bypassed + d.Bypassed,
		PagesExtracted:   m.PagesExtracted + d.PagesExtracted,
		RecordsExtracted: m.RecordsExtracted + d.RecordsExtracted,
		ChunksTotal:      m.ChunksTotal + d.ChunksTotal,
		ChunksCompleted:  m.ChunksCompleted + d.ChunksCompleted,
		ChunksFailed:     m.ChunksFailed + d.ChunksFailed,
	}
}

// Progress is a delta reported to the run manager after a unit of work.
type Progress struct {
	Counters Counters `json:"counters"`
	Metrics  Metrics  `json:"metrics"`
}

// RunOptions captures per-run knobs supplied by the caller.
type RunOptions struct {
	// VolumeEstimate is the expected number of source pages; zero means unknown.
	VolumeEstimate int `json:"volume_estimate,omitempty" mapstructure:"volume_estimate"`
	// MaxChunkSize caps pages per chunk; zero uses the configured default.
	MaxChunkSize int `json:"max_chunk_size,omitempty" mapstructure:"max_chunk_size"`
	// ForceAnalysis sends every record to analysis regardless of change detection.
	ForceAnalysis bool              `json:"force_analysis,omitempty" mapstructure:"force_analysis"`
	Tags          map[string]string `json:"tags,omitempty" mapstructure:"tags"`
}

// RunError is the structured failure persisted on runs and jobs.
type RunError struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Stage      Stage  `json:"stage,omitempty"`
	ChunkIndex *int   `json:"chunk_index,omitempty"`
	Batch      *int   `json:"batch,omitempty"`
}

// Run is one execution of the pipeline against one source.
type Run struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	Status      Status     `json:"status"`
	Options     RunOptions `json:"options"`
	Counters    Counters   `json:"counters"`
	Metrics     Metrics    `json:"metrics"`
	Error       *RunError  `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ChunkDescriptor describes one contiguous page range of a run's workload.
// PageEnd is exclusive; zero means the chunk runs until the source is exhausted.
type ChunkDescriptor struct {
	Index     int `json:"index"`
	Total     int `json:"total"`
	PageStart int `json:"page_start"`
	PageEnd   int `json:"page_end"`
}

// OpenEnded reports whether the chunk has no upper page bound.
func (d ChunkDescriptor) OpenEnded() bool {
	return d.PageEnd <= 0
}

// Job is the persisted state of one chunk.
type Job struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	ChunkIndex  int        `json:"chunk_index"`
	TotalChunks int        `json:"total_chunks"`
	Status      Status     `json:"status"`
	PageStart   int        `json:"page_start"`
	PageEnd     int        `json:"page_end"`
	Counters    Counters   `json:"counters"`
	Error       *RunError  `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Descriptor returns the page range the job covers.
func (j Job) Descriptor() ChunkDescriptor {
	return ChunkDescriptor{Index: j.ChunkIndex, Total: j.TotalChunks, PageStart: j.PageStart, PageEnd: j.PageEnd}
}

// CandidateRecord is one normalized opportunity as extracted from a source.
// Optional dimensions are pointers so absence is explicit.
type CandidateRecord struct {
	SourceNativeID string         `json:"source_native_id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Agency         string         `json:"agency,omitempty"`
	URL            string         `json:"url,omitempty"`
	MaximumAward   *float64       `json:"maximum_award,omitempty"`
	MinimumAward   *float64       `json:"minimum_award,omitempty"`
	OpenDate       *string        `json:"open_date,omitempty"`
	CloseDate      *string        `json:"close_date,omitempty"`
	Status         *string        `json:"status,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// ContentLength approximates how much text the record contributes to an
// analysis prompt.
func (c CandidateRecord) ContentLength() int {
	n := len(c.Title) + len(c.Description) + len(c.Agency) + len(c.URL)
	for k, v := range c.Fields {
		n += len(k)
		if s, ok := v.(string); ok {
			n += len(s)
			continue
		}
		if raw, err := json.Marshal(v); err == nil {
			n += len(raw)
		}
	}
	return n
}

// AnalysisResult is the structured output of the analysis service for one record.
type AnalysisResult struct {
	Summary            string    `json:"summary"`
	Categories         []string  `json:"categories"`
	EligibleApplicants []string  `json:"eligible_applicants"`
	RelevanceScore     float64   `json:"relevance_score"`
	Model              string    `json:"model,omitempty"`
	AnalyzedAt         time.Time `json:"analyzed_at"`
}

// StoredRecord is a candidate as persisted, with its carried analysis.
type StoredRecord struct {
	CandidateRecord
	ID             string          `json:"id"`
	SourceID       string          `json:"source_id"`
	Analysis       *AnalysisResult `json:"analysis,omitempty"`
	ContentHash    string          `json:"content_hash,omitempty"`
	FirstSeenRunID string          `json:"first_seen_run_id"`
	LastSeenRunID  string          `json:"last_seen_run_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ChangeDecision is the outcome of comparing a stored record with a candidate.
type ChangeDecision struct {
	Changed bool     `json:"changed"`
	IsNew   bool     `json:"is_new"`
	Fields  []string `json:"fields,omitempty"`
}

// SourceKind selects the extractor used for a source.
type SourceKind string

// Supported source kinds.
const (
	SourceKindJSON SourceKind = "json"
	SourceKindHTML SourceKind = "html"
)

// Source is the configuration of one external data source.
type Source struct {
	ID      string     `json:"id" mapstructure:"id" validate:"required"`
	Name    string     `json:"name" mapstructure:"name"`
	Kind    SourceKind `json:"kind" mapstructure:"kind" validate:"required,oneof=json html"`
	Enabled bool       `json:"enabled" mapstructure:"enabled"`
	BaseURL string     `json:"base_url" mapstructure:"base_url" validate:"required,url"`
	// PageParam is the query parameter carrying the page index.
	PageParam     string `json:"page_param" mapstructure:"page_param"`
	PageSizeParam string `json:"page_size_param" mapstructure:"page_size_param"`
	PageSize      int    `json:"page_size" mapstructure:"page_size" validate:"gte=0"`
	// FirstPage is the index the source API uses for its first page (0 or 1).
	FirstPage int `json:"first_page" mapstructure:"first_page" validate:"gte=0"`
	// ItemsPath is the dotted path to the record array in JSON responses.
	ItemsPath string `json:"items_path" mapstructure:"items_path" validate:"required_if=Kind json"`
	// ItemSelector is the CSS selector matching one record in HTML listings.
	ItemSelector string `json:"item_selector" mapstructure:"item_selector" validate:"required_if=Kind html"`
	// NextSelector optionally locates the next-page link in HTML listings.
	NextSelector string `json:"next_selector" mapstructure:"next_selector"`
	// Fields maps candidate field names to dotted JSON paths or CSS selectors.
	Fields         map[string]string `json:"fields" mapstructure:"fields" validate:"required,dive,required"`
	Headers        map[string]string `json:"headers" mapstructure:"headers"`
	VolumeEstimate int               `json:"volume_estimate" mapstructure:"volume_estimate" validate:"gte=0"`
}

// PageToken encodes a page index as an opaque extractor token.
func PageToken(index int) string {
	return strconv.Itoa(index)
}

// Page is one page of extracted records.
type Page struct {
	Records       []CandidateRecord
	NextPageToken string
	URL           string
	ContentType   string
	Raw           []byte
}

// FetchRequest captures everything needed to fetch a source URL.
type FetchRequest struct {
	RunID   string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// SchemaRequest is one structured call to the analysis service.
type SchemaRequest struct {
	System     string
	Prompt     string
	SchemaName string
	Schema     json.RawMessage
}

// SchemaResponse is the validated-JSON payload returned by the analysis service.
type SchemaResponse struct {
	Content          json.RawMessage
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// QueueItem wraps a run ready to execute.
type QueueItem struct {
	RunID     string     `json:"run_id"`
	SourceID  string     `json:"source_id"`
	Options   RunOptions `json:"options"`
	Attempt   int        `json:"attempt"`
	Submitted int64      `json:"submitted"`
}

// ActivityKind classifies an activity log entry.
type ActivityKind string

// Activity kinds written to the activity log.
const (
	ActivityRunStarted   ActivityKind = "run_started"
	ActivityRunCompleted ActivityKind = "run_completed"
	ActivityRunFailed    ActivityKind = "run_failed"
	ActivityRunRejected  ActivityKind = "run_rejected"
)

// ActivityEntry is one row of the per-source activity log. RunID is empty for
// rejections that happened before a run existed.
type ActivityEntry struct {
	ID        string       `json:"id"`
	SourceID  string       `json:"source_id"`
	RunID     string       `json:"run_id,omitempty"`
	Kind      ActivityKind `json:"kind"`
	ErrorKind Kind         `json:"error_kind,omitempty"`
	Message   string       `json:"message,omitempty"`
	At        time.Time    `json:"at"`
}

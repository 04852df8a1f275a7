package analysis

import (
	"time"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

// Batch sizing and retry defaults.
const (
	DefaultBatchSize            = 10
	DefaultMaxBatchSize         = 25
	DefaultTokenCeiling         = 8000
	DefaultCharsPerToken        = 4
	DefaultRecordOverheadTokens = 24
	DefaultMaxRetries           = 3
	DefaultRetryDelay           = 2 * time.Second
)

// Config controls batch sizing and retry behavior.
type Config struct {
	// DefaultBatchSize is the size a batch stops at when its records are not short.
	DefaultBatchSize int
	// MaxBatchSize is the hard cap on records per batch.
	MaxBatchSize int
	// TokenCeiling is the estimated prompt token budget per batch.
	TokenCeiling int
	// CharsPerToken converts record content length into estimated tokens.
	CharsPerToken int
	// RecordOverheadTokens covers the JSON framing of each record.
	RecordOverheadTokens int
	MaxRetries           int
	RetryDelay           time.Duration
	// RateLimitKey is the limiter key used for service calls.
	RateLimitKey string
}

func (c Config) withDefaults() Config {
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = DefaultBatchSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxBatchSize < c.DefaultBatchSize {
		c.MaxBatchSize = c.DefaultBatchSize
	}
	if c.TokenCeiling <= 0 {
		c.TokenCeiling = DefaultTokenCeiling
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = DefaultCharsPerToken
	}
	if c.RecordOverheadTokens <= 0 {
		c.RecordOverheadTokens = DefaultRecordOverheadTokens
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RateLimitKey == "" {
		c.RateLimitKey = "analysis"
	}
	return c
}

// EstimateTokens returns the approximate prompt cost of one record.
func EstimateTokens(record pipeline.CandidateRecord, cfg Config) int {
	cfg = cfg.withDefaults()
	return record.ContentLength()/cfg.CharsPerToken + cfg.RecordOverheadTokens
}

// PlanBatches partitions records into batches, returned as index lists into
// records. Order is preserved and every index appears exactly once.
//
// A batch closes when the next record would push it past the token ceiling,
// when it reaches MaxBatchSize, or when it reaches DefaultBatchSize and its
// records average more than the ceiling allows for a full-size batch. A single
// record larger than the ceiling still gets its own batch.
func PlanBatches(records []pipeline.CandidateRecord, cfg Config) [][]int {
	cfg = cfg.withDefaults()
	perRecordBudget := cfg.TokenCeiling / cfg.MaxBatchSize

	var (
		batches [][]int
		current []int
		tokens  int
	)
	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
		}
		current = nil
		tokens = 0
	}

	for i, record := range records {
		cost := EstimateTokens(record, cfg)
		if len(current) > 0 && tokens+cost > cfg.TokenCeiling {
			flush()
		}
		current = append(current, i)
		tokens += cost

		switch {
		case len(current) >= cfg.MaxBatchSize:
			flush()
		case len(current) >= cfg.DefaultBatchSize && tokens/len(current) > perRecordBudget:
			flush()
		}
	}
	flush()
	return batches
}

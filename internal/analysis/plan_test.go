package analysis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

func recordsWithDescription(n, length int) []pipeline.CandidateRecord {
	out := make([]pipeline.CandidateRecord, n)
	for i := range out {
		out[i] = pipeline.CandidateRecord{Description: strings.Repeat("a", length)}
	}
	return out
}

func flatten(batches [][]int) []int {
	var out []int
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}

func TestPlanBatchesDefaultSize(t *testing.T) {
	t.Parallel()

	// ~1024 tokens each: the ceiling closes batches at 7.
	records := recordsWithDescription(30, 4000)
	batches := PlanBatches(records, Config{})
	for _, b := range batches {
		require.LessOrEqual(t, len(b), DefaultBatchSize)
	}

	// ~224 tokens each, under the 8000/25 per-record budget.
	records = recordsWithDescription(60, 800)
	batches = PlanBatches(records, Config{})
	require.Greater(t, len(batches[0]), DefaultBatchSize, "short records grow the batch")
	require.LessOrEqual(t, len(batches[0]), DefaultMaxBatchSize)
}

func TestPlanBatchesMediumRecordsStopAtDefault(t *testing.T) {
	t.Parallel()

	// ~424 tokens each: ten fit under the ceiling but the average is above
	// the full-size budget.
	records := recordsWithDescription(20, 1600)
	batches := PlanBatches(records, Config{})
	require.Len(t, batches, 2)
	require.Len(t, batches[0], DefaultBatchSize)
}

func TestPlanBatchesShrinksForLargeRecords(t *testing.T) {
	t.Parallel()

	// ~2524 tokens each: three fit under 8000.
	records := recordsWithDescription(7, 10000)
	batches := PlanBatches(records, Config{})
	require.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6}}, batches)
}

func TestPlanBatchesOversizedRecordGetsOwnBatch(t *testing.T) {
	t.Parallel()

	records := recordsWithDescription(1, 100000)
	records = append(records, recordsWithDescription(2, 10)...)
	batches := PlanBatches(records, Config{})
	require.Equal(t, []int{0}, batches[0])
	require.Equal(t, []int{1, 2}, batches[1])
}

func TestPlanBatchesCoversEveryIndexOnce(t *testing.T) {
	t.Parallel()

	var records []pipeline.CandidateRecord
	for i := range 97 {
		records = append(records, pipeline.CandidateRecord{Description: strings.Repeat("z", (i*731)%9000)})
	}
	batches := PlanBatches(records, Config{})
	got := flatten(batches)
	require.Len(t, got, len(records))
	for i, idx := range got {
		require.Equal(t, i, idx)
	}
	for _, b := range batches {
		require.NotEmpty(t, b)
		require.LessOrEqual(t, len(b), DefaultMaxBatchSize)
	}
}

func TestPlanBatchesEmpty(t *testing.T) {
	t.Parallel()

	require.Empty(t, PlanBatches(nil, Config{}))
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	r := pipeline.CandidateRecord{Title: strings.Repeat("t", 40)}
	require.Equal(t, 10+DefaultRecordOverheadTokens, EstimateTokens(r, Config{}))
	require.Equal(t, 20+DefaultRecordOverheadTokens, EstimateTokens(r, Config{CharsPerToken: 2}))
}

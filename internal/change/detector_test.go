package change

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

func ptr[T any](v T) *T {
	return &v
}

func storedRecord(amount float64, closeDate, status string) *pipeline.StoredRecord {
	return &pipeline.StoredRecord{
		CandidateRecord: pipeline.CandidateRecord{
			SourceNativeID: "opp-1",
			MaximumAward:   ptr(amount),
			CloseDate:      ptr(closeDate),
			Status:         ptr(status),
		},
	}
}

func candidate(amount float64, closeDate, status string) pipeline.CandidateRecord {
	return pipeline.CandidateRecord{
		SourceNativeID: "opp-1",
		MaximumAward:   ptr(amount),
		CloseDate:      ptr(closeDate),
		Status:         ptr(status),
	}
}

func TestDetectAmountThreshold(t *testing.T) {
	t.Parallel()

	d := New(Config{})
	existing := storedRecord(100000, "2024-12-31", "posted")

	require.False(t, d.Changed(existing, candidate(104000, "2024-12-31", "posted")))

	decision := d.Detect(existing, candidate(106000, "2024-12-31", "posted"))
	require.True(t, decision.Changed)
	require.Equal(t, []string{FieldMaximumAward}, decision.Fields)

	require.False(t, d.Changed(existing, candidate(105000, "2024-12-31", "posted")), "exactly at threshold is not a change")
	require.True(t, d.Changed(existing, candidate(94000, "2024-12-31", "posted")), "decreases count too")
}

func TestDetectDatesAndStatus(t *testing.T) {
	t.Parallel()

	d := New(Config{})
	existing := storedRecord(100000, "2024-12-31", "posted")

	decision := d.Detect(existing, candidate(100000, "2025-01-01", "posted"))
	require.True(t, decision.Changed)
	require.Equal(t, []string{FieldCloseDate}, decision.Fields)

	decision = d.Detect(existing, candidate(100000, "2024-12-31", "closed"))
	require.Equal(t, []string{FieldStatus}, decision.Fields)

	withOpen := *existing
	withOpen.OpenDate = ptr("2024-01-01")
	cand := candidate(100000, "2024-12-31", "posted")
	cand.OpenDate = ptr("2024-02-01")
	decision = d.Detect(&withOpen, cand)
	require.Equal(t, []string{FieldOpenDate}, decision.Fields)
}

func TestDetectAbsenceIsNotEvaluable(t *testing.T) {
	t.Parallel()

	d := New(Config{})
	existing := storedRecord(100000, "2024-12-31", "posted")

	tests := []struct {
		name string
		cand pipeline.CandidateRecord
	}{
		{name: "no fields", cand: pipeline.CandidateRecord{SourceNativeID: "opp-1"}},
		{name: "missing amount", cand: pipeline.CandidateRecord{CloseDate: ptr("2024-12-31"), Status: ptr("posted")}},
		{name: "missing dates", cand: pipeline.CandidateRecord{MaximumAward: ptr(100500.0), Status: ptr("posted")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.NotPanics(t, func() {
				require.False(t, d.Changed(existing, tc.cand))
			})
		})
	}

	empty := &pipeline.StoredRecord{}
	require.False(t, d.Changed(empty, candidate(5, "2030-01-01", "forecasted")))
}

func TestDetectNewRecord(t *testing.T) {
	t.Parallel()

	decision := New(Config{}).Detect(nil, candidate(1, "2024-12-31", "posted"))
	require.True(t, decision.Changed)
	require.True(t, decision.IsNew)
}

func TestDetectZeroExistingAmount(t *testing.T) {
	t.Parallel()

	d := New(Config{})
	require.False(t, d.Changed(storedRecord(0, "x", "y"), candidate(0, "x", "y")))
	require.True(t, d.Changed(storedRecord(0, "x", "y"), candidate(10, "x", "y")))
}

func TestDetectCustomThreshold(t *testing.T) {
	t.Parallel()

	strict := New(Config{AmountThreshold: 0.01})
	require.Equal(t, 0.01, strict.Threshold())
	require.True(t, strict.Changed(storedRecord(100000, "x", "y"), candidate(102000, "x", "y")))
	require.Equal(t, DefaultAmountThreshold, New(Config{AmountThreshold: -1}).Threshold())
}

func TestDetectIsDeterministicUnderConcurrency(t *testing.T) {
	t.Parallel()

	d := New(Config{})
	existing := storedRecord(100000, "2024-12-31", "posted")
	cand := candidate(106000, "2025-01-15", "posted")
	want := d.Detect(existing, cand)

	var wg sync.WaitGroup
	results := make([]pipeline.ChangeDecision, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.Detect(existing, cand)
		}(i)
	}
	wg.Wait()
	for _, got := range results {
		require.Equal(t, want, got)
	}
}

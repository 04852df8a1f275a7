// Package change decides whether a freshly extracted opportunity differs
// enough from its stored version to require re-analysis.
package change

import (
	"math"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

// DefaultAmountThreshold is the relative maximum-award change that flags a record.
const DefaultAmountThreshold = 0.05

// Field names reported in pipeline.ChangeDecision.Fields.
const (
	FieldMaximumAward = "maximum_award"
	FieldOpenDate     = "open_date"
	FieldCloseDate    = "close_date"
	FieldStatus       = "status"
)

// Config controls the detector thresholds.
type Config struct {
	// AmountThreshold is the relative change in maximum award above which a
	// record counts as changed. Zero uses DefaultAmountThreshold.
	AmountThreshold float64
}

// Detector compares stored records with candidates. It holds no mutable state
// and is safe for concurrent use.
type Detector struct {
	threshold float64
}

// New builds a Detector.
func New(cfg Config) *Detector {
	threshold := cfg.AmountThreshold
	if threshold <= 0 || math.IsNaN(threshold) {
		threshold = DefaultAmountThreshold
	}
	return &Detector{threshold: threshold}
}

// Threshold returns the configured relative amount threshold.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Changed reports whether the candidate is materially different from existing.
func (d *Detector) Changed(existing *pipeline.StoredRecord, candidate pipeline.CandidateRecord) bool {
	return d.Detect(existing, candidate).Changed
}

// Detect compares a stored record with a candidate. A nil existing record is
// new and always changed. A dimension missing on either side cannot be
// evaluated and never flags on its own.
func (d *Detector) Detect(existing *pipeline.StoredRecord, candidate pipeline.CandidateRecord) pipeline.ChangeDecision {
	if existing == nil {
		return pipeline.ChangeDecision{Changed: true, IsNew: true}
	}
	var fields []string
	if d.amountChanged(existing.MaximumAward, candidate.MaximumAward) {
		fields = append(fields, FieldMaximumAward)
	}
	if stringChanged(existing.OpenDate, candidate.OpenDate) {
		fields = append(fields, FieldOpenDate)
	}
	if stringChanged(existing.CloseDate, candidate.CloseDate) {
		fields = append(fields, FieldCloseDate)
	}
	if stringChanged(existing.Status, candidate.Status) {
		fields = append(fields, FieldStatus)
	}
	return pipeline.ChangeDecision{Changed: len(fields) > 0, Fields: fields}
}

func (d *Detector) amountChanged(existing, candidate *float64) bool {
	if existing == nil || candidate == nil {
		return false
	}
	prev, next := *existing, *candidate
	if math.IsNaN(prev) || math.IsNaN(next) {
		return false
	}
	if prev == 0 {
		// Relative change is undefined; any movement away from zero counts.
		return next != 0
	}
	return math.Abs(next-prev)/math.Abs(prev) > d.threshold
}

func stringChanged(existing, candidate *string) bool {
	if existing == nil || candidate == nil {
		return false
	}
	return *existing != *candidate
}

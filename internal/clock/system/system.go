// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

var _ pipeline.Clock = Clock{}

// Clock implements pipeline.Clock. Timestamps are always UTC so run and job
// times compare cleanly across stores.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

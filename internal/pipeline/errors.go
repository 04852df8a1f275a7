package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies pipeline failures.
type Kind string

// Error kinds reported by the pipeline.
const (
	KindExtraction    Kind = "ExtractionError"
	KindAnalysis      Kind = "AnalysisError"
	KindPersistence   Kind = "PersistenceError"
	KindConfiguration Kind = "ConfigurationError"
	KindTimeout       Kind = "TimeoutError"
)

// Error is a classified failure carrying the stage context it occurred in.
type Error struct {
	Kind  Kind
	Op    string
	Stage Stage
	Chunk *int
	Batch *int
	Err   error
}

// NewError wraps err with a kind and stage.
func NewError(kind Kind, stage Stage, op string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Op: op, Err: err}
}

// WithChunk returns a copy of e scoped to a chunk index.
func (e *Error) WithChunk(index int) *Error {
	cp := *e
	cp.Chunk = &index
	return &cp
}

// WithBatch returns a copy of e scoped to an analysis batch index.
func (e *Error) WithBatch(index int) *Error {
	cp := *e
	cp.Batch = &index
	return &cp
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	var scope []string
	if e.Stage != "" {
		scope = append(scope, "stage "+string(e.Stage))
	}
	if e.Chunk != nil {
		scope = append(scope, fmt.Sprintf("chunk %d", *e.Chunk))
	}
	if e.Batch != nil {
		scope = append(scope, fmt.Sprintf("batch %d", *e.Batch))
	}
	if len(scope) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(scope, ", "))
		b.WriteString(")")
	}
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost *Error in err's chain, falling back
// to TimeoutError for deadline errors and the empty kind otherwise.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindForStage is the default classification for unclassified errors.
func KindForStage(stage Stage) Kind {
	switch stage {
	case StageExtraction:
		return KindExtraction
	case StageAnalysis:
		return KindAnalysis
	case StageSetup:
		return KindConfiguration
	case StageWatchdog:
		return KindTimeout
	default:
		return KindPersistence
	}
}

// ToRunError converts err into its persisted form. Classified errors keep their
// own kind and scope; anything else is classified by stage.
func ToRunError(err error, stage Stage) *RunError {
	if err == nil {
		return nil
	}
	re := &RunError{Message: err.Error(), Stage: stage}
	var pe *Error
	if errors.As(err, &pe) {
		re.Kind = pe.Kind
		if pe.Stage != "" {
			re.Stage = pe.Stage
		}
		re.ChunkIndex = pe.Chunk
		re.Batch = pe.Batch
		return re
	}
	re.Kind = KindOf(err)
	if re.Kind == "" {
		re.Kind = KindForStage(stage)
	}
	return re
}

// EarlyFailureError reports a failure that happened before any run record
// existed, so there is nothing to poll.
type EarlyFailureError struct {
	SourceID string
	Err      error
}

func (e *EarlyFailureError) Error() string {
	return fmt.Sprintf("run for source %q not started: %v", e.SourceID, e.Err)
}

func (e *EarlyFailureError) Unwrap() error {
	return e.Err
}

// IsEarlyFailure reports whether err means no run record was created.
func IsEarlyFailure(err error) bool {
	var ef *EarlyFailureError
	return errors.As(err, &ef)
}

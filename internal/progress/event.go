package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunQueued   Stage = "RUN_QUEUED"
	StageRunStart    Stage = "RUN_START"
	StageRunProgress Stage = "RUN_PROGRESS"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StageRunRejected Stage = "RUN_REJECTED"
	StageChunkDone   Stage = "CHUNK_DONE"
	StageChunkError  Stage = "CHUNK_ERROR"
	StageBatchDone   Stage = "BATCH_DONE"
)

// Terminal reports whether the stage ends a run (or its attempt to exist).
func (s Stage) Terminal() bool {
	return s == StageRunDone || s == StageRunError || s == StageRunRejected
}

// Event captures one milestone of a pipeline run.
type Event struct {
	// RunID identifies the run; empty only for rejections.
	RunID    string
	SourceID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Chunk is the chunk index for CHUNK_* and BATCH_DONE events.
	Chunk int
	// Batch is the analysis batch index within the chunk for BATCH_DONE.
	Batch int
	// Counters carries record outcome deltas (RUN_PROGRESS, CHUNK_*) or run
	// totals (RUN_DONE).
	Counters         pipeline.Counters
	PromptTokens     int64
	CompletionTokens int64
	Bypassed         int64
	// ChunksFailed is set on RUN_DONE when some chunks did not complete.
	ChunksFailed int64
	// Dur is the batch duration for BATCH_DONE and the run runtime for
	// terminal run stages.
	Dur       time.Duration
	ErrorKind pipeline.Kind
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunRejected:
		if e.SourceID == "" {
			return errors.New("run rejection requires source id")
		}
	case StageRunQueued, StageRunStart, StageRunProgress, StageRunDone, StageRunError:
		if e.RunID == "" {
			return errors.New("run id is required")
		}
	case StageChunkDone, StageChunkError, StageBatchDone:
		if e.RunID == "" {
			return errors.New("run id is required")
		}
		if e.Chunk < 0 {
			return errors.New("chunk index must be >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Emit forwards evt to em when em is non-nil.
func Emit(em Emitter, evt Event) {
	if em == nil {
		return
	}
	em.Emit(evt)
}

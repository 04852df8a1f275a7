package pipeline

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrQueueClosed is returned by Queue implementations after shutdown.
var ErrQueueClosed = errors.New("queue closed")

// Extractor pulls one page of candidate records from a source. An empty
// pageToken requests the first page; an empty NextPageToken ends pagination.
type Extractor interface {
	ExtractPage(ctx context.Context, source Source, pageToken string) (Page, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// AnalysisClient performs one schema-constrained call to the analysis service.
type AnalysisClient interface {
	CallWithSchema(ctx context.Context, request SchemaRequest) (SchemaResponse, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for runs awaiting execution.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Limiter throttles calls against a keyed external dependency.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

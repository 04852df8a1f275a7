package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/funding-pipeline/internal/analysis"
	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/progress"
)

// chunkResult is what one chunk reports back to the run.
type chunkResult struct {
	counters pipeline.Counters
	metrics  pipeline.Metrics
	err      error
}

// settle counts every processed record without an outcome as failed.
func (r *chunkResult) settle() {
	c := &r.counters
	if rest := c.Processed - (c.Added + c.Updated + c.Skipped + c.Failed); rest > 0 {
		c.Failed += rest
	}
}

type candidate struct {
	record   pipeline.CandidateRecord
	existing *pipeline.StoredRecord
	decision pipeline.ChangeDecision
}

// processChunk runs one chunk and records its terminal status before
// reporting progress.
func (c *Coordinator) processChunk(ctx context.Context, rc *runContext, job pipeline.Job) {
	logger := rc.logger.With(zap.Int("chunk", job.ChunkIndex), zap.String("job_id", job.ID))
	persistCtx := context.WithoutCancel(ctx)

	claimed, err := c.chunks.MarkProcessing(ctx, job.ID)
	if err != nil {
		logger.Error("claim chunk failed", zap.Error(err))
		c.recordChunk(persistCtx, job, pipeline.StatusFailed, pipeline.Counters{}, err, logger)
		return
	}
	if !claimed {
		logger.Info("chunk already claimed")
		return
	}

	res := c.runChunk(ctx, rc, job, logger)
	res.settle()

	status := pipeline.StatusCompleted
	if res.err != nil {
		status = pipeline.StatusFailed
		logger.Warn("chunk failed", zap.Any("counters", res.counters), zap.Error(res.err))
	} else {
		logger.Info("chunk completed", zap.Any("counters", res.counters))
	}
	c.recordChunk(persistCtx, job, status, res.counters, res.err, logger)
	c.runs.UpdateProgress(persistCtx, rc.runID, pipeline.Progress{Counters: res.counters, Metrics: res.metrics})
}

func (c *Coordinator) recordChunk(
	ctx context.Context,
	job pipeline.Job,
	status pipeline.Status,
	counters pipeline.Counters,
	cause error,
	logger *zap.Logger,
) {
	if _, err := c.chunks.RecordChunkStatus(ctx, job, status, counters, cause); err != nil {
		logger.Error("record chunk status failed", zap.String("status", string(status)), zap.Error(err))
	}
}

func (c *Coordinator) runChunk(ctx context.Context, rc *runContext, job pipeline.Job, logger *zap.Logger) chunkResult {
	var res chunkResult

	start := time.Now()
	records, err := c.extract(ctx, rc, job, &res.metrics, logger)
	res.metrics.ExtractionMS = time.Since(start).Milliseconds()
	res.counters.Processed = int64(len(records))
	if err != nil {
		res.err = err
		return res
	}

	start = time.Now()
	cands, err := c.detect(ctx, rc, records, &res.counters)
	res.metrics.DetectionMS = time.Since(start).Milliseconds()
	if err != nil {
		res.err = scopeError(err, pipeline.KindPersistence, pipeline.StageDetection, "find existing", job.ChunkIndex)
		return res
	}

	items := make([]analysis.Item, len(cands))
	for i, cand := range cands {
		items[i] = analysis.Item{ID: cand.record.SourceNativeID, Record: cand.record}
		if !rc.opts.ForceAnalysis && !cand.decision.Changed && cand.existing.Analysis != nil {
			items[i].Bypass = true
			items[i].Existing = cand.existing.Analysis
		}
	}
	report := c.analyzer.Analyze(ctx, items)
	res.metrics = res.metrics.Merge(report.Metrics())
	c.emitBatches(rc, job, report.Batches)

	start = time.Now()
	err = c.persist(ctx, rc, cands, report.Outcomes, &res.counters)
	res.metrics.StorageMS = time.Since(start).Milliseconds()
	if err != nil {
		res.err = scopeError(err, pipeline.KindPersistence, pipeline.StageStorage, "persist records", job.ChunkIndex)
		return res
	}
	if err := report.Err(); err != nil {
		res.err = scopeError(err, pipeline.KindAnalysis, pipeline.StageAnalysis, "analyze records", job.ChunkIndex)
	}
	return res
}

// extract reads the chunk's page range, following page tokens. The last
// chunk keeps following tokens past its planned end, up to MaxOpenPages, so a
// source that outgrew its volume estimate is still read to the end.
func (c *Coordinator) extract(
	ctx context.Context,
	rc *runContext,
	job pipeline.Job,
	m *pipeline.Metrics,
	logger *zap.Logger,
) ([]pipeline.CandidateRecord, error) {
	planned := job.PageEnd - job.PageStart
	tail := job.Descriptor().OpenEnded() || job.ChunkIndex == job.TotalChunks-1
	limit := planned
	if tail {
		limit = max(planned, c.cfg.MaxOpenPages)
	}
	token := pipeline.PageToken(rc.source.FirstPage + job.PageStart)

	var records []pipeline.CandidateRecord
	for n := 0; n < limit; n++ {
		page, err := c.fetchPage(ctx, rc, token, logger)
		if err != nil {
			return records, scopeError(err, pipeline.KindExtraction, pipeline.StageExtraction,
				fmt.Sprintf("extract page %s", token), job.ChunkIndex)
		}
		m.PagesExtracted++
		m.RecordsExtracted += int64(len(page.Records))
		records = append(records, page.Records...)
		c.archive(ctx, rc, job, job.PageStart+n, page, logger)

		if page.NextPageToken == "" {
			if !job.Descriptor().OpenEnded() && n+1 > planned {
				logger.Warn("source exceeded volume estimate",
					zap.Int("planned_pages", planned),
					zap.Int("pages", n+1),
				)
			}
			return records, nil
		}
		token = page.NextPageToken
	}
	if tail {
		logger.Warn("chunk stopped at page limit with pages remaining",
			zap.Int("pages", limit),
			zap.String("next_page", token),
		)
	}
	return records, nil
}

func (c *Coordinator) fetchPage(ctx context.Context, rc *runContext, token string, logger *zap.Logger) (pipeline.Page, error) {
	page, err := retry.DoWithData(
		func() (pipeline.Page, error) {
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx, rc.limitKey); err != nil {
					return pipeline.Page{}, retry.Unrecoverable(err)
				}
			}
			return rc.extractor.ExtractPage(ctx, rc.source, token)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.ExtractRetries+1)),
		retry.Delay(c.cfg.ExtractRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("page extraction retry",
				zap.String("page", token),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return pipeline.Page{}, fmt.Errorf("extract page: %w", err)
	}
	return page, nil
}

// detect collapses duplicate native IDs and compares each record with its
// stored version. Duplicates and records without an ID get their outcome here.
func (c *Coordinator) detect(
	ctx context.Context,
	rc *runContext,
	records []pipeline.CandidateRecord,
	counters *pipeline.Counters,
) ([]candidate, error) {
	seen := make(map[string]struct{}, len(records))
	cands := make([]candidate, 0, len(records))
	for _, rec := range records {
		rec.SourceNativeID = strings.TrimSpace(rec.SourceNativeID)
		if rec.SourceNativeID == "" {
			counters.Failed++
			continue
		}
		if _, dup := seen[rec.SourceNativeID]; dup {
			counters.Skipped++
			continue
		}
		seen[rec.SourceNativeID] = struct{}{}

		existing, err := c.opps.FindExisting(ctx, rc.source.ID, rec.SourceNativeID)
		if err != nil {
			return cands, fmt.Errorf("find %s: %w", rec.SourceNativeID, err)
		}
		cands = append(cands, candidate{
			record:   rec,
			existing: existing,
			decision: c.detector.Detect(existing, rec),
		})
	}
	return cands, nil
}

// persist writes analyzed records and touches bypassed ones. It stops at the
// first store failure; unresolved records are settled as failed by the caller.
func (c *Coordinator) persist(
	ctx context.Context,
	rc *runContext,
	cands []candidate,
	outcomes []analysis.Outcome,
	counters *pipeline.Counters,
) error {
	now := c.now()
	for i, out := range outcomes {
		cand := cands[i]
		switch out.Status {
		case analysis.StatusBypassed:
			if err := c.opps.TouchOpportunity(ctx, rc.source.ID, cand.record.SourceNativeID, rc.runID, now); err != nil {
				return fmt.Errorf("touch %s: %w", cand.record.SourceNativeID, err)
			}
			counters.Skipped++
		case analysis.StatusAnalyzed:
			rec, err := c.storedRecord(rc, cand, out.Result, now)
			if err != nil {
				return err
			}
			if _, err := c.opps.UpsertOpportunity(ctx, rec); err != nil {
				return fmt.Errorf("upsert %s: %w", cand.record.SourceNativeID, err)
			}
			if cand.existing == nil {
				counters.Added++
			} else {
				counters.Updated++
			}
		default:
			counters.Failed++
		}
	}
	return nil
}

func (c *Coordinator) storedRecord(
	rc *runContext,
	cand candidate,
	result *pipeline.AnalysisResult,
	now time.Time,
) (pipeline.StoredRecord, error) {
	raw, err := json.Marshal(cand.record)
	if err != nil {
		return pipeline.StoredRecord{}, fmt.Errorf("encode %s: %w", cand.record.SourceNativeID, err)
	}
	sum, err := c.hasher.Hash(raw)
	if err != nil {
		return pipeline.StoredRecord{}, fmt.Errorf("hash %s: %w", cand.record.SourceNativeID, err)
	}
	rec := pipeline.StoredRecord{
		CandidateRecord: cand.record,
		SourceID:        rc.source.ID,
		Analysis:        result,
		ContentHash:     sum,
		FirstSeenRunID:  rc.runID,
		LastSeenRunID:   rc.runID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if cand.existing != nil {
		rec.ID = cand.existing.ID
		rec.FirstSeenRunID = cand.existing.FirstSeenRunID
		rec.CreatedAt = cand.existing.CreatedAt
		return rec, nil
	}
	id, err := c.ids.NewID()
	if err != nil {
		return pipeline.StoredRecord{}, fmt.Errorf("generate record id: %w", err)
	}
	rec.ID = id
	return rec, nil
}

func (c *Coordinator) emitBatches(rc *runContext, job pipeline.Job, batches []analysis.BatchStats) {
	for _, b := range batches {
		evt := progress.Event{
			RunID:            rc.runID,
			SourceID:         rc.source.ID,
			TS:               c.now(),
			Stage:            progress.StageBatchDone,
			Chunk:            job.ChunkIndex,
			Batch:            b.Index,
			PromptTokens:     b.PromptTokens,
			CompletionTokens: b.CompletionTokens,
			Dur:              b.Duration,
			Counters:         pipeline.Counters{Processed: int64(b.Size)},
		}
		if b.Err != nil {
			evt.ErrorKind = pipeline.KindOf(b.Err)
			evt.Note = b.Err.Error()
		}
		progress.Emit(c.emitter, evt)
	}
}

// archive stores the raw page. Failures are logged and never fail the chunk.
func (c *Coordinator) archive(
	ctx context.Context,
	rc *runContext,
	job pipeline.Job,
	pageIndex int,
	page pipeline.Page,
	logger *zap.Logger,
) {
	if c.blobs == nil || !c.cfg.ArchiveRaw || len(page.Raw) == 0 {
		return
	}
	sum, err := c.hasher.Hash(page.Raw)
	if err != nil {
		logger.Warn("hash raw page failed", zap.Error(err))
		return
	}
	path := archivePath(c.cfg.BlobPrefix, rc.runID, job.ChunkIndex, pageIndex, sum, page.ContentType)
	contentType := page.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uri, err := c.blobs.PutObject(ctx, path, contentType, bytes.NewReader(page.Raw))
	if err != nil {
		logger.Warn("archive raw page failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("raw page archived", zap.Int("page", pageIndex), zap.String("uri", uri))
}

func archivePath(prefix, runID string, chunk, page int, sum, contentType string) string {
	ext := "bin"
	switch {
	case strings.Contains(contentType, "json"):
		ext = "json"
	case strings.Contains(contentType, "html"):
		ext = "html"
	}
	name := fmt.Sprintf("%s/chunk-%04d/page-%05d-%s.%s", runID, chunk, page, sum, ext)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		return prefix + "/" + name
	}
	return name
}

// scopeError attaches the chunk index to err, classifying it when it carries
// no kind yet.
func scopeError(err error, kind pipeline.Kind, stage pipeline.Stage, op string, chunk int) error {
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		return pe.WithChunk(chunk)
	}
	if k := pipeline.KindOf(err); k != "" {
		kind = k
	}
	return pipeline.NewError(kind, stage, op, err).WithChunk(chunk)
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/store"
)

const (
	defaultRunLimit      = 50
	maxRunLimit          = 500
	defaultActivityLimit = 100
	maxActivityLimit     = 1000
	lookupTimeout        = 3 * time.Second
)

// RunReader is the read side of runmanager.Manager.
type RunReader interface {
	Get(ctx context.Context, runID string) (pipeline.Run, error)
	List(ctx context.Context, filter store.RunFilter) ([]pipeline.Run, error)
}

// JobLister is the read side of chunker.Chunker.
type JobLister interface {
	ListJobs(ctx context.Context, runID string) ([]pipeline.Job, error)
}

// RunHandler exposes read-only run, job, and activity endpoints.
type RunHandler struct {
	runs     RunReader
	jobs     JobLister
	activity store.ActivityRepository
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRunHandler wires the readers and logger. activity may be nil, in which
// case the activity route answers 503.
func NewRunHandler(runs RunReader, jobs JobLister, activity store.ActivityRepository, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		runs:     runs,
		jobs:     jobs,
		activity: activity,
		timeout:  lookupTimeout,
		logger:   logger,
	}
}

// ListRuns handles GET /v1/runs?source=&status=&limit=&offset=. It returns
// {"runs": [...]} newest first, or 400 for invalid filters.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.runs.List(ctx, store.RunFilter{
		SourceID: strings.TrimSpace(r.URL.Query().Get("source")),
		Statuses: statuses,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []pipeline.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /v1/runs/{run_id}. It returns {"run": {...}} or 404 when
// the run does not exist.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.runs.Get(ctx, runID)
	if err != nil {
		h.writeLookupError(w, err, "run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

// ListJobs handles GET /v1/runs/{run_id}/jobs. The run must exist; its jobs
// are returned ordered by chunk index.
func (h *RunHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.runs.Get(ctx, runID); err != nil {
		h.writeLookupError(w, err, "run")
		return
	}
	jobs, err := h.jobs.ListJobs(ctx, runID)
	if err != nil {
		h.logger.Error("list jobs failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []pipeline.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// ListActivity handles GET /v1/sources/{source_id}/activity?limit=.
func (h *RunHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	if h.activity == nil {
		writeError(w, http.StatusServiceUnavailable, "activity store unavailable")
		return
	}
	sourceID := chi.URLParam(r, "source_id")
	limit, _, err := parseLimitOffset(r, defaultActivityLimit, maxActivityLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entries, err := h.activity.ListActivity(ctx, sourceID, limit)
	if err != nil {
		h.logger.Error("list activity failed", zap.String("source_id", sourceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}
	if entries == nil {
		entries = []pipeline.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}

func (h *RunHandler) writeLookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	h.logger.Error("load "+what+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

// parseStatuses accepts a comma separated status list.
func parseStatuses(input string) ([]pipeline.Status, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}
	var out []pipeline.Status
	for _, part := range strings.Split(input, ",") {
		status := pipeline.Status(strings.ToLower(strings.TrimSpace(part)))
		if !status.Valid() {
			return nil, fmt.Errorf("invalid status %q", part)
		}
		out = append(out, status)
	}
	return out, nil
}

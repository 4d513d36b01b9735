// Package api exposes the sync daemon to its owners: an admin HTTP API the
// content store calls after mutations, and an MCP server the app's assistant
// searches through. Everything except /health sits behind bearer auth.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mythos-app/indexd/internal/embedding"
	"github.com/mythos-app/indexd/internal/index"
	"github.com/mythos-app/indexd/internal/pipeline"
	"github.com/mythos-app/indexd/internal/storage"
	"github.com/mythos-app/indexd/internal/syncerr"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds everything the admin API serves from.
type Deps struct {
	Store    *storage.Store
	Gate     *pipeline.Gate
	Embedder embedding.Client
	Index    index.Store
	Token    string
}

// EnqueueRequest signals that a target's text changed (or, on the delete
// route, carries the project the deleted target belonged to).
type EnqueueRequest struct {
	ProjectID  string `json:"project_id"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
}

// JobView is the wire shape of a sync job. The lease token stays internal.
type JobView struct {
	ID                   int64      `json:"id"`
	ProjectID            string     `json:"project_id"`
	TargetType           string     `json:"target_type"`
	TargetID             string     `json:"target_id"`
	Status               string     `json:"status"`
	Attempts             int        `json:"attempts"`
	Dirty                bool       `json:"dirty,omitempty"`
	Purge                bool       `json:"purge,omitempty"`
	DesiredContentHash   string     `json:"desired_content_hash,omitempty"`
	ProcessedContentHash string     `json:"processed_content_hash,omitempty"`
	QueuedAt             time.Time  `json:"queued_at"`
	NextRunAt            time.Time  `json:"next_run_at"`
	ProcessingStartedAt  *time.Time `json:"processing_started_at,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	FailedAt             *time.Time `json:"failed_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func jobView(j storage.Job) JobView {
	return JobView{
		ID:                   j.ID,
		ProjectID:            j.ProjectID,
		TargetType:           j.TargetType,
		TargetID:             j.TargetID,
		Status:               j.Status,
		Attempts:             j.Attempts,
		Dirty:                j.Dirty,
		Purge:                j.Purge,
		DesiredContentHash:   j.DesiredContentHash,
		ProcessedContentHash: j.ProcessedContentHash,
		QueuedAt:             j.QueuedAt,
		NextRunAt:            j.NextRunAt,
		ProcessingStartedAt:  timePtr(j.ProcessingStartedAt),
		LastError:            j.LastError,
		FailedAt:             timePtr(j.FailedAt),
		UpdatedAt:            j.UpdatedAt,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// SearchHit is one search result. Text is filled only when full=true.
type SearchHit struct {
	ID         string    `json:"id"`
	Score      float32   `json:"score"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	ChunkIndex int       `json:"chunk_index"`
	Preview    string    `json:"preview"`
	Text       string    `json:"text,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StatsResponse reports queue health plus the index size.
type StatsResponse struct {
	Jobs   storage.Stats `json:"jobs"`
	Points int           `json:"points"`
}

// NewHandler builds the admin API router. /health is open, everything under
// /v1 requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/enqueue", handleEnqueue(deps))
		r.Post("/targets/{type}/{id}/delete", handleDeleteTarget(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{type}/{id}", handleGetJob(deps))
		r.Post("/jobs/{type}/{id}/retry", handleRetryJob(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleEnqueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ProjectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id is required")
			return
		}
		if req.TargetType == "" || req.TargetID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "target_type and target_id are required")
			return
		}

		if err := deps.Gate.Enqueue(r.Context(), req.ProjectID, req.TargetType, req.TargetID); err != nil {
			writeGateError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}
}

func handleDeleteTarget(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetType := chi.URLParam(r, "type")
		targetID := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ProjectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id is required")
			return
		}

		if err := deps.Gate.DeleteTarget(r.Context(), req.ProjectID, targetType, targetID); err != nil {
			writeGateError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}
}

// writeGateError maps gate classification onto HTTP statuses.
func writeGateError(w http.ResponseWriter, err error) {
	switch {
	case syncerr.HasCode(err, syncerr.CodeTargetInvalid):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case syncerr.IsNotFound(err):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "enqueue failed: %v", err)
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		switch status {
		case "", storage.StatusPending, storage.StatusProcessing, storage.StatusSynced, storage.StatusFailed:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}
		limit := parseIntParam(r, "limit", 50, 500)

		jobs, err := deps.Store.ListJobs(status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		views := make([]JobView, len(jobs))
		for i, j := range jobs {
			views[i] = jobView(j)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := r.URL.Query().Get("project")
		if projectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project query parameter is required")
			return
		}

		job, err := deps.Store.GetJob(projectID, chi.URLParam(r, "type"), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no sync job for target")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jobView(job))
	}
}

func handleRetryJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := r.URL.Query().Get("project")
		if projectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project query parameter is required")
			return
		}

		err := deps.Store.RetryJob(projectID, chi.URLParam(r, "type"), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no failed job for target")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": storage.StatusPending})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		query := q.Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q query parameter is required")
			return
		}
		projectID := q.Get("project")
		if projectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project query parameter is required")
			return
		}
		targetType := q.Get("type")
		switch targetType {
		case "", storage.TargetDocument, storage.TargetEntity:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown target type %q", targetType)
			return
		}
		limit := parseIntParam(r, "limit", 10, 50)
		full := q.Get("full") == "true"

		vector, err := embedding.EmbedOne(r.Context(), deps.Embedder, query)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "embedding query: %v", err)
			return
		}

		points, err := deps.Index.Search(r.Context(), vector, limit, index.Filter{
			ProjectID:  projectID,
			TargetType: targetType,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		hits := make([]SearchHit, len(points))
		for i, p := range points {
			hits[i] = SearchHit{
				ID:         p.ID,
				Score:      p.Score,
				TargetType: p.Payload.Type,
				TargetID:   p.Payload.TargetID,
				ChunkIndex: p.Payload.ChunkIndex,
				Preview:    p.Payload.Preview,
				UpdatedAt:  p.Payload.UpdatedAt,
			}
			if full {
				hits[i].Text = p.Payload.Text
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hits)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := deps.Store.JobStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read job stats: %v", err)
			return
		}
		points, err := deps.Index.Count(r.Context(), index.Filter{})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count points: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(StatsResponse{Jobs: jobs, Points: points})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

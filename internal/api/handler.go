package api

import (
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dripgate/dripgate/internal/config"
	"github.com/dripgate/dripgate/internal/job"
	"github.com/dripgate/dripgate/internal/registry"
)

// Handler holds the dependencies for every ingress HTTP handler.
type Handler struct {
	store    job.Store
	registry *registry.Registry
	cfg      *config.Config
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(store job.Store, reg *registry.Registry, cfg *config.Config) *Handler {
	return &Handler{store: store, registry: reg, cfg: cfg}
}

// RegisterRoutes registers every ingress route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/batch", h.CreateBatch)
	mux.HandleFunc("POST /api/single", h.CreateSingle)
	mux.HandleFunc("GET /api/status/{batch_id}", h.BatchStatus)
	mux.HandleFunc("GET /api/tools", h.ListTools)
	mux.HandleFunc("GET /api/stats", h.Stats)
	mux.HandleFunc("GET /api/health", h.Health)
}

type batchRequest struct {
	Tool        string            `json:"tool"`
	Records     []json.RawMessage `json:"records"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Priority    int               `json:"priority,omitempty"`
}

type recordEnvelope struct {
	RowID string `json:"row_id,omitempty"`
}

// CreateBatch handles POST /api/batch.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 8<<20)
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, ok := h.registry.Lookup(req.Tool); !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":           "Unknown tool: " + req.Tool,
			"available_tools": h.registry.List(),
		})
		return
	}

	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records must contain at least 1 entry")
		return
	}
	if len(req.Records) > h.cfg.MaxBatchSize {
		writeError(w, http.StatusBadRequest, "records exceeds MAX_BATCH_SIZE")
		return
	}

	priority, err := normalizePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CallbackURL != "" && !isAbsoluteURL(req.CallbackURL) {
		writeError(w, http.StatusBadRequest, "callback_url must be an absolute URL")
		return
	}

	batchID := "batch_" + shortUUID()
	now := time.Now().UTC()

	jobs := make([]*job.Job, 0, len(req.Records))
	for i, raw := range req.Records {
		var env recordEnvelope
		_ = json.Unmarshal(raw, &env)
		rowID := env.RowID
		if rowID == "" {
			rowID = batchID + "_" + strconv.Itoa(i)
		}
		jobs = append(jobs, &job.Job{
			ID:          uuid.New().String(),
			Tool:        req.Tool,
			Params:      raw,
			RowID:       rowID,
			BatchID:     batchID,
			CallbackURL: req.CallbackURL,
			Priority:    priority,
			MaxAttempts: defaultMaxAttempts,
		})
	}

	if err := h.store.CreateBatch(r.Context(), &job.Batch{
		BatchID:   batchID,
		Tool:      req.Tool,
		CreatedAt: now,
		Total:     len(jobs),
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}
	if err := h.store.PushBulk(r.Context(), jobs); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue jobs")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":                      true,
		"batch_id":                     batchID,
		"jobs_queued":                  len(jobs),
		"estimated_completion_seconds": estimatedCompletionSeconds(len(jobs), h.cfg.DripInterval),
		"status_url":                   "/api/status/" + batchID,
	})
}

type singleRequest struct {
	Tool        string          `json:"tool"`
	Params      json.RawMessage `json:"params"`
	RowID       string          `json:"row_id,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	Priority    int             `json:"priority,omitempty"`
}

// CreateSingle handles POST /api/single.
func (h *Handler) CreateSingle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req singleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, ok := h.registry.Lookup(req.Tool); !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":           "Unknown tool: " + req.Tool,
			"available_tools": h.registry.List(),
		})
		return
	}

	priority, err := normalizePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CallbackURL != "" && !isAbsoluteURL(req.CallbackURL) {
		writeError(w, http.StatusBadRequest, "callback_url must be an absolute URL")
		return
	}

	rowID := req.RowID
	if rowID == "" {
		rowID = "single_" + shortUUID()
	}

	j := &job.Job{
		ID:          uuid.New().String(),
		Tool:        req.Tool,
		Params:      req.Params,
		RowID:       rowID,
		CallbackURL: req.CallbackURL,
		Priority:    priority,
		MaxAttempts: defaultMaxAttempts,
	}
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	position := int(stats.Waiting + stats.Active + 1)

	if err := h.store.PushOne(r.Context(), j); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":                true,
		"job_id":                 j.ID,
		"row_id":                 rowID,
		"position":               position,
		"estimated_wait_seconds": int(math.Ceil(float64(position) * float64(h.cfg.DripInterval) / 1000)),
	})
}

// BatchStatus handles GET /api/status/{batch_id}.
func (h *Handler) BatchStatus(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batch_id")

	b, err := h.store.GetBatch(r.Context(), batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read batch")
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}

	resp := map[string]any{
		"batch_id":  b.BatchID,
		"tool":      b.Tool,
		"total":     b.Total,
		"completed": b.Completed,
		"failed":    b.Failed,
		"pending":   b.Pending(),
	}

	if r.URL.Query().Get("results") == "true" {
		limit := parseIntParam(r.URL.Query().Get("limit"), 100)
		results, err := h.store.ListResultsByBatch(r.Context(), batchID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read results")
			return
		}
		resp["results"] = results
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListTools handles GET /api/tools.
func (h *Handler) ListTools(w http.ResponseWriter, r *http.Request) {
	tools := h.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":       tools,
		"by_category": h.registry.ByCategory(),
		"total":       len(tools),
	})
}

// Stats handles GET /api/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}

	drainSeconds := int(math.Ceil(float64(stats.Waiting+stats.Active) * float64(h.cfg.DripInterval) / 1000))

	writeJSON(w, http.StatusOK, map[string]any{
		"queue": stats,
		"config": map[string]any{
			"drip_interval_ms": h.cfg.DripInterval,
			"max_batch_size":   h.cfg.MaxBatchSize,
		},
		"estimated_drain_time_seconds": drainSeconds,
	})
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

const defaultMaxAttempts = 3

func normalizePriority(p int) (int, error) {
	if p == 0 {
		return 5, nil
	}
	if p < 1 || p > 10 {
		return 0, errInvalidPriority
	}
	return p, nil
}

var errInvalidPriority = &apiError{"priority must be between 1 and 10"}

type apiError struct{ msg string }

func (e *apiError) Error() string { return e.msg }

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.IsAbs() && (u.Scheme == "http" || u.Scheme == "https")
}

func shortUUID() string {
	id := uuid.New().String()
	return id[:8]
}

func estimatedCompletionSeconds(n int, dripIntervalMs int) int {
	return int(math.Ceil(float64(n) * float64(dripIntervalMs) / 1000))
}

func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

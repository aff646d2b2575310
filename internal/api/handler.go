// Package api provides the HTTP API handlers and routing for the pipeline service.
package api

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/dispatcher"
	"cdpipeline/internal/health"
	"cdpipeline/internal/pipeline"
	"cdpipeline/internal/run"
	"cdpipeline/internal/runstore"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// maxRequestBodySize limits request body to 64KB; trigger bodies are tiny.
const maxRequestBodySize = 64 << 10

// Handler contains HTTP handlers for the pipeline API
type Handler struct {
	svc        *run.Service
	health     *health.Checker
	dispatcher dispatcher.Dispatcher
}

// NewHandler creates a new API handler. d may be nil when no webhook
// transport is configured.
func NewHandler(svc *run.Service, healthChecker *health.Checker, d dispatcher.Dispatcher) *Handler {
	return &Handler{
		svc:        svc,
		health:     healthChecker,
		dispatcher: d,
	}
}

// ListPipelines handles GET /v1/pipelines
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]pipeline.Summary{"pipelines": h.svc.Pipelines()})
}

// GetPipeline handles GET /v1/pipelines/{pipeline}
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("pipeline")
	if name == "" {
		h.writeError(w, r, http.StatusBadRequest, "Pipeline name is required")
		return
	}

	p, err := h.svc.Pipeline(name)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, p.Summary())
}

// TriggerRun handles POST /v1/pipelines/{pipeline}/runs.
// An empty body triggers a run of the branch head.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("pipeline")
	if name == "" {
		h.writeError(w, r, http.StatusBadRequest, "Pipeline name is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req run.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Trigger(r.Context(), name, &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListRuns handles GET /v1/runs?pipeline=&state=&limit=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := runstore.Filter{
		Pipeline: q.Get("pipeline"),
		State:    pipeline.RunState(q.Get("state")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			h.writeError(w, r, http.StatusBadRequest, "limit must be an integer between 1 and 500")
			return
		}
		filter.Limit = limit
	}

	resp, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetRun handles GET /v1/runs/{runId}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		h.writeError(w, r, http.StatusBadRequest, "Run ID is required")
		return
	}

	snap, err := h.svc.Get(r.Context(), runID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, snap)
}

// CancelRun handles DELETE /v1/runs/{runId}
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		h.writeError(w, r, http.StatusBadRequest, "Run ID is required")
		return
	}

	if err := h.svc.Cancel(r.Context(), runID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ListOrphans handles GET /v1/changesets/orphaned
func (h *Handler) ListOrphans(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]pipeline.Orphan{"orphans": h.svc.Orphans()})
}

// DiscardChangeSet handles DELETE /v1/changesets/{stack}/{name}
func (h *Handler) DiscardChangeSet(w http.ResponseWriter, r *http.Request) {
	stack, name := r.PathValue("stack"), r.PathValue("name")
	if stack == "" || name == "" {
		h.writeError(w, r, http.StatusBadRequest, "Stack and change set name are required")
		return
	}

	if err := h.svc.Discard(r.Context(), stack, name); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// WebhookStats handles GET /v1/webhooks/stats
func (h *Handler) WebhookStats(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		h.writeError(w, r, http.StatusNotFound, "No webhook transport configured")
		return
	}
	h.writeJSON(w, http.StatusOK, h.dispatcher.Stats())
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if a critical dependency is unavailable; degraded optional
// dependencies still report ready.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

// writeError writes an error response for a request the handler rejected itself.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	kind := "Validation"
	if status == http.StatusNotFound {
		kind = "NotFound"
	}
	writeProblem(w, r, status, kind, message)
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path, "requestId", RequestID(r.Context()))
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	writeProblem(w, r, status, apperrors.KindOf(err), err.Error())
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"requestId,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kind, RequestID: RequestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

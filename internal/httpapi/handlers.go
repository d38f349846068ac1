package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stakeordie/emp-job-queue-sub012/internal/jobrepo"
	"github.com/stakeordie/emp-job-queue-sub012/internal/store"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

type handlers struct {
	jobs *jobrepo.Repository
}

// submitJobRequest is the wire shape for POST /jobs (§6.1 SubmitJob).
type submitJobRequest struct {
	ServiceRequired string                 `json:"service_required"`
	Priority        int                    `json:"priority"`
	Payload         map[string]interface{} `json:"payload"`
	Requirements    *types.Requirements    `json:"requirements,omitempty"`
	CustomerID      string                 `json:"customer_id,omitempty"`
	WorkflowID      string                 `json:"workflow_id,omitempty"`
	WorkflowPriority *int                  `json:"workflow_priority,omitempty"`
	WorkflowDateTime *int64                `json:"workflow_datetime,omitempty"`
	StepNumber      int                    `json:"step_number,omitempty"`
	TotalSteps      int                    `json:"total_steps,omitempty"`
	MaxRetries      int                    `json:"max_retries,omitempty"`
}

func (h *handlers) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ServiceRequired == "" {
		writeError(w, http.StatusBadRequest, "service_required is required")
		return
	}

	j := &types.Job{
		ID:               types.JobID(uuid.NewString()),
		ServiceRequired:  req.ServiceRequired,
		Priority:         req.Priority,
		Payload:          req.Payload,
		Requirements:     req.Requirements,
		CustomerID:       req.CustomerID,
		WorkflowID:       req.WorkflowID,
		WorkflowPriority: req.WorkflowPriority,
		WorkflowDateTime: req.WorkflowDateTime,
		StepNumber:       req.StepNumber,
		TotalSteps:       req.TotalSteps,
		MaxRetries:       req.MaxRetries,
	}

	saved, err := h.jobs.Submit(r.Context(), j)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"job_id": saved.ID, "status": saved.Status})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	j, err := h.jobs.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled via control plane"
	}
	j, err := h.jobs.Cancel(r.Context(), id, reason)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if errors.Is(err, jobrepo.ErrAlreadyTerminal) {
		writeError(w, http.StatusConflict, "job already terminal")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handlers) queryJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	filter := jobrepo.QueryFilter{
		Status:     types.JobStatus(r.URL.Query().Get("status")),
		WorkerID:   r.URL.Query().Get("worker"),
		CustomerID: r.URL.Query().Get("customer"),
		WorkflowID: r.URL.Query().Get("workflow"),
		Limit:      limit,
	}
	jobs, err := h.jobs.QueryJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handlers) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

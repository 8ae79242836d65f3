package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"prompt-ops/internal/executor"
	"prompt-ops/internal/monitor"
	"prompt-ops/internal/queue"
	"prompt-ops/internal/storage"
)

// Defaults applied to submissions that omit model parameters.
type RunDefaults struct {
	Model       string
	Temperature float64
}

type Handlers struct {
	db       *storage.DB
	queue    *queue.Queue
	metrics  *monitor.Metrics
	defaults RunDefaults
}

func NewHandlers(db *storage.DB, q *queue.Queue, metrics *monitor.Metrics, defaults RunDefaults) *Handlers {
	return &Handlers{
		db:       db,
		queue:    q,
		metrics:  metrics,
		defaults: defaults,
	}
}

// HandleSubmitRun accepts a run, persists it as pending and enqueues a
// run-execution job. The 202 response carries the run ID for polling.
func (h *Handlers) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if req.PromptVersionID == "" {
		writeError(w, "prompt_version_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	// Reject unknown versions at the door instead of burning a worker
	// slot on a run that can only fail.
	if _, err := h.db.GetPromptVersion(r.Context(), req.PromptVersionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "prompt version not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	model := req.Model
	if model == "" {
		model = h.defaults.Model
	}
	temperature := h.defaults.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	run := &storage.Run{
		ID:              uuid.New().String(),
		PromptVersionID: req.PromptVersionID,
		Model:           model,
	}
	if err := h.db.CreateRun(r.Context(), run); err != nil {
		writeError(w, "could not persist run", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	payload, err := json.Marshal(executor.RunMessage{
		RunID:           run.ID,
		PromptVersionID: req.PromptVersionID,
		Variables:       req.Variables,
		Model:           model,
		SystemPrompt:    req.SystemPrompt,
		Temperature:     temperature,
	})
	if err != nil {
		writeError(w, "could not encode job", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	if err := h.submitJob(queue.Job{Kind: queue.KindRunExecution, Key: run.ID, Payload: payload}); err != nil {
		// A run that never reached the queue would sit pending forever,
		// so fail it here and let the caller resubmit.
		_ = h.db.FailRun(r.Context(), run.ID, "enqueue failed: "+err.Error())
		writeError(w, "queue full, try again later", "QUEUE_FULL", http.StatusServiceUnavailable, r)
		return
	}

	log.Info().
		Str("run_id", run.ID).
		Str("prompt_version_id", req.PromptVersionID).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("run accepted")

	writeJSON(w, http.StatusAccepted, SubmitRunResponse{RunID: run.ID, Status: storage.RunStatusPending})
}

func (h *Handlers) submitJob(job queue.Job) error {
	err := h.queue.Submit(job)
	if err == nil {
		h.metrics.QueueDepth.Set(float64(h.queue.Depth()))
	}
	return err
}

func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	run, err := h.db.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	resp := runDetail{Run: run}
	if run.Status == storage.RunStatusCompleted {
		if cost, err := h.db.GetRunCost(r.Context(), id); err == nil {
			resp.CostUSD = &cost.CostUSD
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := storage.RunFilter{
		PromptVersionID: r.URL.Query().Get("prompt_version_id"),
		Status:          r.URL.Query().Get("status"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	runs, err := h.db.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// HandleGetRunCost reports the cost log of a completed run. Runs that
// have not completed have no cost.
func (h *Handlers) HandleGetRunCost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	cost, err := h.db.GetRunCost(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "no cost recorded for run", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, RunCostResponse{RunID: cost.RunID, CostUSD: cost.CostUSD})
}

func (h *Handlers) HandleListRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	events, err := h.db.ListRunEvents(r.Context(), id)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

// HandleSubmitExperiment accepts a regression sweep. The experiment ID
// is minted here so the caller can poll before the orchestrator has
// committed the row.
func (h *Handlers) HandleSubmitExperiment(w http.ResponseWriter, r *http.Request) {
	var req SubmitExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if req.PromptID == "" {
		writeError(w, "prompt_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	if _, err := h.db.GetPrompt(r.Context(), req.PromptID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "prompt not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	name := req.Name
	if name == "" {
		name = "sweep-" + time.Now().UTC().Format("20060102-150405")
	}

	experimentID := uuid.New().String()
	payload, err := json.Marshal(executor.ExperimentMessage{
		ExperimentID: experimentID,
		PromptID:     req.PromptID,
		Name:         name,
	})
	if err != nil {
		writeError(w, "could not encode job", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	if err := h.submitJob(queue.Job{Kind: queue.KindExperimentExecution, Key: experimentID, Payload: payload}); err != nil {
		writeError(w, "queue full, try again later", "QUEUE_FULL", http.StatusServiceUnavailable, r)
		return
	}

	log.Info().
		Str("experiment_id", experimentID).
		Str("prompt_id", req.PromptID).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("experiment accepted")

	writeJSON(w, http.StatusAccepted, SubmitExperimentResponse{
		ExperimentID: experimentID,
		Status:       "pending",
	})
}

func (h *Handlers) HandleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exp, err := h.db.GetExperiment(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "experiment not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	resp := ExperimentResponse{Experiment: *exp}
	if exp.Status == storage.ExperimentStatusCompleted {
		results, err := h.db.ListExperimentResults(r.Context(), id)
		if err != nil {
			writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
			return
		}
		resp.Results = results
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleListExperiments(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exps, err := h.db.ListExperiments(r.Context(), r.URL.Query().Get("prompt_id"))
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exps)
}

// HandleGetJob is the uniform async handle: one polling endpoint for
// either job kind instead of the caller knowing run vs experiment
// status vocabularies.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	kind, err := queue.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	id := r.PathValue("id")

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	resp := JobStatusResponse{JobID: id, Kind: string(kind)}

	switch kind {
	case queue.KindRunExecution:
		run, err := h.db.GetRun(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, "job not found", "NOT_FOUND", http.StatusNotFound, r)
				return
			}
			writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
			return
		}
		resp.Status = jobStatus(run.Status)
		resp.Error = run.FailureReason

	case queue.KindExperimentExecution:
		exp, err := h.db.GetExperiment(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// The submitter minted the ID before the orchestrator
				// commits the row, so an unknown experiment is still
				// waiting for a worker.
				resp.Status = "pending"
				writeJSON(w, http.StatusOK, resp)
				return
			}
			writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
			return
		}
		resp.Status = jobStatus(exp.Status)
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}

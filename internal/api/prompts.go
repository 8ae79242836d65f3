package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"prompt-ops/internal/render"
	"prompt-ops/internal/storage"
)

func (h *Handlers) HandleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var req CreatePromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, "name is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	p := &storage.Prompt{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
	}
	if err := h.db.CreatePrompt(r.Context(), p); err != nil {
		writeError(w, "could not persist prompt", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) HandleGetPrompt(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	p, err := h.db.GetPrompt(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "prompt not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) HandleListPrompts(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	prompts, err := h.db.ListPrompts(r.Context())
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, prompts)
}

func (h *Handlers) HandleCreateVersion(w http.ResponseWriter, r *http.Request) {
	promptID := r.PathValue("id")

	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Version == "" {
		writeError(w, "version is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Template == "" {
		writeError(w, "template is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	// Catch malformed placeholder syntax before the template is stored,
	// not on first execution.
	if err := render.Check(req.Template); err != nil {
		writeError(w, "invalid template: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	if _, err := h.db.GetPrompt(r.Context(), promptID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "prompt not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	v := &storage.PromptVersion{
		ID:       uuid.New().String(),
		PromptID: promptID,
		Version:  req.Version,
		Template: req.Template,
		IsActive: req.IsActive,
	}
	if err := h.db.CreatePromptVersion(r.Context(), v); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, "version already exists for this prompt", "CONFLICT", http.StatusConflict, r)
			return
		}
		writeError(w, "could not persist version", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusCreated, v)
}

func (h *Handlers) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	versions, err := h.db.ListPromptVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, versions)
}

func (h *Handlers) HandleCreateExample(w http.ResponseWriter, r *http.Request) {
	promptID := r.PathValue("id")

	var req CreateExampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if len(req.InputData) == 0 {
		writeError(w, "input_data is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.ExpectedOutput == "" {
		writeError(w, "expected_output is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	if _, err := h.db.GetPrompt(r.Context(), promptID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "prompt not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	inputJSON, err := json.Marshal(req.InputData)
	if err != nil {
		writeError(w, "could not encode input data", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	g := &storage.GoldenExample{
		ID:             uuid.New().String(),
		PromptID:       promptID,
		InputData:      string(inputJSON),
		ExpectedOutput: req.ExpectedOutput,
	}
	if err := h.db.CreateGoldenExample(r.Context(), g); err != nil {
		writeError(w, "could not persist example", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusCreated, g)
}

func (h *Handlers) HandleListExamples(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	examples, err := h.db.ListGoldenExamples(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, examples)
}

// HandleCostSummary aggregates spend over a window. The "since" query
// parameter takes either an RFC 3339 timestamp or a duration like "24h".
func (h *Handlers) HandleCostSummary(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if s := r.URL.Query().Get("since"); s != "" {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			since = ts
		} else if d, err := time.ParseDuration(s); err == nil {
			since = time.Now().Add(-d)
		} else {
			writeError(w, "since must be RFC 3339 or a duration", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}

	summary, err := h.db.CostSummaryReport(r.Context(), since)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"prompt-ops/internal/monitor"
	"prompt-ops/internal/queue"
)

func newTestHandlers() *Handlers {
	return NewHandlers(nil, queue.New(1, 4), monitor.NewMetrics(), RunDefaults{
		Model: "default-model",
	})
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleSubmitRun_ValidationErrors(t *testing.T) {
	h := newTestHandlers()

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"empty body", map[string]string{}, http.StatusBadRequest},
		{"missing prompt_version_id", SubmitRunRequest{Variables: map[string]string{"a": "b"}}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.HandleSubmitRun, "/runs", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleSubmitRun_InvalidJSON(t *testing.T) {
	h := newTestHandlers()

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.HandleSubmitRun(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "INVALID_REQUEST" {
		t.Errorf("got code %q, want INVALID_REQUEST", resp.Code)
	}
}

func TestHandleSubmitRun_DatabaseUnavailable(t *testing.T) {
	h := newTestHandlers() // nil db

	rec := postJSON(t, h.HandleSubmitRun, "/runs", SubmitRunRequest{
		PromptVersionID: "v1",
		Variables:       map[string]string{"text": "hi"},
	})

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "DB_UNAVAILABLE" {
		t.Errorf("got code %q, want DB_UNAVAILABLE", resp.Code)
	}
}

func TestHandleSubmitExperiment_ValidationErrors(t *testing.T) {
	h := newTestHandlers()

	rec := postJSON(t, h.HandleSubmitExperiment, "/experiments", SubmitExperimentRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleGetJob_UnknownKind(t *testing.T) {
	h := newTestHandlers()

	req := httptest.NewRequest(http.MethodGet, "/jobs/repainting/abc", nil)
	req.SetPathValue("kind", "repainting")
	req.SetPathValue("id", "abc")
	rec := httptest.NewRecorder()
	h.HandleGetJob(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleCreatePrompt_ValidationErrors(t *testing.T) {
	h := newTestHandlers()

	tests := []struct {
		name string
		body any
	}{
		{"empty body", map[string]string{}},
		{"blank name", CreatePromptRequest{Name: "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.HandleCreatePrompt, "/prompts", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleCreateVersion_BadTemplate(t *testing.T) {
	h := newTestHandlers()

	b, _ := json.Marshal(CreateVersionRequest{Version: "v1", Template: "broken {placeholder"})
	req := httptest.NewRequest(http.MethodPost, "/prompts/p1/versions", bytes.NewReader(b))
	req.SetPathValue("id", "p1")
	rec := httptest.NewRecorder()
	h.HandleCreateVersion(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "INVALID_REQUEST" {
		t.Errorf("got code %q, want INVALID_REQUEST", resp.Code)
	}
}

func TestHandleCreateExample_ValidationErrors(t *testing.T) {
	h := newTestHandlers()

	tests := []struct {
		name string
		body CreateExampleRequest
	}{
		{"no input data", CreateExampleRequest{ExpectedOutput: "y"}},
		{"no expected output", CreateExampleRequest{InputData: map[string]string{"text": "x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := json.Marshal(tt.body)
			req := httptest.NewRequest(http.MethodPost, "/prompts/p1/examples", bytes.NewReader(b))
			req.SetPathValue("id", "p1")
			rec := httptest.NewRecorder()
			h.HandleCreateExample(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleCostSummary_BadSince(t *testing.T) {
	h := NewHandlers(nil, queue.New(1, 4), monitor.NewMetrics(), RunDefaults{})

	req := httptest.NewRequest(http.MethodGet, "/analytics/costs?since=yesterday", nil)
	rec := httptest.NewRecorder()
	h.HandleCostSummary(rec, req)

	// The db-unavailable guard fires first with a nil store.
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
}

func TestHandleListRuns_BadPagination(t *testing.T) {
	h := newTestHandlers()

	tests := []string{
		"/runs?limit=zero",
		"/runs?limit=-5",
		"/runs?offset=-1",
	}

	for _, target := range tests {
		t.Run(target, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, target, nil)
			rec := httptest.NewRecorder()
			h.HandleListRuns(rec, req)

			// Pagination is rejected before the store is touched, so a
			// nil db still yields 400 for malformed values.
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rec.Code)
			}
		})
	}
}

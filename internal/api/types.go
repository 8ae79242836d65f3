package api

import (
	"time"

	"prompt-ops/internal/storage"
)

// SubmitRunRequest asks for one asynchronous execution of a prompt
// version against a set of template variables.
type SubmitRunRequest struct {
	PromptVersionID string            `json:"prompt_version_id"`
	Variables       map[string]string `json:"variables"`
	Model           string            `json:"model,omitempty"`
	SystemPrompt    string            `json:"system_prompt,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
}

// SubmitRunResponse acknowledges an accepted run submission.
type SubmitRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// SubmitExperimentRequest asks for a regression sweep over every
// version of a prompt.
type SubmitExperimentRequest struct {
	PromptID string `json:"prompt_id"`
	Name     string `json:"name,omitempty"`
}

// SubmitExperimentResponse acknowledges an accepted experiment.
type SubmitExperimentResponse struct {
	ExperimentID string `json:"experiment_id"`
	Status       string `json:"status"`
}

// JobStatusResponse is the polling surface for an async job handle.
// Status is one of pending, processing, succeeded, failed.
type JobStatusResponse struct {
	JobID  string `json:"job_id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// runDetail is a run with its recorded cost attached once completed.
type runDetail struct {
	*storage.Run
	CostUSD *float64 `json:"cost_usd,omitempty"`
}

// RunCostResponse reports the recorded cost of a completed run.
type RunCostResponse struct {
	RunID   string  `json:"run_id"`
	CostUSD float64 `json:"cost_usd"`
}

// ExperimentResponse bundles an experiment with its per-version results.
type ExperimentResponse struct {
	Experiment storage.Experiment         `json:"experiment"`
	Results    []storage.ExperimentResult `json:"results,omitempty"`
}

// CreatePromptRequest registers a new prompt identity.
type CreatePromptRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateVersionRequest adds a new version of a prompt's template.
type CreateVersionRequest struct {
	Version  string `json:"version"`
	Template string `json:"template"`
	IsActive bool   `json:"is_active,omitempty"`
}

// CreateExampleRequest adds a golden input/expected-output pair.
type CreateExampleRequest struct {
	InputData      map[string]string `json:"input_data"`
	ExpectedOutput string            `json:"expected_output"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Database   bool   `json:"database"`
	QueueDepth int    `json:"queue_depth"`
	Uptime     string `json:"uptime"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// jobStatus maps a stored run or experiment status onto the job handle
// vocabulary.
func jobStatus(stored string) string {
	switch stored {
	case storage.RunStatusPending:
		return "pending"
	case storage.RunStatusRunning:
		return "processing"
	case storage.RunStatusCompleted:
		return "succeeded"
	case storage.RunStatusFailed:
		return "failed"
	default:
		return stored
	}
}

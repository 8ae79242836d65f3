package storage

import "time"

// Run statuses. A run's status only ever moves forward:
// pending -> running -> completed | failed.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Experiment statuses.
const (
	ExperimentStatusRunning   = "running"
	ExperimentStatusCompleted = "completed"
	ExperimentStatusFailed    = "failed"
)

// Prompt is a task identity. Versions carry the actual template text.
type Prompt struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// PromptVersion is one textual phrasing of a prompt.
type PromptVersion struct {
	ID        string    `json:"id" db:"id"`
	PromptID  string    `json:"prompt_id" db:"prompt_id"`
	Version   string    `json:"version" db:"version"`
	Template  string    `json:"template" db:"template"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Run is one tracked invocation of a rendered prompt version.
// Output, latency, token counts and cost are set together, atomically,
// only when the run completes. A failed run has none of them.
type Run struct {
	ID              string     `json:"id" db:"id"`
	PromptVersionID string     `json:"prompt_version_id" db:"prompt_version_id"`
	Input           *string    `json:"input,omitempty" db:"input"`
	Output          *string    `json:"output,omitempty" db:"output"`
	Model           string     `json:"model" db:"model"`
	LatencyMS       *int64     `json:"latency_ms,omitempty" db:"latency_ms"`
	TokensIn        *int       `json:"tokens_in,omitempty" db:"tokens_in"`
	TokensOut       *int       `json:"tokens_out,omitempty" db:"tokens_out"`
	Status          string     `json:"status" db:"status"`
	FailureReason   string     `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Terminal reports whether the run has reached a final state.
func (r *Run) Terminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// CostLog records the monetary cost of a completed run. Exactly one row
// per completed run, created in the same transaction as the completion.
type CostLog struct {
	ID        string    `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	CostUSD   float64   `json:"cost_usd" db:"cost_usd"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// GoldenExample is a fixed input/expected-output pair scoped to a prompt,
// shared by all of that prompt's versions so regressions are comparable.
type GoldenExample struct {
	ID             string    `json:"id" db:"id"`
	PromptID       string    `json:"prompt_id" db:"prompt_id"`
	InputData      string    `json:"input_data" db:"input_data"` // JSON object of template variables
	ExpectedOutput string    `json:"expected_output" db:"expected_output"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Experiment is one regression sweep over a prompt's versions.
type Experiment struct {
	ID        string    `json:"id" db:"id"`
	PromptID  string    `json:"prompt_id" db:"prompt_id"`
	Name      string    `json:"name" db:"name"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ExperimentResult is the aggregate outcome for one prompt version within
// one experiment. Written once, after every example for the version has
// been attempted; immutable afterwards.
type ExperimentResult struct {
	ID                   string    `json:"id" db:"id"`
	ExperimentID         string    `json:"experiment_id" db:"experiment_id"`
	PromptVersionID      string    `json:"prompt_version_id" db:"prompt_version_id"`
	AvgScore             float64   `json:"avg_score" db:"avg_score"`
	MinScore             float64   `json:"min_score" db:"min_score"`
	MaxScore             float64   `json:"max_score" db:"max_score"`
	AvgHallucinationRate float64   `json:"avg_hallucination_rate" db:"avg_hallucination_rate"`
	FailureCount         int       `json:"failure_count" db:"failure_count"`
	TotalExamples        int       `json:"total_examples" db:"total_examples"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

// RunEvent is a lifecycle audit record: one row per observed status
// transition, written asynchronously by the EventWriter.
type RunEvent struct {
	ID         string    `json:"id" db:"id"`
	RunID      string    `json:"run_id" db:"run_id"`
	FromStatus string    `json:"from_status" db:"from_status"`
	ToStatus   string    `json:"to_status" db:"to_status"`
	Reason     string    `json:"reason,omitempty" db:"reason"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// RunFilter provides criteria for querying runs.
type RunFilter struct {
	PromptVersionID string
	Status          string
	Limit           int
	Offset          int
}

// CostSummary aggregates spend and latency over a time range.
type CostSummary struct {
	TotalRuns    int64    `json:"total_runs"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	AvgCostUSD   float64  `json:"avg_cost_usd"`
	AvgLatencyMS *float64 `json:"avg_latency_ms,omitempty"`
	TotalTokens  int64    `json:"total_tokens"`
}

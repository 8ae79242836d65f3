package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"prompt-ops/internal/gateway"
	"prompt-ops/internal/monitor"
	"prompt-ops/internal/scorer"
	"prompt-ops/internal/storage"
)

type fakeExperimentStore struct {
	mu          sync.Mutex
	experiments map[string]*storage.Experiment
	versions    []storage.PromptVersion
	examples    []storage.GoldenExample
	results     map[string][]storage.ExperimentResult
}

func newFakeExperimentStore() *fakeExperimentStore {
	return &fakeExperimentStore{
		experiments: make(map[string]*storage.Experiment),
		results:     make(map[string][]storage.ExperimentResult),
	}
}

func (s *fakeExperimentStore) CreateExperiment(_ context.Context, e *storage.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[e.ID]; ok {
		return storage.ErrStaleTransition
	}
	copied := *e
	copied.Status = storage.ExperimentStatusRunning
	copied.CreatedAt = time.Now()
	s.experiments[e.ID] = &copied
	return nil
}

func (s *fakeExperimentStore) GetExperiment(_ context.Context, id string) (*storage.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (s *fakeExperimentStore) ListPromptVersions(_ context.Context, _ string) ([]storage.PromptVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.PromptVersion(nil), s.versions...), nil
}

func (s *fakeExperimentStore) ListGoldenExamples(_ context.Context, _ string) ([]storage.GoldenExample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.GoldenExample(nil), s.examples...), nil
}

func (s *fakeExperimentStore) SaveExperimentResults(_ context.Context, experimentID string, results []storage.ExperimentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[experimentID]
	if !ok || e.Status != storage.ExperimentStatusRunning {
		return storage.ErrStaleTransition
	}
	e.Status = storage.ExperimentStatusCompleted
	s.results[experimentID] = append([]storage.ExperimentResult(nil), results...)
	return nil
}

func (s *fakeExperimentStore) FailExperiment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[id]
	if !ok {
		return storage.ErrNotFound
	}
	if e.Status != storage.ExperimentStatusRunning {
		return storage.ErrStaleTransition
	}
	e.Status = storage.ExperimentStatusFailed
	return nil
}

// fixedScorer returns a fixed score per expected output. It keys off the
// expected text so one example can be made to score differently.
type fixedScorer struct {
	scores map[string]scorer.Result
}

func (f *fixedScorer) Score(_ context.Context, _, expected, _ string) (scorer.Result, error) {
	if r, ok := f.scores[expected]; ok {
		return r, nil
	}
	return scorer.Result{Score: 1.0}, nil
}

type echoGateway struct{}

func (echoGateway) Generate(_ context.Context, req gateway.GenerationRequest) (*gateway.GenerationResult, error) {
	return &gateway.GenerationResult{Text: req.Prompt, TokensIn: 1, TokensOut: 1}, nil
}

func newTestOrchestrator(store ExperimentStore, gw gateway.Client, sc scorer.Scorer) *Orchestrator {
	return NewOrchestrator(store, gw, sc, monitor.NewMetrics(), ExperimentConfig{
		Model:          "test-model",
		VersionWorkers: 2,
	})
}

func TestOrchestratorCrossProduct(t *testing.T) {
	store := newFakeExperimentStore()
	store.versions = []storage.PromptVersion{
		{ID: "v1", PromptID: "p1", Template: "A: {text}"},
		{ID: "v2", PromptID: "p1", Template: "B: {text}"},
	}
	store.examples = []storage.GoldenExample{
		{ID: "e1", PromptID: "p1", InputData: `{"text":"one"}`, ExpectedOutput: "good"},
		{ID: "e2", PromptID: "p1", InputData: `{"text":"two"}`, ExpectedOutput: "bad"},
		// Missing variable: both versions skip this example.
		{ID: "e3", PromptID: "p1", InputData: `{"other":"x"}`, ExpectedOutput: "never"},
	}

	sc := &fixedScorer{scores: map[string]scorer.Result{
		"good": {Score: 0.9, Hallucination: 0.1},
		"bad":  {Score: 0.3, Hallucination: 0.5},
	}}
	orch := newTestOrchestrator(store, echoGateway{}, sc)

	err := orch.Execute(context.Background(), ExperimentMessage{
		ExperimentID: "exp1",
		PromptID:     "p1",
		Name:         "sweep",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if store.experiments["exp1"].Status != storage.ExperimentStatusCompleted {
		t.Fatalf("status = %q, want completed", store.experiments["exp1"].Status)
	}
	results := store.results["exp1"]
	if len(results) != 2 {
		t.Fatalf("results = %d, want one per version", len(results))
	}

	for _, r := range results {
		if r.TotalExamples != 2 {
			t.Errorf("version %s: total examples = %d, want 2 (skipped excluded)", r.PromptVersionID, r.TotalExamples)
		}
		if want := (0.9 + 0.3) / 2; !closeTo(r.AvgScore, want) {
			t.Errorf("version %s: avg score = %v, want %v", r.PromptVersionID, r.AvgScore, want)
		}
		if !closeTo(r.MinScore, 0.3) || !closeTo(r.MaxScore, 0.9) {
			t.Errorf("version %s: min/max = %v/%v, want 0.3/0.9", r.PromptVersionID, r.MinScore, r.MaxScore)
		}
		if want := (0.1 + 0.5) / 2; !closeTo(r.AvgHallucinationRate, want) {
			t.Errorf("version %s: avg hallucination = %v, want %v", r.PromptVersionID, r.AvgHallucinationRate, want)
		}
		if r.FailureCount != 1 {
			t.Errorf("version %s: failure count = %d, want 1 (score 0.3 < 0.5)", r.PromptVersionID, r.FailureCount)
		}
	}
}

func TestOrchestratorNoExamplesFails(t *testing.T) {
	store := newFakeExperimentStore()
	store.versions = []storage.PromptVersion{{ID: "v1", PromptID: "p1", Template: "{text}"}}

	orch := newTestOrchestrator(store, echoGateway{}, &fixedScorer{})

	err := orch.Execute(context.Background(), ExperimentMessage{ExperimentID: "exp1", PromptID: "p1"})
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil for validation failure", err)
	}
	if store.experiments["exp1"].Status != storage.ExperimentStatusFailed {
		t.Errorf("status = %q, want failed", store.experiments["exp1"].Status)
	}
	if len(store.results["exp1"]) != 0 {
		t.Errorf("results = %d, want 0", len(store.results["exp1"]))
	}
}

func TestOrchestratorNoVersionsFails(t *testing.T) {
	store := newFakeExperimentStore()
	store.examples = []storage.GoldenExample{
		{ID: "e1", PromptID: "p1", InputData: `{"text":"x"}`, ExpectedOutput: "y"},
	}

	orch := newTestOrchestrator(store, echoGateway{}, &fixedScorer{})

	if err := orch.Execute(context.Background(), ExperimentMessage{ExperimentID: "exp1", PromptID: "p1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if store.experiments["exp1"].Status != storage.ExperimentStatusFailed {
		t.Errorf("status = %q, want failed", store.experiments["exp1"].Status)
	}
}

func TestOrchestratorAllExamplesSkipped(t *testing.T) {
	store := newFakeExperimentStore()
	store.versions = []storage.PromptVersion{{ID: "v1", PromptID: "p1", Template: "{text}"}}
	store.examples = []storage.GoldenExample{
		{ID: "e1", PromptID: "p1", InputData: `not json`, ExpectedOutput: "y"},
	}

	orch := newTestOrchestrator(store, echoGateway{}, &fixedScorer{})

	if err := orch.Execute(context.Background(), ExperimentMessage{ExperimentID: "exp1", PromptID: "p1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	// The experiment still completes; the version's row just reports
	// zero scored examples.
	if store.experiments["exp1"].Status != storage.ExperimentStatusCompleted {
		t.Fatalf("status = %q, want completed", store.experiments["exp1"].Status)
	}
	results := store.results["exp1"]
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if r.TotalExamples != 0 || r.AvgScore != 0 || r.MinScore != 0 || r.MaxScore != 0 {
		t.Errorf("aggregates = %+v, want all zero", r)
	}
}

func TestOrchestratorRedeliveryAfterCompletion(t *testing.T) {
	store := newFakeExperimentStore()
	store.versions = []storage.PromptVersion{{ID: "v1", PromptID: "p1", Template: "{text}"}}
	store.examples = []storage.GoldenExample{
		{ID: "e1", PromptID: "p1", InputData: `{"text":"x"}`, ExpectedOutput: "y"},
	}

	orch := newTestOrchestrator(store, echoGateway{}, &fixedScorer{})
	msg := ExperimentMessage{ExperimentID: "exp1", PromptID: "p1", Name: "sweep"}

	if err := orch.Execute(context.Background(), msg); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	first := append([]storage.ExperimentResult(nil), store.results["exp1"]...)

	if err := orch.Execute(context.Background(), msg); err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}

	if got := len(store.results["exp1"]); got != len(first) {
		t.Errorf("results after re-delivery = %d, want %d", got, len(first))
	}
	if store.experiments["exp1"].Status != storage.ExperimentStatusCompleted {
		t.Errorf("status = %q, want completed", store.experiments["exp1"].Status)
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []exampleOutcome
		want     storage.ExperimentResult
	}{
		{
			name: "mixed scored and skipped",
			outcomes: []exampleOutcome{
				{Scored: true, Score: 1.0},
				{Scored: true, Score: 0.4},
				{SkipReason: "render failed"},
			},
			want: storage.ExperimentResult{
				PromptVersionID: "v1",
				AvgScore:        0.7,
				MinScore:        0.4,
				MaxScore:        1.0,
				FailureCount:    1,
				TotalExamples:   2,
			},
		},
		{
			name:     "nothing scored",
			outcomes: []exampleOutcome{{SkipReason: "bad input"}},
			want:     storage.ExperimentResult{PromptVersionID: "v1"},
		},
		{
			name:     "single example",
			outcomes: []exampleOutcome{{Scored: true, Score: 0.5, Hallucination: 0.2}},
			want: storage.ExperimentResult{
				PromptVersionID:      "v1",
				AvgScore:             0.5,
				MinScore:             0.5,
				MaxScore:             0.5,
				AvgHallucinationRate: 0.2,
				TotalExamples:        1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := aggregate("v1", tt.outcomes)
			if !closeTo(got.AvgScore, tt.want.AvgScore) ||
				!closeTo(got.MinScore, tt.want.MinScore) ||
				!closeTo(got.MaxScore, tt.want.MaxScore) ||
				!closeTo(got.AvgHallucinationRate, tt.want.AvgHallucinationRate) ||
				got.FailureCount != tt.want.FailureCount ||
				got.TotalExamples != tt.want.TotalExamples {
				t.Errorf("aggregate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func closeTo(a, b float64) bool {
	diff := a - b
	return diff < 1e-9 && diff > -1e-9
}

package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"prompt-ops/internal/gateway"
	"prompt-ops/internal/monitor"
	"prompt-ops/internal/storage"
)

// fakeRunStore is an in-memory RunStore enforcing the same guarded
// transitions as the Postgres implementation.
type fakeRunStore struct {
	mu       sync.Mutex
	runs     map[string]*storage.Run
	versions map[string]*storage.PromptVersion
	costLogs []storage.CostLog

	completeErr error
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		runs:     make(map[string]*storage.Run),
		versions: make(map[string]*storage.PromptVersion),
	}
}

func (s *fakeRunStore) addRun(id, versionID, status string) {
	s.runs[id] = &storage.Run{
		ID:              id,
		PromptVersionID: versionID,
		Model:           "test-model",
		Status:          status,
		CreatedAt:       time.Now(),
	}
}

func (s *fakeRunStore) GetRun(_ context.Context, id string) (*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *fakeRunStore) GetPromptVersion(_ context.Context, id string) (*storage.PromptVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *v
	return &copied, nil
}

func (s *fakeRunStore) MarkRunRunning(_ context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status != storage.RunStatusPending {
		return storage.ErrStaleTransition
	}
	run.Status = storage.RunStatusRunning
	run.StartedAt = &startedAt
	return nil
}

func (s *fakeRunStore) CompleteRun(_ context.Context, id string, c storage.RunCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	run, ok := s.runs[id]
	if !ok || run.Status != storage.RunStatusRunning {
		return storage.ErrStaleTransition
	}
	now := time.Now()
	run.Status = storage.RunStatusCompleted
	run.Input = &c.Input
	run.Output = &c.Output
	run.LatencyMS = &c.LatencyMS
	run.TokensIn = &c.TokensIn
	run.TokensOut = &c.TokensOut
	run.CompletedAt = &now
	s.costLogs = append(s.costLogs, storage.CostLog{RunID: id, CostUSD: c.CostUSD})
	return nil
}

func (s *fakeRunStore) FailRun(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if run.Terminal() {
		return storage.ErrStaleTransition
	}
	run.Status = storage.RunStatusFailed
	run.FailureReason = reason
	return nil
}

// stubGateway returns canned responses in sequence, then repeats the last.
type stubGateway struct {
	mu        sync.Mutex
	calls     int
	responses []stubResponse
}

type stubResponse struct {
	result *gateway.GenerationResult
	err    error
}

func (g *stubGateway) Generate(_ context.Context, _ gateway.GenerationRequest) (*gateway.GenerationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.calls
	if idx >= len(g.responses) {
		idx = len(g.responses) - 1
	}
	g.calls++
	r := g.responses[idx]
	return r.result, r.err
}

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func transientErr(msg string) error {
	return &gateway.GenerationError{Class: gateway.ErrTransient, Op: "generate", Err: errors.New(msg)}
}

func permanentErr(msg string) error {
	return &gateway.GenerationError{Class: gateway.ErrPermanent, Op: "generate", Err: errors.New(msg)}
}

func newTestExecutor(store *fakeRunStore, gw gateway.Client, unitPrice float64) *RunExecutor {
	e := NewRunExecutor(store, gw, nil, monitor.NewMetrics(), RunConfig{
		MaxAttempts: 3,
		Backoff:     5 * time.Second,
		UnitPrice:   unitPrice,
	})
	// No real waiting in tests.
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestRunExecutorSuccess(t *testing.T) {
	store := newFakeRunStore()
	store.versions["v1"] = &storage.PromptVersion{ID: "v1", Template: "Summarize: {text}"}
	store.addRun("r1", "v1", storage.RunStatusPending)

	gw := &stubGateway{responses: []stubResponse{
		{result: &gateway.GenerationResult{Text: "a summary", TokensIn: 2, TokensOut: 2}},
	}}
	exec := newTestExecutor(store, gw, 0.00001)

	err := exec.Execute(context.Background(), RunMessage{
		RunID:           "r1",
		PromptVersionID: "v1",
		Variables:       map[string]string{"text": "hello"},
		Model:           "test-model",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	run := store.runs["r1"]
	if run.Status != storage.RunStatusCompleted {
		t.Fatalf("status = %q, want %q", run.Status, storage.RunStatusCompleted)
	}
	if run.Input == nil || *run.Input != "Summarize: hello" {
		t.Errorf("input = %v, want rendered prompt", run.Input)
	}
	if run.Output == nil || *run.Output != "a summary" {
		t.Errorf("output = %v, want %q", run.Output, "a summary")
	}
	if run.LatencyMS == nil || *run.LatencyMS < 0 {
		t.Errorf("latency = %v, want non-negative", run.LatencyMS)
	}
	if len(store.costLogs) != 1 {
		t.Fatalf("cost logs = %d, want 1", len(store.costLogs))
	}
	want := Cost(2, 2, 0.00001)
	if store.costLogs[0].CostUSD != want {
		t.Errorf("cost = %v, want %v", store.costLogs[0].CostUSD, want)
	}
	if gw.callCount() != 1 {
		t.Errorf("gateway calls = %d, want 1", gw.callCount())
	}
}

func TestRunExecutorTransientExhaustsRetries(t *testing.T) {
	store := newFakeRunStore()
	store.versions["v1"] = &storage.PromptVersion{ID: "v1", Template: "{text}"}
	store.addRun("r1", "v1", storage.RunStatusPending)

	gw := &stubGateway{responses: []stubResponse{
		{err: transientErr("upstream overloaded")},
	}}
	exec := newTestExecutor(store, gw, 0.00001)

	err := exec.Execute(context.Background(), RunMessage{
		RunID:           "r1",
		PromptVersionID: "v1",
		Variables:       map[string]string{"text": "x"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got := gw.callCount(); got != 3 {
		t.Errorf("gateway calls = %d, want exactly 3", got)
	}
	run := store.runs["r1"]
	if run.Status != storage.RunStatusFailed {
		t.Fatalf("status = %q, want %q", run.Status, storage.RunStatusFailed)
	}
	if !strings.Contains(run.FailureReason, "retries exhausted") {
		t.Errorf("failure reason = %q, want retries exhausted", run.FailureReason)
	}
	if run.Output != nil || run.TokensIn != nil {
		t.Error("failed run must carry no output fields")
	}
	if len(store.costLogs) != 0 {
		t.Errorf("cost logs = %d, want 0 for failed run", len(store.costLogs))
	}
}

func TestRunExecutorTransientThenSuccess(t *testing.T) {
	store := newFakeRunStore()
	store.versions["v1"] = &storage.PromptVersion{ID: "v1", Template: "{text}"}
	store.addRun("r1", "v1", storage.RunStatusPending)

	gw := &stubGateway{responses: []stubResponse{
		{err: transientErr("try 1")},
		{err: transientErr("try 2")},
		{result: &gateway.GenerationResult{Text: "ok", TokensIn: 1, TokensOut: 1}},
	}}
	exec := newTestExecutor(store, gw, 0.00001)

	if err := exec.Execute(context.Background(), RunMessage{
		RunID:           "r1",
		PromptVersionID: "v1",
		Variables:       map[string]string{"text": "x"},
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got := gw.callCount(); got != 3 {
		t.Errorf("gateway calls = %d, want 3", got)
	}
	if store.runs["r1"].Status != storage.RunStatusCompleted {
		t.Errorf("status = %q, want completed after recovery", store.runs["r1"].Status)
	}
}

func TestRunExecutorPermanentNoRetry(t *testing.T) {
	store := newFakeRunStore()
	store.versions["v1"] = &storage.PromptVersion{ID: "v1", Template: "{text}"}
	store.addRun("r1", "v1", storage.RunStatusPending)

	gw := &stubGateway{responses: []stubResponse{
		{err: permanentErr("model does not exist")},
	}}
	exec := newTestExecutor(store, gw, 0.00001)

	if err := exec.Execute(context.Background(), RunMessage{
		RunID:           "r1",
		PromptVersionID: "v1",
		Variables:       map[string]string{"text": "x"},
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got := gw.callCount(); got != 1 {
		t.Errorf("gateway calls = %d, want 1 for permanent error", got)
	}
	if store.runs["r1"].Status != storage.RunStatusFailed {
		t.Errorf("status = %q, want failed", store.runs["r1"].Status)
	}
}

func TestRunExecutorValidationFailures(t *testing.T) {
	tests := []struct {
		name      string
		versionID string
		variables map[string]string
	}{
		{
			name:      "unknown prompt version",
			versionID: "missing",
			variables: map[string]string{"text": "x"},
		},
		{
			name:      "missing template variable",
			versionID: "v1",
			variables: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeRunStore()
			store.versions["v1"] = &storage.PromptVersion{ID: "v1", Template: "{text}"}
			store.addRun("r1", "v1", storage.RunStatusPending)

			gw := &stubGateway{responses: []stubResponse{
				{result: &gateway.GenerationResult{Text: "unreachable"}},
			}}
			exec := newTestExecutor(store, gw, 0.00001)

			if err := exec.Execute(context.Background(), RunMessage{
				RunID:           "r1",
				PromptVersionID: tt.versionID,
				Variables:       tt.variables,
			}); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}

			if store.runs["r1"].Status != storage.RunStatusFailed {
				t.Errorf("status = %q, want failed", store.runs["r1"].Status)
			}
			if gw.callCount() != 0 {
				t.Errorf("gateway calls = %d, want 0 for validation failure", gw.callCount())
			}
		})
	}
}

func TestRunExecutorRedeliveryIsNoop(t *testing.T) {
	for _, status := range []string{storage.RunStatusCompleted, storage.RunStatusFailed} {
		t.Run(status, func(t *testing.T) {
			store := newFakeRunStore()
			store.versions["v1"] = &storage.PromptVersion{ID: "v1", Template: "{text}"}
			store.addRun("r1", "v1", status)

			gw := &stubGateway{responses: []stubResponse{
				{result: &gateway.GenerationResult{Text: "unreachable"}},
			}}
			exec := newTestExecutor(store, gw, 0.00001)

			if err := exec.Execute(context.Background(), RunMessage{
				RunID:           "r1",
				PromptVersionID: "v1",
				Variables:       map[string]string{"text": "x"},
			}); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}

			if store.runs["r1"].Status != status {
				t.Errorf("status changed from %q to %q on re-delivery", status, store.runs["r1"].Status)
			}
			if gw.callCount() != 0 {
				t.Errorf("gateway calls = %d, want 0", gw.callCount())
			}
			if len(store.costLogs) != 0 {
				t.Errorf("cost logs = %d, want 0", len(store.costLogs))
			}
		})
	}
}

func TestRunExecutorCompleteConflictIsNoop(t *testing.T) {
	store := newFakeRunStore()
	store.versions["v1"] = &storage.PromptVersion{ID: "v1", Template: "{text}"}
	store.addRun("r1", "v1", storage.RunStatusPending)
	store.completeErr = storage.ErrStaleTransition

	gw := &stubGateway{responses: []stubResponse{
		{result: &gateway.GenerationResult{Text: "ok", TokensIn: 1, TokensOut: 1}},
	}}
	exec := newTestExecutor(store, gw, 0.00001)

	if err := exec.Execute(context.Background(), RunMessage{
		RunID:           "r1",
		PromptVersionID: "v1",
		Variables:       map[string]string{"text": "x"},
	}); err != nil {
		t.Fatalf("Execute() error = %v, want nil on completion conflict", err)
	}
	if len(store.costLogs) != 0 {
		t.Errorf("cost logs = %d, want 0", len(store.costLogs))
	}
}

func TestCost(t *testing.T) {
	tests := []struct {
		tokensIn, tokensOut int
		unitPrice           float64
		want                float64
	}{
		{2, 2, 0.00001, 0.00004},
		{0, 0, 0.00001, 0},
		{100, 50, 0.001, 0.15},
	}
	for _, tt := range tests {
		got := Cost(tt.tokensIn, tt.tokensOut, tt.unitPrice)
		if diff := got - tt.want; diff > 1e-12 || diff < -1e-12 {
			t.Errorf("Cost(%d, %d, %v) = %v, want %v", tt.tokensIn, tt.tokensOut, tt.unitPrice, got, tt.want)
		}
	}
}

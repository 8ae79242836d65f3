package executor

import (
	"context"
	"time"

	"prompt-ops/internal/storage"
)

// RunStore is the durable state the run executor depends on. Implemented
// by storage.DB; tests use an in-memory fake.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*storage.Run, error)
	GetPromptVersion(ctx context.Context, id string) (*storage.PromptVersion, error)
	MarkRunRunning(ctx context.Context, id string, startedAt time.Time) error
	CompleteRun(ctx context.Context, id string, c storage.RunCompletion) error
	FailRun(ctx context.Context, id, reason string) error
}

// ExperimentStore is the durable state the experiment orchestrator
// depends on.
type ExperimentStore interface {
	CreateExperiment(ctx context.Context, e *storage.Experiment) error
	GetExperiment(ctx context.Context, id string) (*storage.Experiment, error)
	ListPromptVersions(ctx context.Context, promptID string) ([]storage.PromptVersion, error)
	ListGoldenExamples(ctx context.Context, promptID string) ([]storage.GoldenExample, error)
	SaveExperimentResults(ctx context.Context, experimentID string, results []storage.ExperimentResult) error
	FailExperiment(ctx context.Context, id string) error
}

// EventRecorder receives lifecycle transition events. Implemented by
// storage.EventWriter; a nil recorder disables auditing.
type EventRecorder interface {
	Record(ev *storage.RunEvent)
}

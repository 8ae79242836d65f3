package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"prompt-ops/internal/gateway"
	"prompt-ops/internal/monitor"
	"prompt-ops/internal/render"
	"prompt-ops/internal/scorer"
	"prompt-ops/internal/storage"
)

// failureThreshold is the score below which an example counts as a
// regression in a version's aggregate.
const failureThreshold = 0.5

// ExperimentMessage is the payload of an experiment-execution job. The
// experiment ID is minted by the submitter so the job handle is
// pollable from the moment of submission.
type ExperimentMessage struct {
	ExperimentID string `json:"experiment_id"`
	PromptID     string `json:"prompt_id"`
	Name         string `json:"name"`
}

// ExperimentConfig bounds the orchestrator's fan-out.
type ExperimentConfig struct {
	Model          string  // model evaluated during the sweep
	Temperature    float64
	VersionWorkers int // prompt versions evaluated concurrently
}

// Orchestrator fans a prompt's versions out across its golden examples,
// scores each output and aggregates per-version regression statistics.
type Orchestrator struct {
	store   ExperimentStore
	gw      gateway.Client
	scorer  scorer.Scorer
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	cfg     ExperimentConfig
}

// NewOrchestrator creates an experiment orchestrator.
func NewOrchestrator(store ExperimentStore, gw gateway.Client, sc scorer.Scorer, metrics *monitor.Metrics, cfg ExperimentConfig) *Orchestrator {
	if cfg.VersionWorkers < 1 {
		cfg.VersionWorkers = 4
	}
	return &Orchestrator{
		store:   store,
		gw:      gw,
		scorer:  sc,
		metrics: metrics,
		tracer:  monitor.NewTracer(),
		cfg:     cfg,
	}
}

// Execute runs one experiment to a terminal state. Whatever goes wrong,
// the experiment never stays running: every exit path commits either
// completed or failed.
func (o *Orchestrator) Execute(ctx context.Context, msg ExperimentMessage) error {
	ctx, span := o.tracer.StartSpan(ctx, "experiment.execute",
		monitor.AttrExperimentID.String(msg.ExperimentID),
		monitor.AttrPromptID.String(msg.PromptID),
	)
	defer span.End()

	logger := log.With().
		Str("experiment_id", msg.ExperimentID).
		Str("prompt_id", msg.PromptID).
		Logger()

	if done, err := o.ensureExperiment(ctx, msg); done || err != nil {
		return err
	}
	logger.Info().Str("name", msg.Name).Msg("experiment started")

	versions, examples, err := o.loadInputs(ctx, msg)
	if err != nil {
		o.failExperiment(ctx, msg.ExperimentID)
		if errors.Is(err, ErrValidation) {
			logger.Error().Err(err).Msg("experiment failed")
			return nil
		}
		return err
	}

	results := o.evaluateVersions(ctx, versions, examples)

	if err := o.store.SaveExperimentResults(ctx, msg.ExperimentID, results); err != nil {
		if errors.Is(err, storage.ErrStaleTransition) {
			// A concurrent delivery already finished this experiment.
			return nil
		}
		o.failExperiment(ctx, msg.ExperimentID)
		return fmt.Errorf("saving results for experiment %s: %w", msg.ExperimentID, err)
	}

	o.metrics.RecordExperiment(storage.ExperimentStatusCompleted)
	logger.Info().Int("versions", len(results)).Int("examples", len(examples)).Msg("experiment completed")
	return nil
}

// ensureExperiment commits the running experiment row before any heavy
// work so pollers see it immediately. Re-delivery of a job whose
// experiment already reached a terminal state reports done.
func (o *Orchestrator) ensureExperiment(ctx context.Context, msg ExperimentMessage) (done bool, err error) {
	exp := &storage.Experiment{
		ID:       msg.ExperimentID,
		PromptID: msg.PromptID,
		Name:     msg.Name,
	}
	if err := o.store.CreateExperiment(ctx, exp); err == nil {
		return false, nil
	}

	existing, getErr := o.store.GetExperiment(ctx, msg.ExperimentID)
	if getErr != nil {
		return false, fmt.Errorf("creating experiment %s: %w", msg.ExperimentID, getErr)
	}
	if existing.Status != storage.ExperimentStatusRunning {
		log.Debug().
			Str("experiment_id", msg.ExperimentID).
			Str("status", existing.Status).
			Msg("experiment already terminal, skipping re-delivery")
		return true, nil
	}
	// Still running: a prior delivery died mid-flight, pick it up again.
	return false, nil
}

func (o *Orchestrator) loadInputs(ctx context.Context, msg ExperimentMessage) ([]storage.PromptVersion, []storage.GoldenExample, error) {
	versions, err := o.store.ListPromptVersions(ctx, msg.PromptID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading prompt versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, nil, fmt.Errorf("%w: no prompt versions for prompt %s", ErrValidation, msg.PromptID)
	}

	examples, err := o.store.ListGoldenExamples(ctx, msg.PromptID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading golden examples: %w", err)
	}
	if len(examples) == 0 {
		return nil, nil, fmt.Errorf("%w: no golden examples for prompt %s", ErrValidation, msg.PromptID)
	}

	return versions, examples, nil
}

// evaluateVersions walks the version x example cross-product. Versions
// run concurrently under a bounded pool; examples within one version
// stay serial because the gateway owns the per-call concurrency budget.
func (o *Orchestrator) evaluateVersions(ctx context.Context, versions []storage.PromptVersion, examples []storage.GoldenExample) []storage.ExperimentResult {
	results := make([]storage.ExperimentResult, len(versions))

	var wg sync.WaitGroup
	sem := make(chan struct{}, o.cfg.VersionWorkers)

	for i := range versions {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			outcomes := o.evaluateVersion(ctx, &versions[i], examples)
			results[i] = aggregate(versions[i].ID, outcomes)
		}(i)
	}
	wg.Wait()

	return results
}

func (o *Orchestrator) evaluateVersion(ctx context.Context, version *storage.PromptVersion, examples []storage.GoldenExample) []exampleOutcome {
	outcomes := make([]exampleOutcome, 0, len(examples))
	for i := range examples {
		outcome := o.evaluateExample(ctx, version, &examples[i])
		if !outcome.Scored {
			o.metrics.ExamplesSkipped.Inc()
			log.Warn().
				Str("prompt_version_id", version.ID).
				Str("example_id", examples[i].ID).
				Str("reason", outcome.SkipReason).
				Msg("example skipped")
		} else {
			o.metrics.ExampleScores.Observe(outcome.Score)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// exampleOutcome is the explicit per-example result: either a score or
// a skip with its reason. One example's failure never aborts the rest
// of its version's evaluation.
type exampleOutcome struct {
	Scored        bool
	Score         float64
	Hallucination float64
	SkipReason    string
}

func skipped(format string, args ...any) exampleOutcome {
	return exampleOutcome{SkipReason: fmt.Sprintf(format, args...)}
}

func (o *Orchestrator) evaluateExample(ctx context.Context, version *storage.PromptVersion, example *storage.GoldenExample) exampleOutcome {
	var variables map[string]string
	if err := json.Unmarshal([]byte(example.InputData), &variables); err != nil {
		return skipped("decoding input variables: %s", err)
	}

	rendered, err := render.Render(version.Template, variables)
	if err != nil {
		return skipped("rendering template: %s", err)
	}

	result, err := o.gw.Generate(ctx, gateway.GenerationRequest{
		Prompt:      rendered,
		Model:       o.cfg.Model,
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		return skipped("inference: %s", err)
	}

	graded, err := o.scorer.Score(ctx, rendered, example.ExpectedOutput, result.Text)
	if err != nil {
		return skipped("scoring: %s", err)
	}

	return exampleOutcome{
		Scored:        true,
		Score:         graded.Score,
		Hallucination: graded.Hallucination,
	}
}

// aggregate folds a version's outcomes into its result row. Skipped
// examples are wholly excluded: they contribute to neither totals nor
// failure counts.
func aggregate(versionID string, outcomes []exampleOutcome) storage.ExperimentResult {
	result := storage.ExperimentResult{PromptVersionID: versionID}

	var sumScore, sumHallucination float64
	for _, out := range outcomes {
		if !out.Scored {
			continue
		}
		if result.TotalExamples == 0 || out.Score < result.MinScore {
			result.MinScore = out.Score
		}
		if result.TotalExamples == 0 || out.Score > result.MaxScore {
			result.MaxScore = out.Score
		}
		if out.Score < failureThreshold {
			result.FailureCount++
		}
		sumScore += out.Score
		sumHallucination += out.Hallucination
		result.TotalExamples++
	}

	if result.TotalExamples > 0 {
		result.AvgScore = sumScore / float64(result.TotalExamples)
		result.AvgHallucinationRate = sumHallucination / float64(result.TotalExamples)
	}
	return result
}

func (o *Orchestrator) failExperiment(ctx context.Context, id string) {
	// Best effort with its own deadline: the original ctx may already be
	// the reason we are failing.
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.store.FailExperiment(failCtx, id); err != nil && !errors.Is(err, storage.ErrStaleTransition) {
		log.Error().Err(err).Str("experiment_id", id).Msg("could not mark experiment failed")
		return
	}
	o.metrics.RecordExperiment(storage.ExperimentStatusFailed)
}

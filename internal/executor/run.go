// Package executor contains the workers behind the dispatch queue: the
// run executor state machine and the experiment orchestrator.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"prompt-ops/internal/gateway"
	"prompt-ops/internal/monitor"
	"prompt-ops/internal/render"
	"prompt-ops/internal/storage"
)

// Cost computes the monetary cost of a run from its token counts. It is
// a pure function of the persisted counts so any recorded cost can be
// re-derived for auditing.
func Cost(tokensIn, tokensOut int, unitPrice float64) float64 {
	return float64(tokensIn+tokensOut) * unitPrice
}

// RunMessage is the payload of a run-execution job.
type RunMessage struct {
	RunID           string            `json:"run_id"`
	PromptVersionID string            `json:"prompt_version_id"`
	Variables       map[string]string `json:"variables"`
	Model           string            `json:"model"`
	SystemPrompt    string            `json:"system_prompt,omitempty"`
	Temperature     float64           `json:"temperature"`
}

// RunConfig bounds retries and fixes pricing for the run executor.
type RunConfig struct {
	MaxAttempts int           // total gateway attempts per run
	Backoff     time.Duration // fixed delay between attempts
	UnitPrice   float64       // USD per token
}

// RunExecutor drives one run from pending through running to a terminal
// state. Only the owning worker mutates a given run, and every
// transition is one committed store call, so a run's status progression
// is strictly ordered and survives a crash at any point.
type RunExecutor struct {
	store   RunStore
	gw      gateway.Client
	events  EventRecorder
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	cfg     RunConfig

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunExecutor creates a run executor.
func NewRunExecutor(store RunStore, gw gateway.Client, events EventRecorder, metrics *monitor.Metrics, cfg RunConfig) *RunExecutor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	return &RunExecutor{
		store:   store,
		gw:      gw,
		events:  events,
		metrics: metrics,
		tracer:  monitor.NewTracer(),
		cfg:     cfg,
		sleep:   sleepCtx,
	}
}

// Execute processes one run-execution job. Re-delivery of a run that
// already reached a terminal state is a no-op.
func (e *RunExecutor) Execute(ctx context.Context, msg RunMessage) error {
	ctx, span := e.tracer.StartSpan(ctx, "run.execute",
		monitor.AttrRunID.String(msg.RunID),
		monitor.AttrModel.String(msg.Model),
	)
	defer span.End()

	logger := log.With().Str("run_id", msg.RunID).Logger()

	run, err := e.store.GetRun(ctx, msg.RunID)
	if err != nil {
		return &RunError{RunID: msg.RunID, Op: "loading run", Err: err}
	}
	if run.Terminal() {
		logger.Debug().Str("status", run.Status).Msg("run already terminal, skipping re-delivery")
		return nil
	}

	// Commit pending->running before any external call so a crash from
	// here on is observable as a stuck running run.
	if err := e.store.MarkRunRunning(ctx, run.ID, time.Now()); err != nil {
		if errors.Is(err, storage.ErrStaleTransition) {
			logger.Debug().Msg("run claimed elsewhere, skipping")
			return nil
		}
		return &RunError{RunID: run.ID, Op: "claiming run", Err: err}
	}
	e.record(run.ID, storage.RunStatusPending, storage.RunStatusRunning, "")

	start := time.Now()

	version, err := e.store.GetPromptVersion(ctx, msg.PromptVersionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return e.fail(ctx, run, start, fmt.Errorf("%w: unknown prompt version %s", ErrValidation, msg.PromptVersionID))
		}
		return &RunError{RunID: run.ID, Op: "loading prompt version", Err: err}
	}

	rendered, err := render.Render(version.Template, msg.Variables)
	if err != nil {
		return e.fail(ctx, run, start, fmt.Errorf("%w: %s", ErrValidation, err))
	}

	result, err := e.generateWithRetry(ctx, logger, gateway.GenerationRequest{
		Prompt:       rendered,
		SystemPrompt: msg.SystemPrompt,
		Model:        msg.Model,
		Temperature:  msg.Temperature,
	})
	if err != nil {
		return e.fail(ctx, run, start, err)
	}

	latency := time.Since(start).Milliseconds()
	cost := Cost(result.TokensIn, result.TokensOut, e.cfg.UnitPrice)

	err = e.store.CompleteRun(ctx, run.ID, storage.RunCompletion{
		Input:     rendered,
		Output:    result.Text,
		LatencyMS: latency,
		TokensIn:  result.TokensIn,
		TokensOut: result.TokensOut,
		CostUSD:   cost,
	})
	if err != nil {
		if errors.Is(err, storage.ErrStaleTransition) {
			return nil
		}
		// The store is the source of truth; the run stays running for
		// the reconciliation sweep rather than us guessing a state.
		return &RunError{RunID: run.ID, Op: "committing completion", Err: err}
	}

	e.record(run.ID, storage.RunStatusRunning, storage.RunStatusCompleted, "")
	e.metrics.RecordRun(storage.RunStatusCompleted, msg.Model, time.Since(start).Seconds())
	e.metrics.RecordCompletion(result.TokensIn, result.TokensOut, cost)

	logger.Info().
		Int64("latency_ms", latency).
		Int("tokens_in", result.TokensIn).
		Int("tokens_out", result.TokensOut).
		Float64("cost_usd", cost).
		Msg("run completed")
	return nil
}

// generateWithRetry calls the gateway up to cfg.MaxAttempts times,
// sleeping cfg.Backoff between attempts. Only transient failures are
// retried; retries are invisible to the run record.
func (e *RunExecutor) generateWithRetry(ctx context.Context, logger zerolog.Logger, req gateway.GenerationRequest) (*gateway.GenerationResult, error) {
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		result, err := e.gw.Generate(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !gateway.IsTransient(err) {
			return nil, err
		}

		if attempt < e.cfg.MaxAttempts {
			e.metrics.RunRetries.Inc()
			logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("backoff", e.cfg.Backoff).
				Msg("transient inference failure, retrying")
			if err := e.sleep(ctx, e.cfg.Backoff); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrRetriesExhausted, lastErr)
			}
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %s", ErrRetriesExhausted, e.cfg.MaxAttempts, lastErr)
}

// fail records the terminal failure. No output fields are set.
func (e *RunExecutor) fail(ctx context.Context, run *storage.Run, start time.Time, cause error) error {
	reason := cause.Error()

	if err := e.store.FailRun(ctx, run.ID, reason); err != nil && !errors.Is(err, storage.ErrStaleTransition) {
		return &RunError{RunID: run.ID, Op: "recording failure", Err: err}
	}

	e.record(run.ID, storage.RunStatusRunning, storage.RunStatusFailed, reason)
	e.metrics.RecordRun(storage.RunStatusFailed, run.Model, time.Since(start).Seconds())

	log.Error().Str("run_id", run.ID).Str("reason", reason).Msg("run failed")
	return nil
}

func (e *RunExecutor) record(runID, from, to, reason string) {
	if e.events == nil {
		return
	}
	e.events.Record(&storage.RunEvent{
		RunID:      runID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

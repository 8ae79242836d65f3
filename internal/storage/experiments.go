package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateExperiment inserts an experiment in running state and commits
// immediately, so pollers see it before any heavy work starts.
func (db *DB) CreateExperiment(ctx context.Context, e *Experiment) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Status = ExperimentStatusRunning

	query := `
		INSERT INTO experiments (id, prompt_id, name, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := db.pool.Exec(ctx, query, e.ID, e.PromptID, e.Name, e.Status, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting experiment: %w", err)
	}
	return nil
}

// GetExperiment retrieves an experiment by ID.
func (db *DB) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	query := `SELECT id, prompt_id, name, status, created_at FROM experiments WHERE id = $1`

	var e Experiment
	err := db.pool.QueryRow(ctx, query, id).Scan(&e.ID, &e.PromptID, &e.Name, &e.Status, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("querying experiment %s: %w", id, err)
	}
	return &e, nil
}

// ListExperiments returns experiments, optionally scoped to one prompt,
// newest first.
func (db *DB) ListExperiments(ctx context.Context, promptID string) ([]Experiment, error) {
	query := `
		SELECT id, prompt_id, name, status, created_at
		FROM experiments
		WHERE ($1 = '' OR prompt_id = $1)
		ORDER BY created_at DESC
		LIMIT 200`

	rows, err := db.pool.Query(ctx, query, promptID)
	if err != nil {
		return nil, fmt.Errorf("querying experiments: %w", err)
	}
	defer rows.Close()

	var experiments []Experiment
	for rows.Next() {
		var e Experiment
		if err := rows.Scan(&e.ID, &e.PromptID, &e.Name, &e.Status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning experiment row: %w", err)
		}
		experiments = append(experiments, e)
	}
	return experiments, rows.Err()
}

// SaveExperimentResults inserts all per-version results and flips the
// experiment to completed in one transaction, so a crash mid-write never
// leaves a completed experiment with half its results.
func (db *DB) SaveExperimentResults(ctx context.Context, experimentID string, results []ExperimentResult) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning results tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	for i := range results {
		r := &results[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		r.ExperimentID = experimentID
		r.CreatedAt = now

		_, err := tx.Exec(ctx, `
			INSERT INTO experiment_results (id, experiment_id, prompt_version_id,
				avg_score, min_score, max_score, avg_hallucination_rate,
				failure_count, total_examples, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.ID, r.ExperimentID, r.PromptVersionID,
			r.AvgScore, r.MinScore, r.MaxScore, r.AvgHallucinationRate,
			r.FailureCount, r.TotalExamples, r.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting experiment result: %w", err)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE experiments SET status = $2 WHERE id = $1 AND status = $3`,
		experimentID, ExperimentStatusCompleted, ExperimentStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("completing experiment %s: %w", experimentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("experiment %s not running: %w", experimentID, ErrStaleTransition)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing results for experiment %s: %w", experimentID, err)
	}
	return nil
}

// FailExperiment marks an experiment failed so it is never left stuck in
// running. Safe to call after a partial failure; terminal states win.
func (db *DB) FailExperiment(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE experiments SET status = $2 WHERE id = $1 AND status = $3`,
		id, ExperimentStatusFailed, ExperimentStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failing experiment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("experiment %s not running: %w", id, ErrStaleTransition)
	}
	return nil
}

// ListExperimentResults returns the per-version aggregates for an experiment.
func (db *DB) ListExperimentResults(ctx context.Context, experimentID string) ([]ExperimentResult, error) {
	query := `
		SELECT id, experiment_id, prompt_version_id, avg_score, min_score,
			max_score, avg_hallucination_rate, failure_count, total_examples, created_at
		FROM experiment_results WHERE experiment_id = $1 ORDER BY created_at ASC`

	rows, err := db.pool.Query(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("querying experiment results: %w", err)
	}
	defer rows.Close()

	var results []ExperimentResult
	for rows.Next() {
		var r ExperimentResult
		if err := rows.Scan(
			&r.ID, &r.ExperimentID, &r.PromptVersionID,
			&r.AvgScore, &r.MinScore, &r.MaxScore, &r.AvgHallucinationRate,
			&r.FailureCount, &r.TotalExamples, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning experiment result row: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreatePrompt inserts a new prompt.
func (db *DB) CreatePrompt(ctx context.Context, p *Prompt) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	query := `INSERT INTO prompts (id, name, description, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := db.pool.Exec(ctx, query, p.ID, p.Name, p.Description, p.CreatedAt); err != nil {
		return fmt.Errorf("inserting prompt: %w", err)
	}
	return nil
}

// GetPrompt retrieves a prompt by ID.
func (db *DB) GetPrompt(ctx context.Context, id string) (*Prompt, error) {
	query := `SELECT id, name, description, created_at FROM prompts WHERE id = $1`

	var p Prompt
	err := db.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("prompt %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("querying prompt %s: %w", id, err)
	}
	return &p, nil
}

// ListPrompts returns all prompts, oldest first.
func (db *DB) ListPrompts(ctx context.Context) ([]Prompt, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, description, created_at FROM prompts ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying prompts: %w", err)
	}
	defer rows.Close()

	var prompts []Prompt
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning prompt row: %w", err)
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// CreatePromptVersion inserts a new version of a prompt.
func (db *DB) CreatePromptVersion(ctx context.Context, v *PromptVersion) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO prompt_versions (id, prompt_id, version, template, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := db.pool.Exec(ctx, query, v.ID, v.PromptID, v.Version, v.Template, v.IsActive, v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("version %q of prompt %s: %w", v.Version, v.PromptID, ErrDuplicate)
		}
		return fmt.Errorf("inserting prompt version: %w", err)
	}
	return nil
}

// GetPromptVersion retrieves a single prompt version by ID.
func (db *DB) GetPromptVersion(ctx context.Context, id string) (*PromptVersion, error) {
	query := `
		SELECT id, prompt_id, version, template, is_active, created_at
		FROM prompt_versions WHERE id = $1`

	var v PromptVersion
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&v.ID, &v.PromptID, &v.Version, &v.Template, &v.IsActive, &v.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("prompt version %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("querying prompt version %s: %w", id, err)
	}
	return &v, nil
}

// ListPromptVersions returns all versions of a prompt, oldest first.
func (db *DB) ListPromptVersions(ctx context.Context, promptID string) ([]PromptVersion, error) {
	query := `
		SELECT id, prompt_id, version, template, is_active, created_at
		FROM prompt_versions WHERE prompt_id = $1 ORDER BY created_at ASC`

	rows, err := db.pool.Query(ctx, query, promptID)
	if err != nil {
		return nil, fmt.Errorf("querying prompt versions: %w", err)
	}
	defer rows.Close()

	var versions []PromptVersion
	for rows.Next() {
		var v PromptVersion
		if err := rows.Scan(&v.ID, &v.PromptID, &v.Version, &v.Template, &v.IsActive, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning prompt version row: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// CreateGoldenExample inserts a reference example for a prompt.
func (db *DB) CreateGoldenExample(ctx context.Context, g *GoldenExample) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO golden_examples (id, prompt_id, input_data, expected_output, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := db.pool.Exec(ctx, query, g.ID, g.PromptID, g.InputData, g.ExpectedOutput, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting golden example: %w", err)
	}
	return nil
}

// ListGoldenExamples returns the reference set for a prompt, oldest first.
func (db *DB) ListGoldenExamples(ctx context.Context, promptID string) ([]GoldenExample, error) {
	query := `
		SELECT id, prompt_id, input_data, expected_output, created_at
		FROM golden_examples WHERE prompt_id = $1 ORDER BY created_at ASC`

	rows, err := db.pool.Query(ctx, query, promptID)
	if err != nil {
		return nil, fmt.Errorf("querying golden examples: %w", err)
	}
	defer rows.Close()

	var examples []GoldenExample
	for rows.Next() {
		var g GoldenExample
		if err := rows.Scan(&g.ID, &g.PromptID, &g.InputData, &g.ExpectedOutput, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning golden example row: %w", err)
		}
		examples = append(examples, g)
	}
	return examples, rows.Err()
}

// CostSummaryReport aggregates cost, latency and token totals for
// completed runs since the given time.
func (db *DB) CostSummaryReport(ctx context.Context, since time.Time) (*CostSummary, error) {
	query := `
		SELECT COUNT(r.id),
			COALESCE(SUM(c.cost_usd), 0),
			COALESCE(AVG(c.cost_usd), 0),
			AVG(r.latency_ms),
			COALESCE(SUM(r.tokens_in + r.tokens_out), 0)
		FROM runs r
		JOIN cost_logs c ON c.run_id = r.id
		WHERE r.status = $1 AND r.created_at >= $2`

	var summary CostSummary
	err := db.pool.QueryRow(ctx, query, RunStatusCompleted, since).Scan(
		&summary.TotalRuns, &summary.TotalCostUSD, &summary.AvgCostUSD,
		&summary.AvgLatencyMS, &summary.TotalTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("querying cost summary: %w", err)
	}
	return &summary, nil
}

package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Schema statements are idempotent so Migrate can run at every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS prompts (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS prompt_versions (
		id         TEXT PRIMARY KEY,
		prompt_id  TEXT NOT NULL REFERENCES prompts(id) ON DELETE CASCADE,
		version    TEXT NOT NULL,
		template   TEXT NOT NULL,
		is_active  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (prompt_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id                TEXT PRIMARY KEY,
		prompt_version_id TEXT NOT NULL REFERENCES prompt_versions(id) ON DELETE CASCADE,
		input             TEXT,
		output            TEXT,
		model             TEXT NOT NULL DEFAULT '',
		latency_ms        BIGINT,
		tokens_in         INTEGER,
		tokens_out        INTEGER,
		status            TEXT NOT NULL DEFAULT 'pending',
		failure_reason    TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at        TIMESTAMPTZ,
		completed_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status)`,
	`CREATE TABLE IF NOT EXISTS cost_logs (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL UNIQUE REFERENCES runs(id) ON DELETE CASCADE,
		cost_usd   DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cost_run_id ON cost_logs (run_id)`,
	`CREATE TABLE IF NOT EXISTS golden_examples (
		id              TEXT PRIMARY KEY,
		prompt_id       TEXT NOT NULL REFERENCES prompts(id) ON DELETE CASCADE,
		input_data      TEXT NOT NULL,
		expected_output TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS experiments (
		id         TEXT PRIMARY KEY,
		prompt_id  TEXT NOT NULL REFERENCES prompts(id),
		name       TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'running',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS experiment_results (
		id                     TEXT PRIMARY KEY,
		experiment_id          TEXT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
		prompt_version_id      TEXT NOT NULL REFERENCES prompt_versions(id) ON DELETE CASCADE,
		avg_score              DOUBLE PRECISION NOT NULL,
		min_score              DOUBLE PRECISION NOT NULL,
		max_score              DOUBLE PRECISION NOT NULL,
		avg_hallucination_rate DOUBLE PRECISION NOT NULL,
		failure_count          INTEGER NOT NULL,
		total_examples         INTEGER NOT NULL,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS run_events (
		id          TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events (run_id)`,
	`CREATE TABLE IF NOT EXISTS rate_counters (
		key        TEXT PRIMARY KEY,
		count      BIGINT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	log.Info().Msg("database schema up to date")
	return nil
}

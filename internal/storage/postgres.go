package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Sentinel errors for typed error checking.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStaleTransition is returned when a guarded status transition
	// matched no row, i.e. the record already moved past the expected
	// state. Callers treat it as an idempotent no-op.
	ErrStaleTransition = errors.New("stale status transition")
	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint.
	ErrDuplicate = errors.New("duplicate record")
)

// uniqueViolation is the Postgres error code for a unique constraint hit.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// DB wraps a PostgreSQL connection pool. It is the single source of truth
// for runs, cost logs, experiments and their reference data; every status
// transition goes through one committed statement or transaction.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// CreateRun inserts a new run in pending state.
func (db *DB) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	run.Status = RunStatusPending

	query := `
		INSERT INTO runs (id, prompt_version_id, model, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := db.pool.Exec(ctx, query,
		run.ID, run.PromptVersionID, run.Model, run.Status, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by ID.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, prompt_version_id, input, output, model, latency_ms,
			tokens_in, tokens_out, status, failure_reason,
			created_at, started_at, completed_at
		FROM runs WHERE id = $1`

	var run Run
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.PromptVersionID, &run.Input, &run.Output, &run.Model,
		&run.LatencyMS, &run.TokensIn, &run.TokensOut,
		&run.Status, &run.FailureReason,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}
	return &run, nil
}

// MarkRunRunning claims a pending run for execution. The pending->running
// transition commits before any external call is made, so a crash after
// this point leaves the run observably running (and reclaimable via
// StaleRunning). Returns ErrStaleTransition if the run is not pending.
func (db *DB) MarkRunRunning(ctx context.Context, id string, startedAt time.Time) error {
	query := `
		UPDATE runs SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4`

	tag, err := db.pool.Exec(ctx, query, id, RunStatusRunning, startedAt, RunStatusPending)
	if err != nil {
		return fmt.Errorf("marking run %s running: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not pending: %w", id, ErrStaleTransition)
	}
	return nil
}

// RunCompletion carries every field that becomes non-null when a run
// completes. They are written in one transaction together with the
// CostLog row, so a completed run always has all of them.
type RunCompletion struct {
	Input     string
	Output    string
	LatencyMS int64
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

// CompleteRun transitions a running run to completed and creates its
// CostLog row atomically. Guarded on status=running: re-delivery of an
// already-completed run changes nothing and creates no duplicate CostLog.
func (db *DB) CompleteRun(ctx context.Context, id string, c RunCompletion) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning completion tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	query := `
		UPDATE runs SET status = $2, input = $3, output = $4,
			latency_ms = $5, tokens_in = $6, tokens_out = $7, completed_at = $8
		WHERE id = $1 AND status = $9`

	tag, err := tx.Exec(ctx, query, id, RunStatusCompleted,
		c.Input, c.Output, c.LatencyMS, c.TokensIn, c.TokensOut, now,
		RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not running: %w", id, ErrStaleTransition)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO cost_logs (id, run_id, cost_usd, created_at)
		VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), id, c.CostUSD, now,
	)
	if err != nil {
		return fmt.Errorf("inserting cost log for run %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing completion of run %s: %w", id, err)
	}
	return nil
}

// FailRun transitions a run to failed with a short reason. No output
// fields are set. Already-terminal runs are left untouched.
func (db *DB) FailRun(ctx context.Context, id, reason string) error {
	query := `
		UPDATE runs SET status = $2, failure_reason = $3, completed_at = $4
		WHERE id = $1 AND status IN ($5, $6)`

	tag, err := db.pool.Exec(ctx, query, id, RunStatusFailed,
		truncateForDB(reason, 1024), time.Now(),
		RunStatusPending, RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failing run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s already terminal: %w", id, ErrStaleTransition)
	}
	return nil
}

// GetRunCost returns the cost log for a completed run, or ErrNotFound.
func (db *DB) GetRunCost(ctx context.Context, runID string) (*CostLog, error) {
	query := `SELECT id, run_id, cost_usd, created_at FROM cost_logs WHERE run_id = $1`

	var cl CostLog
	err := db.pool.QueryRow(ctx, query, runID).Scan(&cl.ID, &cl.RunID, &cl.CostUSD, &cl.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("cost log for run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("querying cost log for run %s: %w", runID, err)
	}
	return &cl, nil
}

// ListRuns queries runs with optional filters, newest first.
func (db *DB) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `
		SELECT id, prompt_version_id, model, latency_ms, tokens_in, tokens_out,
			status, failure_reason, created_at, started_at, completed_at
		FROM runs
		WHERE ($1 = '' OR prompt_version_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.PromptVersionID, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID, &run.PromptVersionID, &run.Model,
			&run.LatencyMS, &run.TokensIn, &run.TokensOut,
			&run.Status, &run.FailureReason,
			&run.CreatedAt, &run.StartedAt, &run.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		results = append(results, run)
	}

	return results, rows.Err()
}

// StaleRunning returns runs stuck in running longer than maxAge. It backs
// the external reconciliation sweep; the core never reclaims runs itself.
func (db *DB) StaleRunning(ctx context.Context, maxAge time.Duration) ([]Run, error) {
	query := `
		SELECT id, prompt_version_id, model, status, created_at, started_at
		FROM runs
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC`

	rows, err := db.pool.Query(ctx, query, RunStatusRunning, time.Now().Add(-maxAge))
	if err != nil {
		return nil, fmt.Errorf("querying stale runs: %w", err)
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID, &run.PromptVersionID, &run.Model,
			&run.Status, &run.CreatedAt, &run.StartedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning stale run row: %w", err)
		}
		results = append(results, run)
	}
	return results, rows.Err()
}

// LogRunEvent inserts one lifecycle audit event.
func (db *DB) LogRunEvent(ctx context.Context, ev *RunEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO run_events (id, run_id, from_status, to_status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := db.pool.Exec(ctx, query,
		ev.ID, ev.RunID, ev.FromStatus, ev.ToStatus,
		truncateForDB(ev.Reason, 1024), ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run event: %w", err)
	}
	return nil
}

// ListRunEvents returns the audit trail for one run, oldest first.
func (db *DB) ListRunEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	query := `
		SELECT id, run_id, from_status, to_status, reason, created_at
		FROM run_events WHERE run_id = $1 ORDER BY created_at ASC`

	rows, err := db.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("querying run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var ev RunEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.FromStatus, &ev.ToStatus, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning run event row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

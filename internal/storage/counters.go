package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// IncrCounter atomically increments a windowed admission counter and
// returns the new count. The expiry is set on first increment only, so
// every key lives exactly one window. A single upsert statement keeps
// increment-and-check atomic across all workers sharing the database.
func (db *DB) IncrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	query := `
		INSERT INTO rate_counters (key, count, expires_at)
		VALUES ($1, 1, now() + $2)
		ON CONFLICT (key) DO UPDATE SET count = rate_counters.count + 1
		RETURNING count`

	var count int64
	if err := db.pool.QueryRow(ctx, query, key, ttl).Scan(&count); err != nil {
		return 0, fmt.Errorf("incrementing counter %s: %w", key, err)
	}
	return count, nil
}

// SweepCounters deletes expired admission counters. Run periodically;
// missing a sweep only leaves dead rows, never wrong counts, because
// bucket keys embed the window index.
func (db *DB) SweepCounters(ctx context.Context) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM rate_counters WHERE expires_at < now()`)
	if err != nil {
		return fmt.Errorf("sweeping counters: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		log.Debug().Int64("removed", n).Msg("swept expired rate counters")
	}
	return nil
}

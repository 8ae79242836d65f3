package executor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"prompt-ops/internal/storage"
)

// ReclaimStore is the slice of the store the reclaimer needs.
type ReclaimStore interface {
	StaleRunning(ctx context.Context, maxAge time.Duration) ([]storage.Run, error)
	FailRun(ctx context.Context, id, reason string) error
	SweepCounters(ctx context.Context) error
}

// Reclaimer fails runs stuck in running long past any plausible
// execution, which happens when a worker dies between claiming a run
// and committing its terminal state. It also sweeps expired rate
// counter rows while it is up.
type Reclaimer struct {
	store    ReclaimStore
	maxAge   time.Duration
	interval time.Duration
}

// NewReclaimer creates a reclaimer. maxAge should comfortably exceed
// the longest possible run (call timeout times max attempts plus
// backoff) so only orphans are swept.
func NewReclaimer(store ReclaimStore, maxAge, interval time.Duration) *Reclaimer {
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reclaimer{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (r *Reclaimer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

func (r *Reclaimer) sweep(ctx context.Context) {
	stale, err := r.store.StaleRunning(ctx, r.maxAge)
	if err != nil {
		log.Error().Err(err).Msg("stale run query failed")
		return
	}

	for i := range stale {
		run := &stale[i]
		err := r.store.FailRun(ctx, run.ID, "reclaimed: worker lost before terminal state")
		if err != nil {
			// ErrStaleTransition means the owning worker finished after
			// all; anything else is worth a log line.
			if !errors.Is(err, storage.ErrStaleTransition) {
				log.Error().Err(err).Str("run_id", run.ID).Msg("could not reclaim run")
			}
			continue
		}
		log.Warn().
			Str("run_id", run.ID).
			Time("started_at", startedOrCreated(run)).
			Msg("reclaimed orphaned run")
	}

	if err := r.store.SweepCounters(ctx); err != nil {
		log.Error().Err(err).Msg("rate counter sweep failed")
	}
}

func startedOrCreated(run *storage.Run) time.Time {
	if run.StartedAt != nil {
		return *run.StartedAt
	}
	return run.CreatedAt
}

// Package ratelimit implements fixed-window admission control per caller
// identity. The window is approximated by counting buckets keyed on
// (identity, floor(now/window)); counts are incremented atomically in the
// backing store so all workers share one quota.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// CounterStore is the shared counting backend. Incr atomically increments
// the counter for key, creating it with the given TTL when absent, and
// returns the count after the increment.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// CounterStoreFunc adapts an increment function to CounterStore.
type CounterStoreFunc func(ctx context.Context, key string, ttl time.Duration) (int64, error)

func (f CounterStoreFunc) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return f(ctx, key, ttl)
}

// Limiter admits or denies requests per identity within a fixed window.
type Limiter struct {
	store    CounterStore
	window   time.Duration
	capacity int64
	now      func() time.Time
}

// New creates a limiter with the given window and per-window capacity.
func New(store CounterStore, window time.Duration, capacity int64) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if capacity < 1 {
		capacity = 60
	}
	return &Limiter{
		store:    store,
		window:   window,
		capacity: capacity,
		now:      time.Now,
	}
}

// Admit reports whether the request for identity is within quota.
// Counter backend failures admit the request: availability of the
// pipeline takes priority over strict quota enforcement when the quota
// store itself is down.
func (l *Limiter) Admit(ctx context.Context, identity string) bool {
	bucket := l.now().Unix() / int64(l.window.Seconds())
	key := fmt.Sprintf("rate:%s:%d", identity, bucket)

	count, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		log.Warn().Err(err).Msg("rate counter backend unavailable, admitting")
		return true
	}

	return count <= l.capacity
}

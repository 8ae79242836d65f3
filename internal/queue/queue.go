// Package queue hands work from the API surface to the executors
// without blocking the caller. Delivery is at-least-once: consumers are
// idempotent with respect to re-delivery, the queue never dedups.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Kind identifies the consumer a job is dispatched to.
type Kind string

const (
	KindRunExecution        Kind = "run-execution"
	KindExperimentExecution Kind = "experiment-execution"
)

// ParseKind validates a job kind from the API surface.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRunExecution, KindExperimentExecution:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

var (
	// ErrQueueFull is returned by Submit when the buffer is saturated.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrUnknownKind is returned when no handler is registered for a kind.
	ErrUnknownKind = errors.New("no handler for job kind")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("dispatch queue stopped")
)

// Job is one unit of work. Key is the durable record's ID, so the job
// handle (kind, key) stays pollable against the store regardless of
// what happens to this process.
type Job struct {
	Kind    Kind
	Key     string
	Payload json.RawMessage
}

// Handler consumes one job. Returned errors are logged; the handler is
// responsible for recording the terminal outcome durably before failing.
type Handler func(ctx context.Context, job Job) error

// Queue is an in-process dispatch queue with a fixed worker pool.
type Queue struct {
	ch      chan Job
	workers int

	mu       sync.Mutex
	handlers map[Kind]Handler
	stopped  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a queue with the given worker count and buffer size.
func New(workers, buffer int) *Queue {
	if workers < 1 {
		workers = 4
	}
	if buffer < 1 {
		buffer = 1024
	}
	return &Queue{
		ch:       make(chan Job, buffer),
		workers:  workers,
		handlers: make(map[Kind]Handler),
		done:     make(chan struct{}),
	}
}

// Register installs the handler for a job kind. Must be called before Start.
func (q *Queue) Register(kind Kind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Submit enqueues a job without blocking. Callers get ErrQueueFull when
// the buffer is saturated and should surface backpressure upstream.
func (q *Queue) Submit(job Job) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	if _, ok := q.handlers[job.Kind]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}
	q.mu.Unlock()

	select {
	case q.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth returns the number of jobs waiting for a worker.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			q.workerLoop(ctx, worker)
		}(i)
	}

	log.Info().Int("workers", q.workers).Int("buffer", cap(q.ch)).Msg("dispatch queue started")
}

// Stop refuses new submissions, drains queued jobs and waits for
// in-flight handlers, bounded by ctx.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.done)

	doneCh := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("dispatch queue drained")
	case <-ctx.Done():
		log.Warn().Int("pending", len(q.ch)).Msg("dispatch queue stop timed out")
	}
}

func (q *Queue) workerLoop(ctx context.Context, worker int) {
	for {
		select {
		case job := <-q.ch:
			q.dispatch(ctx, job)
		case <-q.done:
			// Drain remaining jobs so accepted work still reaches a
			// terminal state.
			for {
				select {
				case job := <-q.ch:
					q.dispatch(ctx, job)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, job Job) {
	q.mu.Lock()
	h := q.handlers[job.Kind]
	q.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("kind", string(job.Kind)).
				Str("key", job.Key).
				Msg("job handler panicked")
		}
	}()

	if err := h(ctx, job); err != nil {
		log.Error().
			Err(err).
			Str("kind", string(job.Kind)).
			Str("key", job.Key).
			Msg("job handler failed")
	}
}

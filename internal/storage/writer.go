package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventWriter persists run lifecycle events without blocking the worker
// that produced them. Events are observability data: under backpressure
// they are dropped, never allowed to stall a state transition.
type EventWriter struct {
	db   *DB
	ch   chan *RunEvent
	wg   sync.WaitGroup
	done chan struct{}
}

func NewEventWriter(db *DB, bufferSize int) *EventWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &EventWriter{
		db:   db,
		ch:   make(chan *RunEvent, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *EventWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record queues one transition event. Never blocks.
func (w *EventWriter) Record(ev *RunEvent) {
	select {
	case w.ch <- ev:
	default:
		log.Warn().Str("run_id", ev.RunID).Msg("event buffer full, dropping run event")
	}
}

// Flush drains queued events and stops the writer.
func (w *EventWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("event writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("event writer flush timed out")
	}
}

func (w *EventWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case ev := <-w.ch:
			w.writeWithRetry(ev)
		case <-w.done:
			// Drain remaining events
			for {
				select {
				case ev := <-w.ch:
					w.writeWithRetry(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *EventWriter) writeWithRetry(ev *RunEvent) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.LogRunEvent(ctx, ev)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("run_id", ev.RunID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("event write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("run_id", ev.RunID).
				Msg("event write failed permanently after retries")
		}
	}
}

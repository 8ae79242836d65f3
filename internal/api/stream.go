package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"prompt-ops/internal/storage"
)

// SSEWriter implements io.Writer and flushes each write as a Server-Sent Event.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	event   string
	mu      sync.Mutex
}

// NewSSEWriter creates an SSE writer for the given event type.
// Returns nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter, event string) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{
		w:       w,
		flusher: flusher,
		event:   event,
	}
}

// Write sends data as an SSE event and flushes immediately.
func (s *SSEWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}

	// SSE requires each line of a multi-line payload to have its own
	// "data:" prefix. Without this, a newline in the payload breaks the
	// event boundary and could inject fake events.
	lines := strings.Split(string(p), "\n")
	fmt.Fprintf(s.w, "event: %s\n", s.event)
	for _, line := range lines {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}

// watchPollInterval is how often the watch endpoint re-reads the run.
const watchPollInterval = time.Second

// HandleWatchRun streams a run's status transitions as Server-Sent
// Events until the run reaches a terminal state or the client goes away.
func (h *Handlers) HandleWatchRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	run, err := h.db.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	statusWriter := NewSSEWriter(w, "status")
	if statusWriter == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	sendStatus := func(run *storage.Run) {
		payload, _ := json.Marshal(map[string]string{
			"run_id": run.ID,
			"status": run.Status,
		})
		statusWriter.Write(payload) //nolint:errcheck
	}

	sendStatus(run)
	if run.Terminal() {
		sendSSEDone(w, run)
		return
	}
	lastStatus := run.Status

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		run, err := h.db.GetRun(r.Context(), id)
		if err != nil {
			sendSSEError(w, "run lookup failed")
			return
		}

		if run.Status != lastStatus {
			lastStatus = run.Status
			sendStatus(run)
		}

		if run.Terminal() {
			sendSSEDone(w, run)
			return
		}
	}
}

// sendSSEDone sends a completion event with the final run as JSON.
func sendSSEDone(w http.ResponseWriter, run *storage.Run) {
	if flusher, ok := w.(http.Flusher); ok {
		data, _ := json.Marshal(run)
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
		flusher.Flush()
	}
}

// sendSSEError sends an error event.
func sendSSEError(w http.ResponseWriter, errMsg string) {
	if flusher, ok := w.(http.Flusher); ok {
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", errMsg)
		flusher.Flush()
	}
}

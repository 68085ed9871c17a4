package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/galion-studio/snag/internal/orchestrator"
)

// streamJobEvents streams one job's events as server-sent events until
// the job goes terminal or the client disconnects. A job that already
// finished gets its final state replayed as a single event.
func (s *Server) streamJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.orch.Job(id); errors.Is(err, orchestrator.ErrUnknownJob) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.orch.Subscribe(id)
	defer cancel()

	// Re-read after subscribing: a terminal transition between the
	// lookup and the subscription would otherwise never arrive.
	job, err := s.orch.Job(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}

	sseHeaders(w)
	flusher.Flush()

	if job.State.Terminal() {
		writeEvent(w, orchestrator.Event{
			Type:  orchestrator.EventState,
			JobID: id,
			State: job.State,
			At:    job.UpdatedAt,
		})
		flusher.Flush()
		return
	}

	streamLoop(w, r, flusher, events)
}

// streamAllEvents streams every job's events until the client
// disconnects.
func (s *Server) streamAllEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.orch.Subscribe("")
	defer cancel()

	sseHeaders(w)
	flusher.Flush()
	streamLoop(w, r, flusher, events)
}

func streamLoop(w http.ResponseWriter, r *http.Request, flusher http.Flusher, events <-chan orchestrator.Event) {
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				// Terminal state reached; the broker closed us out.
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
		}
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, ev orchestrator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

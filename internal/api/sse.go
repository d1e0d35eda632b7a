package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/antigravity-dev/sidekick/internal/store"
)

const (
	ssePollInterval  = 500 * time.Millisecond
	sseBatchLimit    = 500
	downloadMaxLines = 5000
)

// GET /api/v1/runs/{id}/events — SSE stream of the run's event log.
// Resumes after Last-Event-ID (header or ?last_event_id); ?once=1 sends the
// current backlog and closes.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := s.store.GetRun(runID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	lastSeq := resumeSeq(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	once := r.URL.Query().Get("once") == "1"
	ticker := time.NewTicker(ssePollInterval)
	defer ticker.Stop()

	for {
		evs, err := s.store.ListEventsSince(runID, lastSeq, sseBatchLimit)
		if err != nil {
			s.logger.Error("event stream read failed", "run_id", runID, "error", err)
			return
		}
		for _, e := range evs {
			writeSSEFrame(w, e)
			lastSeq = e.Seq
		}
		if len(evs) > 0 {
			flusher.Flush()
		}
		if once {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// resumeSeq reads the resume point from the Last-Event-ID header or the
// last_event_id query parameter. The header wins.
func resumeSeq(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

func writeSSEFrame(w http.ResponseWriter, e *store.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)
}

// GET /api/v1/runs/{id}/events/download — the event log as NDJSON.
func (s *Server) handleEventsDownload(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := s.store.GetRun(runID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	evs, err := s.store.ListEvents(runID, downloadMaxLines)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+runID+"-events.ndjson"))
	enc := json.NewEncoder(w)
	for _, e := range evs {
		if err := enc.Encode(e); err != nil {
			return
		}
	}
}

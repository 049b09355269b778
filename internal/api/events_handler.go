package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/rollout/internal/events"
)

const sseKeepAlive = 15 * time.Second

// handleEvents streams hub events as server-sent events.
//
// Query parameters:
//
//	types  comma-separated event families, e.g. run,deploy (default all)
//	since  replay backlog events after this ID; Last-Event-ID takes precedence
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := events.ParseFilter(r.URL.Query().Get("types"))
	cursor := parseLastEventID(r.URL.Query().Get("since"))
	if h := r.Header.Get("Last-Event-ID"); h != "" {
		cursor = parseLastEventID(h)
	}

	// The subscription opens before the backlog is read; events seen twice
	// are dropped by ID below.
	live, unsubscribe := s.deps.Events.Subscribe(filter)
	defer unsubscribe()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, ev := range s.deps.Events.SnapshotSince(cursor, filter) {
		if writeSSE(w, ev) != nil {
			return
		}
		cursor = ev.ID
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case ev, open := <-live:
			if !open {
				return
			}
			if ev.ID <= cursor {
				continue
			}
			if writeSSE(w, ev) != nil {
				return
			}
			cursor = ev.ID
		}
		flusher.Flush()
	}
}

// parseLastEventID reads a non-negative event ID; anything else means 0.
func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE frames ev. Payloads are single-line JSON so one data line holds
// the whole event.
func writeSSE(w io.Writer, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}

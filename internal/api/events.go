package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/geoexec/internal/model"
)

// handleStreamStatus streams status snapshots of one execution as SSE "status"
// events and ends with a "done" event once it is terminal.
func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	ch, unsub := s.manager.Broker().Subscribe(st.ExecutionID)
	defer unsub()

	eventStreamsOpen.Inc()
	defer eventStreamsOpen.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if err := writeStatusEvent(w, st); err != nil {
		return
	}
	flush()
	if st.Phase.Terminal() {
		_ = writeSSEEvent(w, "done", string(st.Phase))
		flush()
		return
	}

	for {
		select {
		case next, ok := <-ch:
			if !ok {
				// The terminal snapshot may have been published before we
				// subscribed.
				if cur, err := s.manager.GetStatus(r.Context(), st.ExecutionID); err == nil && cur.Phase != st.Phase {
					st = cur
					_ = writeStatusEvent(w, st)
				}
				_ = writeSSEEvent(w, "done", string(st.Phase))
				flush()
				return
			}
			st = next
			if err := writeStatusEvent(w, st); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeStatusEvent(w http.ResponseWriter, st model.ExecutionStatus) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, "status", string(b))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

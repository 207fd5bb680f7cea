package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleStreamSubscribe serves a session's event feed over SSE. Retained
// events past the cursor are replayed first, then the live tail. The cursor
// comes from ?after= or the standard Last-Event-ID header on reconnect.
func (s *Server) handleStreamSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	session := r.URL.Query().Get("session")
	if session == "" {
		writeError(w, http.StatusBadRequest, errNotFound("session"))
		return
	}
	after := parseInt64(r.URL.Query().Get("after"), 0)
	if after == 0 {
		after = parseInt64(r.Header.Get("Last-Event-ID"), 0)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so nothing published in between is lost;
	// replayed ids filter the overlap.
	live, cancel := s.Hub.Subscribe(session)
	defer cancel()

	lastID := after
	for _, evt := range s.Hub.ListSince(session, after) {
		if err := writeSSE(w, evt.ID, evt); err != nil {
			return
		}
		lastID = evt.ID
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-live:
			if !ok {
				return
			}
			if evt.ID <= lastID {
				continue
			}
			if err := writeSSE(w, evt.ID, evt); err != nil {
				return
			}
			lastID = evt.ID
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, id int64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", id, data)
	return err
}

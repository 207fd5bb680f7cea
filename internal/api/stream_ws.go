package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/coworklabs/coworkd/internal/hub"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	if session == "" {
		writeError(w, http.StatusBadRequest, errNotFound("session"))
		return
	}
	after := parseInt64(r.URL.Query().Get("after"), 0)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := streamSessionEvents(ctx, s.Hub, session, after, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

// streamSessionEvents replays retained events past the cursor, then follows
// the live feed. Duplicate ids across the replay/live seam are filtered.
func streamSessionEvents(ctx context.Context, h *hub.Hub, session string, after int64, writer wsWriter) error {
	live, cancel := h.Subscribe(session)
	defer cancel()

	lastID := after
	for _, evt := range h.ListSince(session, after) {
		if err := writeWSEvent(ctx, writer, evt); err != nil {
			return err
		}
		lastID = evt.ID
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-live:
			if !ok {
				return nil
			}
			if evt.ID <= lastID {
				continue
			}
			if err := writeWSEvent(ctx, writer, evt); err != nil {
				return err
			}
			lastID = evt.ID
		}
	}
}

func writeWSEvent(ctx context.Context, writer wsWriter, evt hub.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return writer.Write(ctx, websocket.MessageText, payload)
}

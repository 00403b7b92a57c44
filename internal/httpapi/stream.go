package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Stream is the Server-Sent Events endpoint. The handshake carries the token;
// on success a session is established for the lifetime of the connection and
// the first frame announces its id, which the client echoes back on
// session-scoped calls. Disconnect tears the session down.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	token, err := tokenFromRequest(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s, err := a.sessions.Authenticate(r.Context(), token)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	defer a.sessions.Terminate(s.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// First frame: the session handle for REST calls on this stream.
	writeSSE(w, "session", 0, map[string]any{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"role":       s.Role,
	})
	flusher.Flush()

	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// Comment frame keeps intermediaries from idle-closing.
			_, _ = fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-s.Events():
			if !open {
				// Terminated server-side (lost-session teardown or revocation
				// of the whole session).
				return
			}
			writeSSE(w, ev.Kind, ev.Seq, ev)
			flusher.Flush()
		}
	}
}

// writeSSE emits one event frame. Record events carry the track sequence as
// the SSE id so clients can resume with resync after a reconnect.
func writeSSE(w http.ResponseWriter, kind string, seq uint64, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, payload)
}

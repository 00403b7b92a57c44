package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"pulseboard.org/internal/audit"
	"pulseboard.org/internal/auth"
	"pulseboard.org/internal/fanout"
	"pulseboard.org/internal/obs"
	"pulseboard.org/internal/record"
	"pulseboard.org/internal/room"
	"pulseboard.org/internal/session"
)

// ReadyProbe reports readiness; with a DSN configured it pings the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer: REST endpoints plus the SSE event stream.
type API struct {
	mux        *http.ServeMux
	sessions   *session.Manager
	rooms      *room.Registry
	records    *record.Coordinator
	fanout     *fanout.Engine
	audit      *audit.Recorder
	grants     GrantStore
	readyProbe ReadyProbe
	version    string

	heartbeat time.Duration
}

func New(sessions *session.Manager, rooms *room.Registry, records *record.Coordinator, engine *fanout.Engine, rec *audit.Recorder, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		sessions:   sessions,
		rooms:      rooms,
		records:    records,
		fanout:     engine,
		audit:      rec,
		readyProbe: rp,
		version:    version,
		heartbeat:  15 * time.Second,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// event stream + domain resources
	a.mux.HandleFunc("/v1/stream", a.Stream)
	a.mux.HandleFunc("/v1/tracks/", a.handleTracks)
	a.mux.HandleFunc("/v1/notifications", a.handleNotificationsCollection)
	a.mux.HandleFunc("/v1/notifications/", a.handleNotificationResource)
	a.mux.HandleFunc("/v1/audit", a.handleAudit)
	a.mux.HandleFunc("/v1/grants/", a.handleGrants)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 50, 25)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "pulseboard-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     "pulseboard-api",
		"time":     time.Now().UTC().Format(time.RFC3339),
		"version":  a.version,
		"sessions": a.sessions.Count(),
	})
}

// sessionFromRequest resolves the live session named by the X-Pulseboard-Session
// header and verifies it belongs to the authenticated user.
func (a *API) sessionFromRequest(r *http.Request) (*session.Session, error) {
	id := strings.TrimSpace(r.Header.Get("X-Pulseboard-Session"))
	if id == "" {
		return nil, errors.New("X-Pulseboard-Session header is required")
	}
	s, ok := a.sessions.Get(id)
	if !ok {
		return nil, errors.New("unknown or expired session")
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	if s.UserID != userID {
		return nil, errors.New("session does not belong to caller")
	}
	return s, nil
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// handleDomainError maps sentinel errors to HTTP status codes.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrAuthenticationFailed):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrSubscriptionDenied):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, record.ErrVersionConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, record.ErrResyncRequired):
		writeError(w, r, http.StatusGone, err.Error())
	case errors.Is(err, record.ErrNotFound), errors.Is(err, fanout.ErrNotFound), errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, record.ErrInvalidInput), errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

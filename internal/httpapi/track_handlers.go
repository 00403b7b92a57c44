package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pulseboard.org/internal/event"
)

type createRecordRequest struct {
	Data json.RawMessage `json:"data"`
}

type mutateRecordRequest struct {
	BaseVersion int64           `json:"base_version"`
	Change      json.RawMessage `json:"change"`
}

type deleteRecordRequest struct {
	BaseVersion int64 `json:"base_version"`
}

type resyncResponse struct {
	Items []event.Event `json:"items"`
	AsOf  time.Time     `json:"as_of"`
}

// handleTracks routes /v1/tracks/{id}/... by hand.
func (a *API) handleTracks(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tracks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	trackID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "join":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.joinTrack(w, r, trackID)
	case len(parts) == 2 && parts[1] == "leave":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.leaveTrack(w, r, trackID)
	case len(parts) == 2 && parts[1] == "resync":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.resyncTrack(w, r, trackID)
	case len(parts) == 2 && parts[1] == "records":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.createRecord(w, r, trackID)
	case len(parts) == 3 && parts[1] == "records":
		a.handleRecordResource(w, r, trackID, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRecordResource(w http.ResponseWriter, r *http.Request, trackID, recordID string) {
	switch r.Method {
	case http.MethodGet:
		a.getRecord(w, r, trackID, recordID)
	case http.MethodPost:
		a.mutateRecord(w, r, trackID, recordID)
	case http.MethodDelete:
		a.deleteRecord(w, r, trackID, recordID)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) joinTrack(w http.ResponseWriter, r *http.Request, trackID string) {
	s, err := a.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.rooms.Join(s, trackID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"track_id": trackID,
		"joined":   true,
	})
}

func (a *API) leaveTrack(w http.ResponseWriter, r *http.Request, trackID string) {
	s, err := a.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	a.rooms.Leave(s, trackID)
	writeJSON(w, http.StatusOK, map[string]any{
		"track_id": trackID,
		"joined":   false,
	})
}

func (a *API) resyncTrack(w http.ResponseWriter, r *http.Request, trackID string) {
	s, err := a.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	var after uint64
	if afterParam != "" {
		v, err := strconv.ParseUint(afterParam, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, err := a.fanout.Resync(r.Context(), s, trackID, after)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []event.Event{}
	}
	writeJSON(w, http.StatusOK, resyncResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) createRecord(w http.ResponseWriter, r *http.Request, trackID string) {
	s, err := a.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req createRecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Data) == 0 {
		writeError(w, r, http.StatusBadRequest, "data is required")
		return
	}

	ev, err := a.records.Create(r.Context(), s, trackID, req.Data)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/tracks/"+trackID+"/records/"+ev.EntityID)
	writeJSON(w, http.StatusCreated, ev)
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request, trackID, recordID string) {
	s, err := a.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	rec, err := a.records.Get(r.Context(), s, trackID, recordID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) mutateRecord(w http.ResponseWriter, r *http.Request, trackID, recordID string) {
	s, err := a.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req mutateRecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.BaseVersion < 1 {
		writeError(w, r, http.StatusBadRequest, "base_version must be >= 1")
		return
	}
	if len(req.Change) == 0 {
		writeError(w, r, http.StatusBadRequest, "change is required")
		return
	}

	ev, err := a.records.Apply(r.Context(), s, trackID, recordID, req.BaseVersion, req.Change)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (a *API) deleteRecord(w http.ResponseWriter, r *http.Request, trackID, recordID string) {
	s, err := a.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req deleteRecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.BaseVersion < 1 {
		writeError(w, r, http.StatusBadRequest, "base_version must be >= 1")
		return
	}

	ev, err := a.records.Delete(r.Context(), s, trackID, recordID, req.BaseVersion)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

package httpapi

import (
	"net/http"
	"strings"
	"time"

	"pulseboard.org/internal/audit"
	"pulseboard.org/internal/auth"
)

type auditResponse struct {
	Items []audit.Entry `json:"items"`
	AsOf  time.Time     `json:"as_of"`
}

// handleAudit serves the operator audit query. Admin only.
func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !auth.HasRole(r.Context(), auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "insufficient role")
		return
	}

	f := audit.Filter{
		TrackID: strings.TrimSpace(r.URL.Query().Get("track")),
	}
	if entity := strings.TrimSpace(r.URL.Query().Get("entity")); entity != "" {
		// entity is "type" or "type/id"
		if i := strings.IndexByte(entity, '/'); i >= 0 {
			f.EntityType = entity[:i]
			f.EntityID = entity[i+1:]
		} else {
			f.EntityType = entity
		}
	}
	var err error
	if f.From, err = parseTimeParam(r.URL.Query().Get("from")); err != nil {
		writeError(w, r, http.StatusBadRequest, "from must be RFC 3339")
		return
	}
	if f.To, err = parseTimeParam(r.URL.Query().Get("to")); err != nil {
		writeError(w, r, http.StatusBadRequest, "to must be RFC 3339")
		return
	}

	items, err := a.audit.Query(r.Context(), f)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"pulseboard.org/internal/audit"
	"pulseboard.org/internal/auth"
)

// GrantStore is the writable grant surface for operator endpoints. The
// in-process mirror implements it; a real identity integration would too.
type GrantStore interface {
	Grants(ctx context.Context, userID string) (auth.Grants, error)
	Grant(userID, trackID string, perms ...auth.Permission)
	Revoke(userID, trackID string)
}

type grantRequest struct {
	TrackID     string   `json:"track_id"`
	Permissions []string `json:"permissions"`
}

// SetGrantStore enables the /v1/grants endpoints.
func (a *API) SetGrantStore(store GrantStore) { a.grants = store }

// handleGrants routes /v1/grants/{userID}[/{trackID}]. Admin only; grant
// changes propagate to live sessions through the store's change hook.
func (a *API) handleGrants(w http.ResponseWriter, r *http.Request) {
	if a.grants == nil {
		writeError(w, r, http.StatusNotFound, "grant management disabled")
		return
	}
	if !auth.HasRole(r.Context(), auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "insufficient role")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/grants/"), "/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		switch r.Method {
		case http.MethodGet:
			a.getGrants(w, r, parts[0])
		case http.MethodPost:
			a.addGrant(w, r, parts[0])
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case len(parts) == 2:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.revokeGrant(w, r, parts[0], parts[1])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getGrants(w http.ResponseWriter, r *http.Request, userID string) {
	grants, err := a.grants.Grants(r.Context(), userID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	out := make(map[string][]string, len(grants))
	for trackID, set := range grants {
		perms := make([]string, 0, len(set))
		for p := range set {
			perms = append(perms, string(p))
		}
		out[trackID] = perms
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"grants":  out,
	})
}

func (a *API) addGrant(w http.ResponseWriter, r *http.Request, userID string) {
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.TrackID) == "" {
		writeError(w, r, http.StatusBadRequest, "track_id is required")
		return
	}
	if len(req.Permissions) == 0 {
		writeError(w, r, http.StatusBadRequest, "permissions are required")
		return
	}
	perms := make([]auth.Permission, 0, len(req.Permissions))
	for _, raw := range req.Permissions {
		p := auth.Permission(strings.ToLower(strings.TrimSpace(raw)))
		switch p {
		case auth.PermissionView, auth.PermissionEdit, auth.PermissionManage:
			perms = append(perms, p)
		default:
			writeError(w, r, http.StatusBadRequest, "unknown permission "+raw)
			return
		}
	}

	a.grants.Grant(userID, req.TrackID, perms...)
	actorID, _ := auth.UserIDFromContext(r.Context())
	_ = a.audit.Record(r.Context(), auditGrantEntry(userID, req.TrackID, actorID, "grant"))
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"track_id": req.TrackID,
		"granted":  req.Permissions,
	})
}

func (a *API) revokeGrant(w http.ResponseWriter, r *http.Request, userID, trackID string) {
	a.grants.Revoke(userID, trackID)
	actorID, _ := auth.UserIDFromContext(r.Context())
	_ = a.audit.Record(r.Context(), auditGrantEntry(userID, trackID, actorID, "revoke"))
	w.WriteHeader(http.StatusNoContent)
}

func auditGrantEntry(userID, trackID, actorID, action string) audit.Entry {
	after, _ := json.Marshal(map[string]string{
		"action":  action,
		"user_id": userID,
	})
	return audit.Entry{
		EntityType: "grant",
		EntityID:   userID,
		TrackID:    trackID,
		ActorID:    actorID,
		After:      after,
		OccurredAt: time.Now().UTC(),
	}
}

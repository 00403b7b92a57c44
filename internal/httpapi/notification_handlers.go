package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"pulseboard.org/internal/auth"
	"pulseboard.org/internal/fanout"
)

type sendNotificationRequest struct {
	UserID  string          `json:"user_id"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type listNotificationsResponse struct {
	Items []fanout.Notification `json:"items"`
	AsOf  time.Time             `json:"as_of"`
}

func (a *API) handleNotificationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listNotifications(w, r)
	case http.MethodPost:
		a.sendNotification(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleNotificationResource routes /v1/notifications/{...} by hand.
func (a *API) handleNotificationResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/notifications/"), "/")
	switch {
	case rest == "unread_count":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.unreadCount(w, r)
	case rest == "read_all":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.markAllRead(w, r)
	case strings.HasSuffix(rest, "/read"):
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.markRead(w, r, strings.TrimSuffix(rest, "/read"))
	case rest != "" && !strings.Contains(rest, "/"):
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.deleteNotification(w, r, rest)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	unreadOnly := r.URL.Query().Get("unread") == "true"

	items, err := a.fanout.List(r.Context(), userID, unreadOnly)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []fanout.Notification{}
	}
	writeJSON(w, http.StatusOK, listNotificationsResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

// sendNotification is the operator entry point for user-addressed
// notifications. Restricted to roles with implicit all-access.
func (a *API) sendNotification(w http.ResponseWriter, r *http.Request) {
	if !auth.HasRole(r.Context(), auth.RoleAdmin) && !auth.HasRole(r.Context(), auth.RoleProjectManager) {
		writeError(w, r, http.StatusForbidden, "insufficient role")
		return
	}

	var req sendNotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	n := fanout.Notification{ID: req.ID, Payload: req.Payload}
	if err := a.fanout.Notify(r.Context(), req.UserID, n); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
	})
}

func (a *API) unreadCount(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	count, err := a.fanout.UnreadCount(r.Context(), userID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unread": count,
	})
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request, id string) {
	userID, _ := auth.UserIDFromContext(r.Context())
	if err := a.fanout.MarkRead(r.Context(), userID, id); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":   id,
		"read": true,
	})
}

func (a *API) markAllRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	if err := a.fanout.MarkAllRead(r.Context(), userID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (a *API) deleteNotification(w http.ResponseWriter, r *http.Request, id string) {
	userID, _ := auth.UserIDFromContext(r.Context())
	if err := a.fanout.Delete(r.Context(), userID, id); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/treqd/treqd/internal/apierr"
	"github.com/treqd/treqd/internal/authn"
	"github.com/treqd/treqd/internal/service"
)

type createSessionRequest struct {
	Variables map[string]any `json:"variables"`
}

type sessionResponse struct {
	ID              string         `json:"id"`
	CreatedAt       string         `json:"createdAt"`
	LastUsedAt      string         `json:"lastUsedAt"`
	SnapshotVersion int64          `json:"snapshotVersion"`
	CookieCount     int            `json:"cookieCount"`
	Variables       map[string]any `json:"variables"`
}

func (h *handlers) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	ac := authn.FromContext(r.Context())
	if err := authn.DenyScript(ac); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	sess := h.app.Service.CreateSession(req.Variables)
	view, err := h.app.Service.GetSession(sess.ID)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionViewResponse(view))
}

func (h *handlers) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ac := authn.FromContext(r.Context())
	if err := authn.RequireSessionScope(ac, id); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	view, err := h.app.Service.GetSession(id)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionViewResponse(view))
}

type updateVariablesRequest struct {
	Variables map[string]any `json:"variables"`
	Mode      string         `json:"mode"`
}

func (h *handlers) handleUpdateSessionVariables(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ac := authn.FromContext(r.Context())
	if err := authn.RequireSessionScope(ac, id); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	var req updateVariablesRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	view, err := h.app.Service.UpdateSessionVariables(r.Context(), id, req.Variables, req.Mode)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionViewResponse(view))
}

func (h *handlers) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ac := authn.FromContext(r.Context())
	if err := authn.DenyScript(ac); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	if err := h.app.Service.DeleteSession(id); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sessionViewResponse(v *service.SessionView) sessionResponse {
	return sessionResponse{
		ID:              v.ID,
		CreatedAt:       v.CreatedAt.Format(time.RFC3339Nano),
		LastUsedAt:      v.LastUsedAt.Format(time.RFC3339Nano),
		SnapshotVersion: v.SnapshotVersion,
		CookieCount:     v.CookieCount,
		Variables:       v.Variables,
	}
}

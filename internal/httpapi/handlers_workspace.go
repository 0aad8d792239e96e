package httpapi

import (
	"net/http"
	"strings"

	"github.com/treqd/treqd/internal/apierr"
	"github.com/treqd/treqd/internal/authn"
)

func (h *handlers) handleWorkspaceFiles(w http.ResponseWriter, r *http.Request) {
	ac := authn.FromContext(r.Context())
	if err := authn.DenyScript(ac); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	var ignore []string
	if v := r.URL.Query().Get("ignore"); v != "" {
		ignore = strings.Split(v, ",")
	}
	files, err := h.app.Service.ListWorkspaceFiles(ignore)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (h *handlers) handleWorkspaceRequests(w http.ResponseWriter, r *http.Request) {
	ac := authn.FromContext(r.Context())
	if err := authn.DenyScript(ac); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	path := r.URL.Query().Get("path")
	requests, err := h.app.Service.ListWorkspaceRequests(path)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

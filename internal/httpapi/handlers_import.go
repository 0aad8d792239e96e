package httpapi

import (
	"net/http"

	"github.com/treqd/treqd/internal/apierr"
	"github.com/treqd/treqd/internal/authn"
)

// ImportedRequest is one request produced by converting a foreign
// collection format into the workspace's own.
type ImportedRequest struct {
	Name    string            `json:"name"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Importer converts a third-party collection format (Postman, cURL) into
// workspace requests. File-format importers are explicitly out of scope
// as a built-in implementation; this interface lets an operator plug one
// in without this package depending on any particular format.
type Importer interface {
	Preview(kind string, raw []byte) ([]ImportedRequest, error)
	Apply(kind string, raw []byte, destPath string) error
}

type importRequest struct {
	Raw      string `json:"raw"`
	DestPath string `json:"destPath"`
}

// handleImport backs POST /import/{kind}/preview and .../apply. With no
// Importer configured, both respond 501 — the format conversion itself is
// a pluggable collaborator, not part of this core.
func (h *handlers) handleImport(apply bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := authn.FromContext(r.Context())
		if err := authn.DenyScript(ac); err != nil {
			apierr.WriteJSON(w, err)
			return
		}
		if h.app.Importer == nil {
			apierr.WriteJSON(w, apierr.New(apierr.CodeImporterNotConfigured, "no importer is configured for this server"))
			return
		}
		kind := r.PathValue("kind")
		var req importRequest
		if err := decodeJSON(r, &req); err != nil {
			apierr.WriteJSON(w, err)
			return
		}
		if apply {
			if err := h.app.Importer.Apply(kind, []byte(req.Raw), req.DestPath); err != nil {
				apierr.WriteJSON(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		requests, err := h.app.Importer.Preview(kind, []byte(req.Raw))
		if err != nil {
			apierr.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
	}
}

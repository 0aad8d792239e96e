package httpapi

import "net/http"

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleCapabilities reports the feature set a client should gate on, per
// spec.md §6: whether history/artifact export/WS proxying are configured.
func (h *handlers) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"historyEnabled":   h.app.historyConfigured(),
		"exportEnabled":    h.app.exportConfigured(),
		"wsProxyEnabled":   h.app.WS != nil,
		"importersEnabled": h.app.Importer != nil,
	})
}

// handleDoc serves the OpenAPI document describing this surface. The
// document itself lives alongside the binary rather than being generated
// at request time, matching the teacher's static docs mount.
func (h *handlers) handleDoc(w http.ResponseWriter, r *http.Request) {
	if h.app.OpenAPIDoc == nil {
		http.Error(w, "no API document configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(h.app.OpenAPIDoc)
}

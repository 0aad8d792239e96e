package httpapi

import (
	"net/http"
	"time"

	"github.com/treqd/treqd/internal/apierr"
	"github.com/treqd/treqd/internal/authn"
	"github.com/treqd/treqd/internal/history"
)

type createFlowRequest struct {
	SessionID string `json:"sessionId"`
	Label     string `json:"label"`
}

func (h *handlers) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var req createFlowRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	ac := authn.FromContext(r.Context())
	if err := authn.DenyScript(ac); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	f := h.app.Service.CreateFlow(req.SessionID, req.Label)
	writeJSON(w, http.StatusCreated, f)
}

func (h *handlers) handleFinishFlow(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flowId")
	ac := authn.FromContext(r.Context())
	if err := authn.RequireFlowScope(ac, flowID); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	f, err := h.app.Service.FinishFlow(r.Context(), flowID)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *handlers) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flowId")
	reqExecID := r.PathValue("reqExecId")
	ac := authn.FromContext(r.Context())
	if err := authn.RequireFlowScope(ac, flowID); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	exec, err := h.app.Service.GetExecution(flowID, reqExecID)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type historyRecordResponse struct {
	ReqExecID    string `json:"reqExecId"`
	FlowID       string `json:"flowId"`
	SessionID    string `json:"sessionId,omitempty"`
	Label        string `json:"label,omitempty"`
	Method       string `json:"method"`
	URL          string `json:"url"`
	Status       string `json:"status"`
	StartedAt    string `json:"startedAt"`
	EndedAt      string `json:"endedAt"`
	DurationMs   int64  `json:"durationMs"`
	ErrorStage   string `json:"errorStage,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// handleFlowHistory backs the SPEC_FULL §6 supplement endpoint
// GET /flows/{flowId}/history, returning the persisted execution history
// for a flow when the history store is configured.
func (h *handlers) handleFlowHistory(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flowId")
	ac := authn.FromContext(r.Context())
	if err := authn.RequireFlowScope(ac, flowID); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	records, err := h.app.Service.GetFlowHistory(r.Context(), flowID)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	out := make([]historyRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, historyRecordResponseFrom(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

func historyRecordResponseFrom(rec history.Record) historyRecordResponse {
	return historyRecordResponse{
		ReqExecID:    rec.ReqExecID,
		FlowID:       rec.FlowID,
		SessionID:    rec.SessionID,
		Label:        rec.Label,
		Method:       rec.Method,
		URL:          rec.URL,
		Status:       rec.Status,
		StartedAt:    rec.StartedAt.Format(time.RFC3339Nano),
		EndedAt:      rec.EndedAt.Format(time.RFC3339Nano),
		DurationMs:   rec.DurationMs,
		ErrorStage:   rec.ErrorStage,
		ErrorMessage: rec.ErrorMessage,
	}
}

// handleExportFlow backs the SPEC_FULL §6 supplement endpoint
// POST /flows/{flowId}/export, uploading a finished flow's summary and
// executions via the configured artifact store.
func (h *handlers) handleExportFlow(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flowId")
	ac := authn.FromContext(r.Context())
	if err := authn.RequireFlowScope(ac, flowID); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	if err := authn.DenyScript(ac); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	location, err := h.app.Service.ExportFlow(r.Context(), flowID)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"location": location})
}

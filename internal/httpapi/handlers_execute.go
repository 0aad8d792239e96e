package httpapi

import (
	"net/http"
	"time"

	"github.com/treqd/treqd/internal/apierr"
	"github.com/treqd/treqd/internal/authn"
	"github.com/treqd/treqd/internal/diagnostics"
	"github.com/treqd/treqd/internal/service"
)

type parseRequest struct {
	Content            string `json:"content"`
	Path               string `json:"path"`
	IncludeDiagnostics bool   `json:"includeDiagnostics"`
}

type parseResponse struct {
	Requests    []service.ParsedRequest  `json:"requests"`
	Diagnostics []diagnostics.Diagnostic `json:"diagnostics,omitempty"`
}

func (h *handlers) handleParse(w http.ResponseWriter, r *http.Request) {
	var req parseRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	ac := authn.FromContext(r.Context())
	if err := authn.DenyScript(ac); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	res, err := h.app.Service.Parse(service.ParseInput{
		Content:            req.Content,
		Path:               req.Path,
		IncludeDiagnostics: req.IncludeDiagnostics,
	})
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parseResponse{Requests: res.Requests, Diagnostics: res.Diagnostics})
}

type executeRequest struct {
	Content         string         `json:"content"`
	Path            string         `json:"path"`
	RequestName     string         `json:"requestName"`
	RequestIndex    *int           `json:"requestIndex"`
	SessionID       string         `json:"sessionId"`
	FlowID          string         `json:"flowId"`
	ReqLabel        string         `json:"reqLabel"`
	Variables       map[string]any `json:"variables"`
	TimeoutMs       int            `json:"timeoutMs"`
	BasePath        string         `json:"basePath"`
	FollowRedirects bool           `json:"followRedirects"`
	ValidateSSL     bool           `json:"validateSsl"`
}

type executeResponse struct {
	RunID         string            `json:"runId"`
	ReqExecID     string            `json:"reqExecId,omitempty"`
	FlowID        string            `json:"flowId,omitempty"`
	SessionID     string            `json:"sessionId,omitempty"`
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	ResolvedPath  string            `json:"resolvedPath,omitempty"`
	RequestHeader map[string]string `json:"requestHeader,omitempty"`
	Status        int               `json:"status"`
	Headers       map[string][]string `json:"headers,omitempty"`
	Body          string            `json:"body"`
	BodyEncoding  string            `json:"bodyEncoding"`
	BodyBytes     int               `json:"bodyBytes"`
	Truncated     bool              `json:"truncated"`
	Session       *sessionDescriptorResponse `json:"session,omitempty"`
	StartedAt     string            `json:"startedAt"`
	EndedAt       string            `json:"endedAt"`
	DurationMs    int64             `json:"durationMs"`
	MaxBodyBytes  int64             `json:"maxBodyBytes"`
}

// sessionDescriptorResponse mirrors service.SessionDescriptor, the optional
// session summary spec.md §4.4 attaches to the execute envelope.
type sessionDescriptorResponse struct {
	ID              string `json:"id"`
	SnapshotVersion int64  `json:"snapshotVersion"`
	CookieCount     int    `json:"cookieCount"`
}

func sessionDescriptorFrom(d *service.SessionDescriptor) *sessionDescriptorResponse {
	if d == nil {
		return nil
	}
	return &sessionDescriptorResponse{
		ID:              d.ID,
		SnapshotVersion: d.SnapshotVersion,
		CookieCount:     d.CookieCount,
	}
}

func (h *handlers) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	ac := authn.FromContext(r.Context())
	if err := authn.RequireScope(ac, req.FlowID, req.SessionID); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	if h.app.ScriptTokenRL != nil && ac != nil && ac.Method == authn.MethodScript {
		// Script-driven executes are additionally rate limited per flow,
		// preventing a runaway script from hammering the engine.
		if !h.app.ScriptTokenRL.Allow(req.FlowID) {
			apierr.WriteJSON(w, apierr.New(apierr.CodeSessionLimitReached, "execute rate limit exceeded for this flow"))
			return
		}
	}

	res, err := h.app.Service.Execute(r.Context(), service.ExecuteInput{
		Content:         req.Content,
		Path:            req.Path,
		RequestName:     req.RequestName,
		RequestIndex:    req.RequestIndex,
		SessionID:       req.SessionID,
		FlowID:          req.FlowID,
		ReqLabel:        req.ReqLabel,
		Variables:       req.Variables,
		TimeoutMs:       req.TimeoutMs,
		BasePath:        req.BasePath,
		FollowRedirects: req.FollowRedirects,
		ValidateSSL:     req.ValidateSSL,
	})
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		RunID:         res.RunID,
		ReqExecID:     res.ReqExecID,
		FlowID:        res.FlowID,
		SessionID:     res.SessionID,
		Method:        res.Method,
		URL:           res.URL,
		ResolvedPath:  res.ResolvedPath,
		RequestHeader: res.RequestHeader,
		Status:        res.Status,
		Headers:       res.Headers,
		Body:          res.Body.Body,
		BodyEncoding:  string(res.Body.Encoding),
		BodyBytes:     res.Body.BodyBytes,
		Truncated:     res.Body.Truncated,
		Session:       sessionDescriptorFrom(res.Session),
		StartedAt:     res.StartedAt.Format(time.RFC3339Nano),
		EndedAt:       res.EndedAt.Format(time.RFC3339Nano),
		DurationMs:    res.DurationMs,
		MaxBodyBytes:  res.MaxBodyBytes,
	})
}

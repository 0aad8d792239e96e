package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/treqd/treqd/internal/apierr"
	"github.com/treqd/treqd/internal/artifact"
	"github.com/treqd/treqd/internal/bodypipeline"
	"github.com/treqd/treqd/internal/diagnostics"
	"github.com/treqd/treqd/internal/eventbus"
	"github.com/treqd/treqd/internal/flow"
	"github.com/treqd/treqd/internal/hooks"
	"github.com/treqd/treqd/internal/history"
	"github.com/treqd/treqd/internal/reqsession"
	"github.com/treqd/treqd/internal/workspace"
)

// Deps bundles every collaborator Service orchestrates. History and
// Artifacts are optional (§10/§11 of the expanded design); everything
// else is required.
type Deps struct {
	Workspace    *workspace.Root
	Sessions     *reqsession.Store
	Flows        *flow.Store
	Bus          *eventbus.Bus
	Hooks        *hooks.Registry
	Parser       Parser
	Engine       Engine
	History      *history.Store    // nil disables execution history
	Artifacts    *artifact.Exporter // nil disables flow export
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Service is the orchestration facade of spec.md §4.4.
type Service struct {
	workspace    *workspace.Root
	sessions     *reqsession.Store
	flows        *flow.Store
	bus          *eventbus.Bus
	hooks        *hooks.Registry
	parser       Parser
	engine       Engine
	history      *history.Store
	artifacts    *artifact.Exporter
	maxBodyBytes int64
	log          *slog.Logger
}

func New(d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	maxBody := d.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 * 1024 * 1024
	}
	return &Service{
		workspace:    d.Workspace,
		sessions:     d.Sessions,
		flows:        d.Flows,
		bus:          d.Bus,
		hooks:        d.Hooks,
		parser:       d.Parser,
		engine:       d.Engine,
		history:      d.History,
		artifacts:    d.Artifacts,
		maxBodyBytes: maxBody,
		log:          log,
	}
}

// HistoryConfigured reports whether execution history recording is enabled.
func (s *Service) HistoryConfigured() bool {
	return s.history != nil
}

// ExportConfigured reports whether flow artifact export is enabled.
func (s *Service) ExportConfigured() bool {
	return s.artifacts != nil
}

// Close stops the session TTL sweeper and closes every event-bus
// subscriber, per SPEC_FULL §5's shutdown sequence.
func (s *Service) Close() {
	s.sessions.Close()
	s.bus.CloseAll()
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.log.Error("service: close history store", "error", err)
		}
	}
}

// ExecuteInput is Service.Execute's parameter bundle, per spec.md §4.4.
type ExecuteInput struct {
	Content         string
	Path            string
	RequestName     string
	RequestIndex    *int
	SessionID       string
	FlowID          string
	ReqLabel        string
	Variables       map[string]any
	TimeoutMs       int
	BasePath        string
	FollowRedirects bool
	ValidateSSL     bool
}

// ExecuteResult is the execute envelope returned by spec.md §4.4.
type ExecuteResult struct {
	RunID         string
	ReqExecID     string
	FlowID        string
	SessionID     string
	Method        string
	URL           string
	ResolvedPath  string
	RequestHeader map[string]string
	Status        int
	Headers       map[string][]string
	Body          bodypipeline.Body
	Session       *SessionDescriptor
	StartedAt     time.Time
	EndedAt       time.Time
	DurationMs    int64
	MaxBodyBytes  int64
}

// SessionDescriptor is the optional session summary attached to an execute
// response (spec.md §4.4's output envelope) when the execute was scoped to
// a session.
type SessionDescriptor struct {
	ID              string
	SnapshotVersion int64
	CookieCount     int
}

// Execute runs one parsed request end to end, following spec.md §4.4's
// numbered steps precisely.
func (s *Service) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	if in.Content == "" && in.Path == "" {
		return nil, apierr.New(apierr.CodeContentOrPathRequired, "exactly one of content or path is required")
	}
	if in.Content != "" && in.Path != "" {
		return nil, apierr.New(apierr.CodeContentOrPathRequired, "exactly one of content or path is required")
	}

	// Step 1: path safety.
	text := in.Content
	resolvedPath := ""
	if in.Path != "" {
		abs, err := s.workspace.SafeJoin(in.Path)
		if err != nil {
			return nil, err
		}
		resolvedPath = abs
		raw, err := os.ReadFile(abs)
		if err != nil {
			return nil, apierr.New(apierr.CodeFileNotFound, fmt.Sprintf("file not found: %s", in.Path))
		}
		text = string(raw)
	}
	if in.BasePath != "" {
		if _, err := s.workspace.SafeJoin(in.BasePath); err != nil {
			return nil, err
		}
	}

	// Step 2: parse.
	requests, err := s.parser.Parse(text)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeParseError, err)
	}
	if len(requests) == 0 {
		return nil, apierr.New(apierr.CodeNoRequestsFound, "no requests found in source")
	}

	// Step 3: request selection.
	req, err := selectRequest(requests, in.RequestName, in.RequestIndex)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	startedAt := time.Now().UTC()

	result := &ExecuteResult{
		RunID:         runID,
		FlowID:        in.FlowID,
		SessionID:     in.SessionID,
		Method:        req.Method,
		URL:           req.URL,
		ResolvedPath:  resolvedPath,
		RequestHeader: req.Headers,
		StartedAt:     startedAt,
		MaxBodyBytes:  s.maxBodyBytes,
	}

	run := func(sess *reqsession.Session) error {
		return s.runOnce(ctx, in, req, runID, sess, result)
	}

	// Step 4: session lock, if sessionId given.
	var runErr error
	if in.SessionID != "" {
		runErr = s.sessions.WithLock(ctx, in.SessionID, run)
	} else {
		runErr = run(nil)
	}

	result.EndedAt = time.Now().UTC()
	result.DurationMs = result.EndedAt.Sub(result.StartedAt).Milliseconds()

	// Step 9: attach to flow, win or lose, so failed attempts remain
	// visible in the flow's execution list.
	if in.FlowID != "" {
		exec := &flow.Execution{
			ReqExecID:  uuid.NewString(),
			Label:      in.ReqLabel,
			Method:     req.Method,
			URL:        result.URL,
			Status:     statusFor(result, runErr),
			StartedAt:  result.StartedAt,
			EndedAt:    result.EndedAt,
			DurationMs: result.DurationMs,
			RecordedAt: time.Now().UTC(),
		}
		if runErr != nil {
			stage := "execute"
			if apiErr, ok := apierr.As(runErr); ok {
				stage = string(apiErr.Code)
			}
			exec.Error = &flow.ExecutionError{Stage: stage, Message: runErr.Error()}
		}
		if err := s.flows.AttachExecution(in.FlowID, exec); err != nil && runErr == nil {
			return nil, err
		}
		result.ReqExecID = exec.ReqExecID
	}

	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

func statusFor(r *ExecuteResult, runErr error) flow.Status {
	if runErr != nil {
		return flow.StatusFailed
	}
	if r.Status >= 200 && r.Status < 400 {
		return flow.StatusSuccess
	}
	return flow.StatusFailed
}

// runOnce performs steps 5-8 of Execute, invoked either directly or under
// the session lock.
func (s *Service) runOnce(ctx context.Context, in ExecuteInput, req ParsedRequest, runID string, sess *reqsession.Session, result *ExecuteResult) error {
	// Step 5: merge variables, request wins.
	vars := map[string]any{}
	if sess != nil {
		for k, v := range sess.Variables() {
			vars[k] = v
		}
	}
	for k, v := range in.Variables {
		vars[k] = v
	}

	var cookieJar *reqsession.CookieJar
	if sess != nil {
		cookieJar = sess.CookieJar()
	}

	s.hooks.Run(ctx, hooks.PointRequestBefore, &hooks.RequestContext{
		SessionID: in.SessionID,
		FlowID:    in.FlowID,
		Method:    req.Method,
		URL:       req.URL,
		Headers:   req.Headers,
	})

	cookiesChanged := false
	cs := &sessionCookieStore{jar: cookieJar, changed: &cookiesChanged}

	runner := s.engine.CreateEngine(EngineOptions{
		CookieStore: cs,
		OnEvent: func(ev EngineEvent) {
			s.bus.Emit(eventbus.Event{
				Type:      "engine." + ev.Type,
				RunID:     runID,
				SessionID: in.SessionID,
				FlowID:    in.FlowID,
				Payload:   ev.Payload,
			})
		},
	})

	// Step 6: invoke the engine.
	resp, err := runner.RunString(ctx, req.Raw, RunOptions{
		Variables:       vars,
		BasePath:        in.BasePath,
		TimeoutMs:       in.TimeoutMs,
		FollowRedirects: in.FollowRedirects,
		ValidateSSL:     in.ValidateSSL,
	})
	if err != nil {
		return apierr.Wrap(apierr.CodeExecuteError, err)
	}
	defer resp.Body.Close()

	result.Status = resp.Status
	result.Headers = resp.Headers
	if resp.URL != "" {
		result.URL = resp.URL
	}

	// Step 7: body pipeline.
	body, err := bodypipeline.Read(resp.Body, int(s.maxBodyBytes))
	if err != nil {
		return apierr.Wrap(apierr.CodeExecuteError, err)
	}
	result.Body = body

	s.hooks.Run(ctx, hooks.PointResponseAfter, &hooks.RequestContext{
		SessionID: in.SessionID,
		FlowID:    in.FlowID,
		Method:    req.Method,
		URL:       result.URL,
		Status:    resp.Status,
	})

	// Step 8: snapshot bump + sessionUpdated. Request-level variables are
	// a per-call override (step 5) and are never written back into the
	// session; only cookie-jar mutation observed by the engine can
	// change a session's persisted state during execute.
	if sess != nil && cookiesChanged {
		snap := sess.BumpSnapshotVersion()
		s.bus.Emit(eventbus.Event{
			Type:      "sessionUpdated",
			RunID:     runID,
			SessionID: in.SessionID,
			FlowID:    in.FlowID,
			Payload: map[string]any{
				"snapshotVersion":  snap,
				"variablesChanged": false,
				"cookiesChanged":   cookiesChanged,
			},
		})
	}

	if sess != nil {
		result.Session = &SessionDescriptor{
			ID:              in.SessionID,
			SnapshotVersion: sess.SnapshotVersion(),
			CookieCount:     sess.CookieJar().Count(),
		}
	}

	return nil
}

// sessionCookieStore adapts a *reqsession.CookieJar to the CookieStore
// collaborator interface, tracking whether any cookie was observed so
// Execute can decide whether to bump snapshotVersion.
type sessionCookieStore struct {
	jar     *reqsession.CookieJar
	changed *bool
}

func (c *sessionCookieStore) GetCookieHeader(u *url.URL) string {
	if c.jar == nil {
		return ""
	}
	return c.jar.GetCookieHeader(u)
}

func (c *sessionCookieStore) SetFromResponse(u *url.URL, resp *Response) bool {
	if c.jar == nil || len(resp.SetCookies) == 0 {
		return false
	}
	header := make(http.Header)
	for _, sc := range resp.SetCookies {
		header.Add("Set-Cookie", sc)
	}
	changed := c.jar.SetFromResponse(u, &http.Response{Header: header})
	if changed {
		*c.changed = true
	}
	return changed
}

func selectRequest(requests []ParsedRequest, name string, index *int) (ParsedRequest, error) {
	if name != "" {
		for _, r := range requests {
			if r.Name == name {
				return r, nil
			}
		}
		return ParsedRequest{}, apierr.New(apierr.CodeRequestNotFound, fmt.Sprintf("request named %q not found", name))
	}
	idx := 0
	if index != nil {
		idx = *index
	}
	if idx < 0 || idx >= len(requests) {
		return ParsedRequest{}, apierr.New(apierr.CodeRequestIndexOutOfRange, fmt.Sprintf("request index %d out of range [0,%d)", idx, len(requests)))
	}
	return requests[idx], nil
}

// ParseInput bundles the /parse endpoint's request body.
type ParseInput struct {
	Content            string
	Path               string
	IncludeDiagnostics bool
}

// ParseResult is returned by Parse.
type ParseResult struct {
	Requests    []ParsedRequest
	Diagnostics []diagnostics.Diagnostic
}

// Parse resolves content/path exactly as Execute's steps 1-2 do, without
// dispatching anything. When in.IncludeDiagnostics is set, the raw text is
// also run through the static analyzer of spec.md §4.5.
func (s *Service) Parse(in ParseInput) (*ParseResult, error) {
	if in.Content == "" && in.Path == "" {
		return nil, apierr.New(apierr.CodeContentOrPathRequired, "exactly one of content or path is required")
	}
	text := in.Content
	if in.Path != "" {
		abs, err := s.workspace.SafeJoin(in.Path)
		if err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(abs)
		if err != nil {
			return nil, apierr.New(apierr.CodeFileNotFound, fmt.Sprintf("file not found: %s", in.Path))
		}
		text = string(raw)
	}
	requests, err := s.parser.Parse(text)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeParseError, err)
	}
	result := &ParseResult{Requests: requests}
	if in.IncludeDiagnostics {
		result.Diagnostics = diagnostics.Analyze(text)
	}
	return result, nil
}

// CreateSession allocates a new session with optional initial variables.
func (s *Service) CreateSession(initialVars map[string]any) *reqsession.Session {
	return s.sessions.Create(initialVars)
}

// SessionView is the client-facing, redacted session representation.
type SessionView struct {
	ID              string
	CreatedAt       time.Time
	LastUsedAt      time.Time
	SnapshotVersion int64
	CookieCount     int
	Variables       map[string]any
}

func (s *Service) viewOf(sess *reqsession.Session) *SessionView {
	return &SessionView{
		ID:              sess.ID,
		CreatedAt:       sess.CreatedAt,
		LastUsedAt:      sess.LastUsedAt(),
		SnapshotVersion: sess.SnapshotVersion(),
		CookieCount:     sess.CookieJar().Count(),
		Variables:       reqsession.Redact(sess.Variables()),
	}
}

// GetSession returns a redacted view of a session.
func (s *Service) GetSession(id string) (*SessionView, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return s.viewOf(sess), nil
}

// UpdateSessionVariables merges or replaces a session's variables and
// emits sessionUpdated.
func (s *Service) UpdateSessionVariables(ctx context.Context, id string, vars map[string]any, mode string) (*SessionView, error) {
	ev, err := s.sessions.UpdateVariables(ctx, id, vars, mode)
	if err != nil {
		return nil, err
	}
	s.bus.Emit(eventbus.Event{
		Type:      "sessionUpdated",
		RunID:     uuid.NewString(),
		SessionID: id,
		Payload: map[string]any{
			"snapshotVersion":  ev.SnapshotVersion,
			"variablesChanged": ev.VariablesChanged,
			"cookiesChanged":   ev.CookiesChanged,
		},
	})
	return s.GetSession(id)
}

// DeleteSession removes a session.
func (s *Service) DeleteSession(id string) error {
	return s.sessions.Delete(id)
}

// CreateFlow allocates a new flow.
func (s *Service) CreateFlow(sessionID, label string) *flow.Flow {
	f := s.flows.CreateFlow(sessionID, label)
	s.bus.Emit(eventbus.Event{Type: "flowStarted", RunID: uuid.NewString(), SessionID: sessionID, FlowID: f.ID})
	return f
}

// FinishFlow finalizes a flow, computes its summary, and emits
// flowFinished. If history is configured, attached executions are
// recorded fire-and-forget.
func (s *Service) FinishFlow(ctx context.Context, flowID string) (*flow.Flow, error) {
	f, err := s.flows.FinishFlow(flowID)
	if err != nil {
		return nil, err
	}
	s.bus.Emit(eventbus.Event{
		Type:   "flowFinished",
		RunID:  uuid.NewString(),
		FlowID: flowID,
		Payload: map[string]any{
			"summary": f.Summary,
		},
	})
	if s.history != nil {
		go s.recordFlowHistory(f)
	}
	return f, nil
}

func (s *Service) recordFlowHistory(f *flow.Flow) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range f.Executions {
		rec := history.Record{
			ReqExecID:  e.ReqExecID,
			FlowID:     f.ID,
			SessionID:  f.SessionID,
			Label:      e.Label,
			Method:     e.Method,
			URL:        e.URL,
			Status:     string(e.Status),
			StartedAt:  e.StartedAt,
			EndedAt:    e.EndedAt,
			DurationMs: e.DurationMs,
		}
		if e.Error != nil {
			rec.ErrorStage = e.Error.Stage
			rec.ErrorMessage = e.Error.Message
		}
		if err := s.history.RecordExecution(ctx, rec); err != nil {
			s.log.Error("service: record execution history", "flow_id", f.ID, "req_exec_id", e.ReqExecID, "error", err)
		}
	}
}

// GetExecution returns one attached execution detail.
func (s *Service) GetExecution(flowID, reqExecID string) (*flow.Execution, error) {
	return s.flows.GetExecution(flowID, reqExecID)
}

// GetFlowHistory backs GET /flows/{flowId}/history (SPEC_FULL §6
// supplement). When no history store is configured it returns a
// FLOW_NOT_FOUND error, which the handler writes out unchanged.
func (s *Service) GetFlowHistory(ctx context.Context, flowID string) ([]history.Record, error) {
	if s.history == nil {
		return nil, apierr.New(apierr.CodeFlowNotFound, "execution history is not configured")
	}
	return s.history.ListByFlow(ctx, flowID)
}

// ExportFlow serializes a finished flow's summary and executions and
// uploads it via the configured artifact store.
func (s *Service) ExportFlow(ctx context.Context, flowID string) (string, error) {
	if s.artifacts == nil {
		return "", apierr.New(apierr.CodeArtifactExportNotConfig, "no artifact export store is configured")
	}
	f, err := s.flows.Get(flowID)
	if err != nil {
		return "", err
	}
	if !f.Finished {
		return "", apierr.New(apierr.CodeFlowFinished, "flow must be finished before export")
	}
	doc := struct {
		Flow       *flow.Flow         `json:"flow"`
		Executions []*flow.Execution  `json:"executions"`
	}{Flow: f, Executions: f.Executions}
	buf, err := json.Marshal(doc)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeExecuteError, err)
	}
	return s.artifacts.Export(ctx, flowID, bytes.NewReader(buf))
}

// ListWorkspaceFiles backs GET /workspace/files.
func (s *Service) ListWorkspaceFiles(ignore []string) ([]string, error) {
	return s.workspace.ListFiles(ignore)
}

// ListWorkspaceRequests backs GET /workspace/requests?path=: it resolves
// path against the workspace root and parses its contents.
func (s *Service) ListWorkspaceRequests(path string) ([]ParsedRequest, error) {
	res, err := s.Parse(ParseInput{Path: path})
	if err != nil {
		return nil, err
	}
	return res.Requests, nil
}

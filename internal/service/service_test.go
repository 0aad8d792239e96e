package service

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treqd/treqd/internal/apierr"
	"github.com/treqd/treqd/internal/eventbus"
	"github.com/treqd/treqd/internal/flow"
	"github.com/treqd/treqd/internal/hooks"
	"github.com/treqd/treqd/internal/reqsession"
	"github.com/treqd/treqd/internal/workspace"
)

type fakeParser struct {
	requests []ParsedRequest
	err      error
}

func (p *fakeParser) Parse(text string) ([]ParsedRequest, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.requests, nil
}

type fakeRunner struct {
	resp    *Response
	err     error
	seen    RunOptions
	cookies CookieStore
}

func (r *fakeRunner) RunString(ctx context.Context, raw string, opts RunOptions) (*Response, error) {
	r.seen = opts
	if r.err != nil {
		return nil, r.err
	}
	// Like the real engine, hand response cookies to the cookie store.
	if fields := strings.Fields(raw); r.cookies != nil && len(r.resp.SetCookies) > 0 && len(fields) >= 2 {
		if u, err := url.Parse(fields[1]); err == nil {
			r.cookies.SetFromResponse(u, r.resp)
		}
	}
	return r.resp, nil
}

type fakeEngine struct {
	runner      *fakeRunner
	lastOptions EngineOptions
}

func (e *fakeEngine) CreateEngine(opts EngineOptions) Runner {
	e.lastOptions = opts
	if e.runner != nil {
		e.runner.cookies = opts.CookieStore
	}
	return e.runner
}

func newResponse(status int, body string, setCookies ...string) *Response {
	return &Response{
		Status:     status,
		Headers:    map[string][]string{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		SetCookies: setCookies,
	}
}

func newTestService(t *testing.T, parser Parser, engine Engine) *Service {
	t.Helper()
	dir := t.TempDir()
	root, err := workspace.NewRoot(dir)
	if err != nil {
		t.Fatalf("workspace.NewRoot: %v", err)
	}
	return New(Deps{
		Workspace: root,
		Sessions:  reqsession.New(10, 0),
		Flows:     flow.New(),
		Bus:       eventbus.New(100),
		Hooks:     hooks.NewRegistry(),
		Parser:    parser,
		Engine:    engine,
	})
}

func TestExecute_RequiresContentOrPath(t *testing.T) {
	s := newTestService(t, &fakeParser{}, &fakeEngine{})
	defer s.Close()

	_, err := s.Execute(context.Background(), ExecuteInput{})
	assertCode(t, err, apierr.CodeContentOrPathRequired)
}

func TestExecute_RejectsBothContentAndPath(t *testing.T) {
	s := newTestService(t, &fakeParser{}, &fakeEngine{})
	defer s.Close()

	_, err := s.Execute(context.Background(), ExecuteInput{Content: "GET http://x", Path: "a.http"})
	assertCode(t, err, apierr.CodeContentOrPathRequired)
}

func TestExecute_NoRequestsFound(t *testing.T) {
	s := newTestService(t, &fakeParser{requests: nil}, &fakeEngine{})
	defer s.Close()

	_, err := s.Execute(context.Background(), ExecuteInput{Content: "### empty"})
	assertCode(t, err, apierr.CodeNoRequestsFound)
}

func TestExecute_ParseErrorSurfaces(t *testing.T) {
	s := newTestService(t, &fakeParser{err: errBoom}, &fakeEngine{})
	defer s.Close()

	_, err := s.Execute(context.Background(), ExecuteInput{Content: "garbage"})
	assertCode(t, err, apierr.CodeParseError)
}

func TestExecute_RequestNotFoundByName(t *testing.T) {
	s := newTestService(t, &fakeParser{requests: []ParsedRequest{{Method: "GET", URL: "http://x", Name: "a"}}}, &fakeEngine{})
	defer s.Close()

	_, err := s.Execute(context.Background(), ExecuteInput{Content: "x", RequestName: "missing"})
	assertCode(t, err, apierr.CodeRequestNotFound)
}

func TestExecute_RequestIndexOutOfRange(t *testing.T) {
	s := newTestService(t, &fakeParser{requests: []ParsedRequest{{Method: "GET", URL: "http://x"}}}, &fakeEngine{})
	defer s.Close()

	idx := 5
	_, err := s.Execute(context.Background(), ExecuteInput{Content: "x", RequestIndex: &idx})
	assertCode(t, err, apierr.CodeRequestIndexOutOfRange)
}

func TestExecute_SessionNotFound(t *testing.T) {
	s := newTestService(t, &fakeParser{requests: []ParsedRequest{{Method: "GET", URL: "http://x", Raw: "GET http://x"}}}, &fakeEngine{runner: &fakeRunner{resp: newResponse(200, "ok")}})
	defer s.Close()

	_, err := s.Execute(context.Background(), ExecuteInput{Content: "x", SessionID: "missing"})
	assertCode(t, err, apierr.CodeSessionNotFound)
}

func TestExecute_PathOutsideWorkspaceRejected(t *testing.T) {
	s := newTestService(t, &fakeParser{}, &fakeEngine{})
	defer s.Close()

	_, err := s.Execute(context.Background(), ExecuteInput{Path: "../outside.http"})
	assertCode(t, err, apierr.CodePathOutsideWorkspace)
}

func TestExecute_HappyPathWithSessionAndFlow(t *testing.T) {
	runner := &fakeRunner{resp: newResponse(200, "hello", "foo=bar")}
	engine := &fakeEngine{runner: runner}
	s := newTestService(t, &fakeParser{requests: []ParsedRequest{{
		Method: "GET", URL: "http://example.com/", Raw: "GET http://example.com/",
	}}}, engine)
	defer s.Close()

	sess := s.CreateSession(map[string]any{"base": "v1"})
	f := s.CreateFlow(sess.ID, "my flow")

	result, err := s.Execute(context.Background(), ExecuteInput{
		Content:   "GET http://example.com/",
		SessionID: sess.ID,
		FlowID:    f.ID,
		Variables: map[string]any{"override": "v2"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != 200 {
		t.Errorf("expected status 200, got %d", result.Status)
	}
	if result.Body.Body != "hello" {
		t.Errorf("expected body 'hello', got %q", result.Body.Body)
	}
	if result.ReqExecID == "" {
		t.Error("expected a reqExecId to be assigned")
	}
	if runner.seen.Variables["override"] != "v2" || runner.seen.Variables["base"] != "v1" {
		t.Errorf("expected merged variables, got %+v", runner.seen.Variables)
	}

	view, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if view.SnapshotVersion < 2 {
		t.Errorf("expected snapshot version bumped after cookie change, got %d", view.SnapshotVersion)
	}

	exec, err := s.GetExecution(f.ID, result.ReqExecID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != flow.StatusSuccess {
		t.Errorf("expected successful execution, got %s", exec.Status)
	}
}

func TestExecute_EngineErrorAttachesFailedExecution(t *testing.T) {
	engine := &fakeEngine{runner: &fakeRunner{err: errBoom}}
	s := newTestService(t, &fakeParser{requests: []ParsedRequest{{Method: "GET", URL: "http://x", Raw: "GET http://x"}}}, engine)
	defer s.Close()

	f := s.CreateFlow("", "")
	_, err := s.Execute(context.Background(), ExecuteInput{Content: "x", FlowID: f.ID})
	assertCode(t, err, apierr.CodeExecuteError)

	got, gerr := s.flows.Get(f.ID)
	if gerr != nil {
		t.Fatalf("flows.Get: %v", gerr)
	}
	if len(got.Executions) != 1 {
		t.Fatalf("expected 1 attached execution, got %d", len(got.Executions))
	}
	if got.Executions[0].Status != flow.StatusFailed {
		t.Errorf("expected failed execution, got %s", got.Executions[0].Status)
	}
	if got.Executions[0].Error == nil {
		t.Error("expected error detail recorded on the execution")
	}
}

func TestExecute_ReadsFileContentFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "req.http"), []byte("GET http://example.com/"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	root, err := workspace.NewRoot(dir)
	if err != nil {
		t.Fatalf("workspace.NewRoot: %v", err)
	}
	runner := &fakeRunner{resp: newResponse(204, "")}
	s := New(Deps{
		Workspace: root,
		Sessions:  reqsession.New(10, 0),
		Flows:     flow.New(),
		Bus:       eventbus.New(100),
		Hooks:     hooks.NewRegistry(),
		Parser:    &fakeParser{requests: []ParsedRequest{{Method: "GET", URL: "http://example.com/", Raw: "GET http://example.com/"}}},
		Engine:    &fakeEngine{runner: runner},
	})
	defer s.Close()

	result, err := s.Execute(context.Background(), ExecuteInput{Path: "req.http"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != 204 {
		t.Errorf("expected status 204, got %d", result.Status)
	}
	if result.Body.Mode != "none" {
		t.Errorf("expected empty body mode, got %s", result.Body.Mode)
	}
}

func TestUpdateSessionVariables_ReplaceMode(t *testing.T) {
	s := newTestService(t, &fakeParser{}, &fakeEngine{})
	defer s.Close()

	sess := s.CreateSession(map[string]any{"a": "1", "b": "2"})
	view, err := s.UpdateSessionVariables(context.Background(), sess.ID, map[string]any{"c": "3"}, "replace")
	if err != nil {
		t.Fatalf("UpdateSessionVariables: %v", err)
	}
	if _, ok := view.Variables["a"]; ok {
		t.Error("expected replace mode to drop prior variables")
	}
	if view.Variables["c"] != "3" {
		t.Errorf("expected new variable set, got %+v", view.Variables)
	}
}

func TestGetSession_RedactsSensitiveVariables(t *testing.T) {
	s := newTestService(t, &fakeParser{}, &fakeEngine{})
	defer s.Close()

	sess := s.CreateSession(map[string]any{"apiToken": "secret-value", "name": "ok"})
	view, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if view.Variables["apiToken"] != "[REDACTED]" {
		t.Errorf("expected redacted token, got %v", view.Variables["apiToken"])
	}
	if view.Variables["name"] != "ok" {
		t.Errorf("expected non-sensitive value untouched, got %v", view.Variables["name"])
	}
}

func TestFinishFlow_ComputesSummary(t *testing.T) {
	engine := &fakeEngine{runner: &fakeRunner{resp: newResponse(200, "ok")}}
	s := newTestService(t, &fakeParser{requests: []ParsedRequest{{Method: "GET", URL: "http://x", Raw: "GET http://x"}}}, engine)
	defer s.Close()

	f := s.CreateFlow("", "")
	if _, err := s.Execute(context.Background(), ExecuteInput{Content: "x", FlowID: f.ID}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	finished, err := s.FinishFlow(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("FinishFlow: %v", err)
	}
	if finished.Summary.Total != 1 || finished.Summary.Succeeded != 1 {
		t.Errorf("unexpected summary: %+v", finished.Summary)
	}

	if _, err := s.flows.AttachExecution(f.ID, &flow.Execution{ReqExecID: "x"}); err == nil {
		t.Error("expected attach to a finished flow to fail")
	}
}

func TestParse_PathOutsideWorkspaceRejected(t *testing.T) {
	s := newTestService(t, &fakeParser{}, &fakeEngine{})
	defer s.Close()

	_, err := s.Parse(ParseInput{Path: "/etc/passwd"})
	assertCode(t, err, apierr.CodePathOutsideWorkspace)
}

func TestExportFlow_NotConfiguredByDefault(t *testing.T) {
	s := newTestService(t, &fakeParser{}, &fakeEngine{})
	defer s.Close()

	f := s.CreateFlow("", "")
	if _, err := s.FinishFlow(context.Background(), f.ID); err != nil {
		t.Fatalf("FinishFlow: %v", err)
	}
	_, err := s.ExportFlow(context.Background(), f.ID)
	assertCode(t, err, apierr.CodeArtifactExportNotConfig)
}

func TestSessionCookieStore_RecordsSetCookie(t *testing.T) {
	jar := reqsession.New(10, 0).Create(nil).CookieJar()
	changed := false
	cs := &sessionCookieStore{jar: jar, changed: &changed}
	u, _ := url.Parse("http://example.com/")

	ok := cs.SetFromResponse(u, &Response{SetCookies: []string{"sid=abc; Path=/"}})
	if !ok || !changed {
		t.Fatalf("expected cookie to be recorded, ok=%v changed=%v", ok, changed)
	}
	if got := cs.GetCookieHeader(u); !bytes.Contains([]byte(got), []byte("sid=abc")) {
		t.Errorf("expected cookie header to include sid, got %q", got)
	}
}

func TestParse_IncludesDiagnosticsWhenRequested(t *testing.T) {
	s := newTestService(t, &fakeParser{}, &fakeEngine{})
	defer s.Close()

	res, err := s.Parse(ParseInput{
		Content:            "GET https://example.com/{{\n",
		IncludeDiagnostics: true,
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Diagnostics) == 0 {
		t.Fatalf("expected at least one diagnostic for an unclosed variable")
	}
}

func TestParse_OmitsDiagnosticsByDefault(t *testing.T) {
	s := newTestService(t, &fakeParser{}, &fakeEngine{})
	defer s.Close()

	res, err := s.Parse(ParseInput{Content: "GET https://example.com/{{\n"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Diagnostics != nil {
		t.Fatalf("expected no diagnostics when not requested, got %v", res.Diagnostics)
	}
}

func TestHistoryAndExportConfigured_FalseByDefault(t *testing.T) {
	s := newTestService(t, &fakeParser{}, &fakeEngine{})
	defer s.Close()

	if s.HistoryConfigured() {
		t.Error("expected history to be unconfigured by default")
	}
	if s.ExportConfigured() {
		t.Error("expected export to be unconfigured by default")
	}
}

var errBoom = &boomErr{}

type boomErr struct{}

func (e *boomErr) Error() string { return "boom" }

func assertCode(t *testing.T, err error, code apierr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	apiErr, ok := apierr.As(err)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	if apiErr.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, apiErr.Code, err)
	}
}

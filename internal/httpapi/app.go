// Package httpapi assembles the HTTP/WS route table described in
// spec.md §6, the way the teacher's server.App.Handler() builds its mux:
// all dependencies passed in explicitly so both main() and tests can
// build the identical handler chain without route drift.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/treqd/treqd/internal/authn"
	"github.com/treqd/treqd/internal/eventbus"
	"github.com/treqd/treqd/internal/middleware"
	"github.com/treqd/treqd/internal/ratelimit"
	"github.com/treqd/treqd/internal/service"
	"github.com/treqd/treqd/internal/sse"
	"github.com/treqd/treqd/internal/wsproxy"
)

// App holds every dependency needed to build the HTTP handler.
type App struct {
	Service        *service.Service
	Authn          *authn.Authenticator
	EventBus       *eventbus.Bus
	WS             *wsproxy.Manager
	SSE            *sse.Hub
	ScriptTokenRL  *ratelimit.Limiter
	WSOpenRL       *ratelimit.Limiter
	Importer       Importer // nil disables /import/*
	CORSOrigins    []string
	HostedUIOrigin string
	OpenAPIDoc     []byte // nil disables GET /doc
	WebDir         string // non-empty serves a static UI at "/" below the API routes
	Logger         *slog.Logger
}

func (a *App) historyConfigured() bool { return a.Service.HistoryConfigured() }
func (a *App) exportConfigured() bool  { return a.Service.ExportConfigured() }
func (a *App) Bus() *eventbus.Bus      { return a.EventBus }

// Handler builds and returns the complete HTTP handler with every route
// of spec.md §6 registered and the middleware pipeline applied.
func (a *App) Handler() http.Handler {
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
	mux := http.NewServeMux()
	h := &handlers{app: a}

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /capabilities", h.handleCapabilities)
	mux.HandleFunc("GET /doc", h.handleDoc)

	mux.HandleFunc("POST /parse", h.handleParse)
	mux.HandleFunc("POST /execute", h.handleExecute)

	mux.HandleFunc("POST /session", h.handleCreateSession)
	mux.HandleFunc("GET /session/{id}", h.handleGetSession)
	mux.HandleFunc("PUT /session/{id}/variables", h.handleUpdateSessionVariables)
	mux.HandleFunc("DELETE /session/{id}", h.handleDeleteSession)

	mux.HandleFunc("POST /flows", h.handleCreateFlow)
	mux.HandleFunc("POST /flows/{flowId}/finish", h.handleFinishFlow)
	mux.HandleFunc("GET /flows/{flowId}/executions/{reqExecId}", h.handleGetExecution)
	mux.HandleFunc("GET /flows/{flowId}/history", h.handleFlowHistory)
	mux.HandleFunc("POST /flows/{flowId}/export", h.handleExportFlow)

	mux.HandleFunc("GET /workspace/files", h.handleWorkspaceFiles)
	mux.HandleFunc("GET /workspace/requests", h.handleWorkspaceRequests)

	mux.Handle("GET /event", a.SSE)
	mux.HandleFunc("GET /event/ws", h.handleEventWS)
	mux.HandleFunc("POST /execute/ws", h.handleExecuteWS)
	mux.HandleFunc("GET /ws/session/{wsSessionId}", h.handleWSSession)

	mux.HandleFunc("POST /import/{kind}/preview", h.handleImport(false))
	mux.HandleFunc("POST /import/{kind}/apply", h.handleImport(true))

	if a.WebDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(a.WebDir)))
	}

	var handler http.Handler = mux
	handler = a.Authn.Middleware(handler)
	handler = middleware.CORS(a.CORSOrigins, a.HostedUIOrigin)(handler)
	handler = middleware.SecurityHeaders(handler)
	handler = middleware.RequestID(handler)
	return handler
}

// Package authn implements the three-way authentication and scope
// enforcement described in spec.md §4.6: static bearer token, HMAC-signed
// scoped script tokens, and cookie web-sessions with sliding expiry. The
// context-key-based credential propagation follows the teacher's
// AuthMiddleware/GetUserFromContext shape; RequireScope generalizes the
// teacher's RequireRole/HasRole idiom from roles to flow/session scoping.
package authn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/treqd/treqd/internal/apierr"
)

// Method identifies which credential kind authenticated a request.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodScript Method = "script"
	MethodCookie Method = "cookie"
)

// SessionCookieName is the web-session cookie name from spec.md §3/§6.
const SessionCookieName = "treq_session"

// Context is the authentication result attached to the request context.
type Context struct {
	Method        Method
	ScriptPayload *ScriptPayload
	WebSessionID  string
}

type ctxKey struct{}

// WithContext returns a context carrying the auth result.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// FromContext retrieves the auth result stashed by the middleware.
func FromContext(ctx context.Context) *Context {
	ac, _ := ctx.Value(ctxKey{}).(*Context)
	return ac
}

type webSession struct {
	id             string
	lastAccessedAt time.Time
}

// Config controls the authenticator's behavior.
type Config struct {
	ServerToken     string
	AllowCookieAuth bool
	SessionTTL      time.Duration
	AdminUsername   string
	AdminPasswordHash []byte
}

// Authenticator evaluates credentials on inbound requests and tracks the
// active script-token jti set and web-session sliding expiry.
type Authenticator struct {
	cfg Config

	mu          sync.Mutex
	activeJTI   map[string]struct{}
	webSessions map[string]*webSession
}

func New(cfg Config) *Authenticator {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	return &Authenticator{
		cfg:         cfg,
		activeJTI:   make(map[string]struct{}),
		webSessions: make(map[string]*webSession),
	}
}

// IssueScriptToken mints and activates a script token scoped to
// flowID/sessionID.
func (a *Authenticator) IssueScriptToken(flowID, sessionID string) (string, string, error) {
	payload := NewScriptPayload(flowID, sessionID, time.Now(), ScriptTokenTTL)
	token, err := SignScriptToken(payload, a.cfg.ServerToken)
	if err != nil {
		return "", "", err
	}
	a.mu.Lock()
	a.activeJTI[payload.JTI] = struct{}{}
	a.mu.Unlock()
	return token, payload.JTI, nil
}

// TokenConfigured reports whether a static server token is configured,
// i.e. whether anonymous access is disallowed.
func (a *Authenticator) TokenConfigured() bool {
	return a.cfg.ServerToken != ""
}

// RevokeScriptToken removes jti from the active set (spawned-script exit).
func (a *Authenticator) RevokeScriptToken(jti string) {
	a.mu.Lock()
	delete(a.activeJTI, jti)
	a.mu.Unlock()
}

func (a *Authenticator) isJTIActive(jti string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.activeJTI[jti]
	return ok
}

// NewWebSession mints a fresh web-session cookie value.
func (a *Authenticator) NewWebSession() string {
	id := randomID(32)
	a.mu.Lock()
	a.webSessions[id] = &webSession{id: id, lastAccessedAt: time.Now()}
	a.mu.Unlock()
	return id
}

// Login verifies username/password against the configured admin
// credential using bcrypt, the same hashing library the teacher uses for
// its own password-based login path.
func (a *Authenticator) Login(username, password string) bool {
	if a.cfg.AdminUsername == "" || len(a.cfg.AdminPasswordHash) == 0 {
		return false
	}
	if username != a.cfg.AdminUsername {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.cfg.AdminPasswordHash, []byte(password)) == nil
}

// Evaluate runs the three-way credential check in order, per spec.md
// §4.6.
func (a *Authenticator) Evaluate(r *http.Request) (*Context, error) {
	if bearer, ok := extractBearer(r); ok {
		if a.cfg.ServerToken != "" && bearer == a.cfg.ServerToken {
			return &Context{Method: MethodBearer}, nil
		}
		if payload, err := VerifyScriptToken(bearer, a.cfg.ServerToken, a.isJTIActive); err == nil {
			return &Context{Method: MethodScript, ScriptPayload: payload}, nil
		} else if looksLikeScriptToken(bearer) {
			return nil, apierr.New(apierr.CodeUnauthorized, "invalid or expired script token")
		}
		if a.cfg.ServerToken != "" {
			return nil, apierr.New(apierr.CodeUnauthorized, "invalid bearer token")
		}
	}

	if a.cfg.AllowCookieAuth {
		if cookie, err := r.Cookie(SessionCookieName); err == nil {
			a.mu.Lock()
			ws, ok := a.webSessions[cookie.Value]
			if ok && time.Since(ws.lastAccessedAt) < a.cfg.SessionTTL {
				ws.lastAccessedAt = time.Now()
				a.mu.Unlock()
				return &Context{Method: MethodCookie, WebSessionID: ws.id}, nil
			}
			a.mu.Unlock()
		}
	}

	if a.cfg.ServerToken != "" {
		return nil, apierr.New(apierr.CodeUnauthorized, "authentication required")
	}
	return &Context{}, nil
}

// SetCookie writes the treq_session cookie per spec.md §6's wire format.
func (a *Authenticator) SetCookie(w http.ResponseWriter, r *http.Request, sessionID string) {
	secure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(a.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Middleware authenticates every request, attaching the result to the
// request context; unauthenticated requests are rejected with 401 when a
// server token is configured.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := a.Evaluate(r)
		if err != nil {
			apierr.WriteJSON(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), ac)))
	})
}

// RequireFlowScope checks the flow axis only, for endpoints that have no
// session in scope (execution-detail reads, flow lifecycle). Bearer/cookie
// credentials are never scope-restricted by this check.
func RequireFlowScope(ac *Context, flowID string) error {
	if ac == nil || ac.Method != MethodScript {
		return nil
	}
	if ac.ScriptPayload.FlowID != flowID {
		return apierr.New(apierr.CodeScopeViolation, "script token is not scoped to this flow")
	}
	return nil
}

// RequireSessionScope checks the session axis only, for endpoints that have
// no flow in scope (session reads and variable updates).
func RequireSessionScope(ac *Context, sessionID string) error {
	if ac == nil || ac.Method != MethodScript {
		return nil
	}
	if ac.ScriptPayload.SessionID != sessionID {
		return apierr.New(apierr.CodeScopeViolation, "script token is not scoped to this session")
	}
	return nil
}

// RequireScope enforces spec.md §4.6's scope rule for operations scoped to
// both a flow and a session at once (execute, the event WS bridge): the
// request-carried flowId and sessionId must both equal the token's scope.
// POST /execute/ws carries no sessionId and uses RequireFlowScope only.
func RequireScope(ac *Context, flowID, sessionID string) error {
	if err := RequireFlowScope(ac, flowID); err != nil {
		return err
	}
	return RequireSessionScope(ac, sessionID)
}

// DenyScript returns a scope violation if the request authenticated via a
// script token, used for the absolutely-blocked operations of spec.md
// §4.6.
func DenyScript(ac *Context) error {
	if ac != nil && ac.Method == MethodScript {
		return apierr.New(apierr.CodeScopeViolation, "script tokens may not call this endpoint")
	}
	return nil
}

func extractBearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], parts[1] != ""
}

func looksLikeScriptToken(tok string) bool {
	return strings.HasPrefix(tok, "script.") || strings.HasPrefix(tok, "script_")
}

func randomID(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

package authn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// oidcState is the in-memory CSRF/redirect bookkeeping for one in-flight
// login, standing in for the teacher's database-backed state table: a
// single-instance local service has no horizontal-scaling reason to pay
// for a DB round trip on every login attempt.
type oidcState struct {
	redirectTo string
	expiresAt  time.Time
}

// OIDCConfig mirrors the teacher's OIDC plugin's required config keys.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// OIDCProvider performs the OIDC browser login handshake and, on success,
// mints a treq_session cookie through auth instead of issuing a JWT: this
// service's sessions are held in memory by Authenticator, not claims in a
// signed token.
type OIDCProvider struct {
	auth   *Authenticator
	oauth2 oauth2.Config
	verify *oidc.IDTokenVerifier

	mu     sync.Mutex
	states map[string]oidcState
}

// NewOIDCProvider discovers the issuer's configuration and constructs a
// provider. It performs network I/O and should be called once at startup.
func NewOIDCProvider(ctx context.Context, auth *Authenticator, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, fmt.Errorf("oidc: issuer, client_id, client_secret and redirect_url are required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc: failed to discover provider at %s: %w", cfg.Issuer, err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	p := &OIDCProvider{
		auth: auth,
		oauth2: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		verify: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		states: make(map[string]oidcState),
	}
	go p.cleanupStates(ctx)
	return p, nil
}

// LoginURL issues a fresh CSRF state and returns the provider's
// authorization URL.
func (p *OIDCProvider) LoginURL(redirectTo string) (string, error) {
	state, err := randomState()
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.states[state] = oidcState{redirectTo: redirectTo, expiresAt: time.Now().Add(10 * time.Minute)}
	p.mu.Unlock()
	return p.oauth2.AuthCodeURL(state), nil
}

// HandleCallback exchanges the authorization code, verifies the ID token,
// and mints a web-session cookie for the caller.
func (p *OIDCProvider) HandleCallback(ctx context.Context, w http.ResponseWriter, r *http.Request, code, state string) (redirectTo string, err error) {
	p.mu.Lock()
	st, ok := p.states[state]
	delete(p.states, state)
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("invalid or expired oidc state")
	}
	if time.Now().After(st.expiresAt) {
		return "", fmt.Errorf("oidc state expired")
	}

	token, err := p.oauth2.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("oidc: code exchange failed: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return "", fmt.Errorf("oidc: no id_token in token response")
	}
	idToken, err := p.verify.Verify(ctx, rawIDToken)
	if err != nil {
		return "", fmt.Errorf("oidc: id_token verification failed: %w", err)
	}

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("oidc: failed to parse claims: %w", err)
	}

	sessionID := p.auth.NewWebSession()
	p.auth.SetCookie(w, r, sessionID)
	return st.redirectTo, nil
}

func (p *OIDCProvider) cleanupStates(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			p.mu.Lock()
			for k, v := range p.states {
				if now.After(v.expiresAt) {
					delete(p.states, k)
				}
			}
			p.mu.Unlock()
		}
	}
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

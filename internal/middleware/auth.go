package middleware

import (
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

// CORS returns middleware enforcing the fixed CORS policy: requests from
// localhost/127.0.0.1 at any port, the hosted UI origin, and any
// explicitly configured origin are allowed, with credentials permitted.
// All other origins receive no CORS headers and the browser enforces
// same-origin.
func CORS(extraOrigins []string, hostedUIOrigin string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(extraOrigins))
	for _, o := range extraOrigins {
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, allowed, hostedUIOrigin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, extra map[string]struct{}, hostedUIOrigin string) bool {
	if isLocalOrigin(origin) {
		return true
	}
	if hostedUIOrigin != "" && origin == hostedUIOrigin {
		return true
	}
	_, ok := extra[origin]
	return ok
}

func isLocalOrigin(origin string) bool {
	for _, host := range []string{"http://localhost", "http://127.0.0.1"} {
		if origin == host || strings.HasPrefix(origin, host+":") {
			return true
		}
	}
	return false
}

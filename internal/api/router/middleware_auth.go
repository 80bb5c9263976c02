package router

import (
	"net/http"
)

// TokenSource reports the current access token, "" when signed out.
type TokenSource interface {
	Token() string
}

// requireSignedIn rejects requests while no credential is loaded. A nil
// source leaves routes open.
func requireSignedIn(tokens TokenSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tokens == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens.Token() == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"sign in required","kind":"unauthenticated"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

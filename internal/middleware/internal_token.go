package middleware

import (
	"crypto/subtle"
	"net/http"
)

// InternalToken guards operator endpoints with the X-Internal-Token header.
// An empty token leaves the route open, which is meant for local runs.
func InternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Internal-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid internal token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

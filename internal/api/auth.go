package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth requires every request to carry the configured local API
// token. The server applies it only when a token is set; an empty token
// leaves the loopback API open.
func BearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const scheme = "Bearer "
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, scheme) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			got := []byte(header[len(scheme):])
			if subtle.ConstantTimeCompare(got, want) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

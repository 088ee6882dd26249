// Package auth guards the admin command surface with a shared bearer token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// RequireToken returns middleware that rejects requests whose Authorization
// header does not carry token as a Bearer credential. An empty token disables
// the check, for local development.
func RequireToken(token string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok {
				logger.Warn().Str("path", r.URL.Path).Msg("Admin request without bearer token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				logger.Warn().Str("path", r.URL.Path).Msg("Admin request with wrong token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the credential of a "Bearer <token>" header. The scheme
// is case-insensitive (RFC 7235).
func BearerToken(header string) (string, bool) {
	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(strings.Join(fields[1:], " "))
	if token == "" {
		return "", false
	}
	return token, true
}

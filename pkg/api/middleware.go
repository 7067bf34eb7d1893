package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/wardendns/wardendns/pkg/config"

	"golang.org/x/crypto/bcrypt"
)

// authMiddleware enforces the configured API key or Basic auth credentials
// on every route, including the WebSocket upgrade, which is checked before
// the protocol switch.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		if s.authorize(r) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="wardendns"`)
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *Server) authEnabled() bool {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.auth.Enabled
}

func (s *Server) authorize(r *http.Request) bool {
	s.authMu.RLock()
	auth := s.auth
	s.authMu.RUnlock()

	if auth.APIKey != "" {
		if token := extractAPIKey(r, auth.Header); token != "" {
			if subtle.ConstantTimeCompare([]byte(token), []byte(auth.APIKey)) == 1 {
				return true
			}
		}
	}

	if auth.Username != "" {
		if user, pass, ok := r.BasicAuth(); ok {
			return matchBasicCredentials(user, pass, auth)
		}
	}

	return false
}

func matchBasicCredentials(user, pass string, auth config.AuthConfig) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(auth.Username)) != 1 {
		return false
	}
	if auth.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(auth.PasswordHash), []byte(pass)) == nil
	}
	if auth.Password != "" {
		return subtle.ConstantTimeCompare([]byte(pass), []byte(auth.Password)) == 1
	}
	return false
}

func extractAPIKey(r *http.Request, header string) string {
	if header == "" {
		header = "Authorization"
	}
	value := strings.TrimSpace(r.Header.Get(header))
	if value == "" {
		return ""
	}

	parts := strings.Fields(value)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return ""
}


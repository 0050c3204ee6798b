package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/backchannel/internal/apperr"
)

// AdminAuth guards operator routes with a shared bearer token.
type AdminAuth struct {
	token  []byte
	logger zerolog.Logger
}

// NewAdminAuth creates the admin guard. With an empty token every request is
// rejected.
func NewAdminAuth(token string, logger zerolog.Logger) *AdminAuth {
	if token == "" {
		logger.Warn().Msg("ADMIN_TOKEN not set, admin routes are disabled")
	}
	return &AdminAuth{token: []byte(token), logger: logger}
}

// RequireAdmin rejects requests without the admin token.
func (a *AdminAuth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Valid(ProvidedToken(r)) {
			a.logger.Warn().
				Str("type", "security").
				Str("event", "admin_auth_failed").
				Str("ip", RealIP(r)).
				Str("endpoint", r.URL.Path).
				Msg("admin authentication failed")
			writeError(w, apperr.Unauthorized())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Valid compares provided with the configured token in constant time.
func (a *AdminAuth) Valid(provided string) bool {
	if len(a.token) == 0 || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), a.token) == 1
}

// ProvidedToken extracts the credential from the Authorization header, or
// from the auth or token query parameter for stream clients that cannot set
// headers.
func ProvidedToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("auth"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func writeError(w http.ResponseWriter, e *apperr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Kind.Status())
	json.NewEncoder(w).Encode(e.Body())
}

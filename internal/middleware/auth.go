package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"golang.org/x/crypto/bcrypt"
)

// AdminCredentials holds the configured admin secret. When TokenHash is set
// it is a bcrypt hash and Token is ignored.
type AdminCredentials struct {
	Token     string
	TokenHash string
}

// Match reports whether token is the admin secret.
func (c AdminCredentials) Match(token string) bool {
	if token == "" {
		return false
	}
	if c.TokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(c.TokenHash), []byte(token)) == nil
	}
	if c.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Token), []byte(token)) == 1
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// AdminAuth rejects requests without the admin bearer token with
// 401 {"error":"Unauthorized"}.
func AdminAuth(creds AdminCredentials, logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "admin_auth"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !creds.Match(BearerToken(r)) {
				logger.WarnContext(r.Context(), "admin authentication failed",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// AdminTokenHeader carries the super-admin token.
const AdminTokenHeader = "X-Admin-Token"

// RequireAdminToken guards super-admin routes. An empty token disables them.
func RequireAdminToken(token string, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusNotFound, "not_found", "Not found")
				return
			}
			given := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				logger.Warn("Rejected super-admin request",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr))
				writeError(w, http.StatusForbidden, "forbidden", "Super-admin token required")
				return
			}
			next(w, r)
		}
	}
}

func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

package database

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// TenantHeader carries the tenant of an API request.
	TenantHeader = "X-Tenant-ID"
	// UserHeader carries the calling user's identifier.
	UserHeader = "X-User-ID"
)

const userIDKey contextKey = "userID"

// GetUserID returns the calling user stored by WithTenantContext.
func GetUserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// SetUserID stores the calling user in ctx.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// WithTenantContext creates middleware that sets up a tenant-scoped DB connection.
// Identity arrives in headers set by the upstream gateway.
// The connection is automatically cleaned up after the handler returns.
func WithTenantContext(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(TenantHeader))
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing_tenant", "Missing "+TenantHeader+" header")
				return
			}

			tenantID, err := uuid.Parse(raw)
			if err != nil {
				logger.Debug("Invalid tenant ID header", zap.String("tenant_id", raw), zap.Error(err))
				writeError(w, http.StatusBadRequest, "invalid_tenant_id", "Invalid tenant ID format")
				return
			}

			userID := strings.TrimSpace(r.Header.Get(UserHeader))
			if userID == "" {
				writeError(w, http.StatusUnauthorized, "missing_user", "Missing "+UserHeader+" header")
				return
			}

			scope, err := db.WithTenant(r.Context(), tenantID)
			if err != nil {
				logger.Error("Failed to acquire tenant connection",
					zap.String("tenant_id", tenantID.String()),
					zap.Error(err))
				writeError(w, http.StatusInternalServerError, "database_error", "Database connection error")
				return
			}
			defer scope.Close()

			ctx := SetTenantScope(r.Context(), scope)
			ctx = SetUserID(ctx, userID)
			next(w, r.WithContext(ctx))
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

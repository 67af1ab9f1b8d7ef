package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/database"
)

// TenantMiddleware resolves the caller's tenant and user before a handler runs.
type TenantMiddleware func(http.HandlerFunc) http.HandlerFunc

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// ParseSearchID extracts and validates the saved search ID from the request path.
// Expects path parameter: sid
func ParseSearchID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "sid", "invalid_search_id", "Invalid search ID format", logger)
}

// ParseAlertID extracts and validates the alert ID from the request path.
// Expects path parameter: aid
func ParseAlertID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "aid", "invalid_alert_id", "Invalid alert ID format", logger)
}

// ParseTenantID extracts and validates a tenant ID from the request path.
// Only super-admin routes address tenants by path.
// Expects path parameter: tid
func ParseTenantID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "tid", "invalid_tenant_id", "Invalid tenant ID format", logger)
}

func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(pathParam))
	if err != nil {
		writeError(w, http.StatusBadRequest, errorCode, errorMessage, logger)
		return uuid.Nil, false
	}
	return id, true
}

// requestIdentity returns the tenant and user placed in the context by the
// tenant middleware.
func requestIdentity(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, string, bool) {
	tenantID, ok := database.GetTenantID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Tenant not found in context", logger)
		return uuid.Nil, "", false
	}
	userID, ok := database.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "User ID not found in context", logger)
		return uuid.Nil, "", false
	}
	return tenantID, userID, true
}

// parsePage reads limit and offset query parameters. Out-of-range values
// fall back to the defaults.
func parsePage(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxPageLimit)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func parseBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

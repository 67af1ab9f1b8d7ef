package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/services"
)

// AdminHandler serves the tenant-admin dashboard and the super-admin quota
// override.
type AdminHandler struct {
	adminService    services.AdminService
	tenantService   services.TenantService
	learningService services.LearningService
	logger          *zap.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(
	adminService services.AdminService,
	tenantService services.TenantService,
	learningService services.LearningService,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		adminService:    adminService,
		tenantService:   tenantService,
		learningService: learningService,
		logger:          logger,
	}
}

// RegisterRoutes registers the admin routes. superAdmin guards the routes
// that address arbitrary tenants.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware, superAdmin func(http.HandlerFunc) http.HandlerFunc) {
	base := "/api/admin"

	mux.HandleFunc("GET "+base+"/stats", tenantMiddleware(h.Stats))
	mux.HandleFunc("GET "+base+"/quota", tenantMiddleware(h.Quota))
	mux.HandleFunc("GET "+base+"/dead-letters", tenantMiddleware(h.ListDeadLetters))
	mux.HandleFunc("GET "+base+"/settings", tenantMiddleware(h.GetSettings))
	mux.HandleFunc("PUT "+base+"/settings", tenantMiddleware(h.UpdateSettings))
	mux.HandleFunc("GET "+base+"/recommendations", tenantMiddleware(h.ListRecommendations))

	mux.HandleFunc("PUT "+base+"/tenants/{tid}/quota", superAdmin(h.OverrideQuota))
}

// Stats handles GET /api/admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	stats, err := h.adminService.Stats(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err, "get_stats_failed", h.logger)
		return
	}
	writeOK(w, http.StatusOK, stats, h.logger)
}

// Quota handles GET /api/admin/quota
func (h *AdminHandler) Quota(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	usage, err := h.adminService.Usage(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err, "get_quota_failed", h.logger)
		return
	}
	writeOK(w, http.StatusOK, usage, h.logger)
}

// ListDeadLetters handles GET /api/admin/dead-letters
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	limit, offset := parsePage(r)

	dead, total, err := h.adminService.ListDeadLetters(r.Context(), tenantID, limit, offset)
	if err != nil {
		writeServiceError(w, err, "list_dead_letters_failed", h.logger)
		return
	}
	if dead == nil {
		dead = make([]*models.DeadLetter, 0)
	}
	writeOK(w, http.StatusOK, PaginatedResponse{Items: dead, Total: total, Limit: limit, Offset: offset}, h.logger)
}

// GetSettings handles GET /api/admin/settings
func (h *AdminHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	settings, err := h.tenantService.Settings(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err, "get_settings_failed", h.logger)
		return
	}
	writeOK(w, http.StatusOK, settings, h.logger)
}

// UpdateSettings handles PUT /api/admin/settings
func (h *AdminHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}

	var update services.SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", h.logger)
		return
	}

	settings, err := h.tenantService.UpdateSettings(r.Context(), tenantID, &update)
	if err != nil {
		writeServiceError(w, err, "update_settings_failed", h.logger)
		return
	}
	h.logger.Info("Tenant settings updated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("user_id", userID))
	writeOK(w, http.StatusOK, settings, h.logger)
}

// ListRecommendations handles GET /api/admin/recommendations?limit=
func (h *AdminHandler) ListRecommendations(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	recs, err := h.learningService.ListRecommendations(r.Context(), tenantID, limit)
	if err != nil {
		writeServiceError(w, err, "list_recommendations_failed", h.logger)
		return
	}
	if recs == nil {
		recs = make([]*models.LearningRecommendation, 0)
	}
	writeOK(w, http.StatusOK, recs, h.logger)
}

// OverrideQuota handles PUT /api/admin/tenants/{tid}/quota
func (h *AdminHandler) OverrideQuota(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	var override models.QuotaOverride
	if err := json.NewDecoder(r.Body).Decode(&override); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", h.logger)
		return
	}

	settings, err := h.tenantService.OverrideQuota(r.Context(), tenantID, &override)
	if err != nil {
		writeServiceError(w, err, "override_quota_failed", h.logger)
		return
	}
	h.logger.Info("Tenant quota overridden", zap.String("tenant_id", tenantID.String()))
	writeOK(w, http.StatusOK, settings, h.logger)
}

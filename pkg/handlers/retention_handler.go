package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/services"
)

// RetentionHandler reports the tenant's retention window and runs an
// on-demand prune.
type RetentionHandler struct {
	tenantService    services.TenantService
	retentionService services.RetentionService
	logger           *zap.Logger
}

// NewRetentionHandler creates a new retention handler.
func NewRetentionHandler(tenantService services.TenantService, retentionService services.RetentionService, logger *zap.Logger) *RetentionHandler {
	return &RetentionHandler{
		tenantService:    tenantService,
		retentionService: retentionService,
		logger:           logger,
	}
}

// RegisterRoutes registers the retention handler's routes on the given mux.
func (h *RetentionHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	base := "/api/admin/retention"

	mux.HandleFunc("GET "+base, tenantMiddleware(h.GetRetention))
	mux.HandleFunc("POST "+base+"/run", tenantMiddleware(h.RunRetention))
}

type retentionResponse struct {
	RetentionDays int  `json:"retention_days"`
	IsDefault     bool `json:"is_default"`
}

type retentionRunResponse struct {
	RetentionDays int                   `json:"retention_days"`
	Deleted       *services.PruneResult `json:"deleted"`
	Total         int64                 `json:"total"`
}

// GetRetention handles GET /api/admin/retention
func (h *RetentionHandler) GetRetention(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}

	settings, err := h.tenantService.Settings(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err, "get_retention_failed", h.logger)
		return
	}

	resp := retentionResponse{RetentionDays: services.DefaultRetentionDays, IsDefault: true}
	if settings.RetentionDays > 0 {
		resp.RetentionDays = settings.RetentionDays
		resp.IsDefault = settings.RetentionDays == services.DefaultRetentionDays
	}
	writeOK(w, http.StatusOK, resp, h.logger)
}

// RunRetention handles POST /api/admin/retention/run
func (h *RetentionHandler) RunRetention(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}

	settings, err := h.tenantService.Settings(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err, "run_retention_failed", h.logger)
		return
	}

	res, err := h.retentionService.PruneTenant(r.Context(), tenantID, settings.RetentionDays)
	if err != nil {
		writeServiceError(w, err, "run_retention_failed", h.logger)
		return
	}

	h.logger.Info("On-demand retention run",
		zap.String("tenant_id", tenantID.String()),
		zap.String("user_id", userID),
		zap.Int64("deleted", res.Total()))
	writeOK(w, http.StatusOK, retentionRunResponse{
		RetentionDays: settings.RetentionDays,
		Deleted:       res,
		Total:         res.Total(),
	}, h.logger)
}

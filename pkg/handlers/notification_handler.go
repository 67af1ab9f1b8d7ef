package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/services"
)

// NotificationHandler serves delivery preferences and the in-app inbox.
type NotificationHandler struct {
	notificationService services.NotificationService
	logger              *zap.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(notificationService services.NotificationService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
		logger:              logger,
	}
}

// RegisterRoutes registers the notification handler's routes on the given mux.
func (h *NotificationHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("GET /api/notifications/preferences", tenantMiddleware(h.GetPreference))
	mux.HandleFunc("PUT /api/notifications/preferences", tenantMiddleware(h.UpdatePreference))
	mux.HandleFunc("GET /api/notifications/inbox", tenantMiddleware(h.ListInbox))
}

// GetPreference handles GET /api/notifications/preferences
func (h *NotificationHandler) GetPreference(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	pref, err := h.notificationService.GetPreference(r.Context(), tenantID, userID)
	if err != nil {
		writeServiceError(w, err, "get_preferences_failed", h.logger)
		return
	}
	writeOK(w, http.StatusOK, pref, h.logger)
}

// UpdatePreference handles PUT /api/notifications/preferences
func (h *NotificationHandler) UpdatePreference(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}

	var update services.PreferenceUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", h.logger)
		return
	}

	pref, err := h.notificationService.UpdatePreference(r.Context(), tenantID, userID, &update)
	if err != nil {
		writeServiceError(w, err, "update_preferences_failed", h.logger)
		return
	}
	writeOK(w, http.StatusOK, pref, h.logger)
}

// ListInbox handles GET /api/notifications/inbox?unread=true
func (h *NotificationHandler) ListInbox(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	limit, offset := parsePage(r)

	items, total, err := h.notificationService.ListInbox(r.Context(), tenantID, userID, parseBool(r, "unread"), limit, offset)
	if err != nil {
		writeServiceError(w, err, "list_inbox_failed", h.logger)
		return
	}
	if items == nil {
		items = make([]*models.InAppNotification, 0)
	}
	writeOK(w, http.StatusOK, PaginatedResponse{Items: items, Total: total, Limit: limit, Offset: offset}, h.logger)
}

package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/services"
)

// AlertHandler handles alert inbox and feedback requests.
type AlertHandler struct {
	alertService    services.AlertService
	learningService services.LearningService
	logger          *zap.Logger
}

// NewAlertHandler creates a new alert handler.
func NewAlertHandler(alertService services.AlertService, learningService services.LearningService, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{
		alertService:    alertService,
		learningService: learningService,
		logger:          logger,
	}
}

// RegisterRoutes registers the alert handler's routes on the given mux.
func (h *AlertHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	base := "/api/alerts"

	mux.HandleFunc("GET "+base, tenantMiddleware(h.ListAlerts))
	mux.HandleFunc("GET "+base+"/{aid}", tenantMiddleware(h.GetAlert))
	mux.HandleFunc("POST "+base+"/{aid}/read", tenantMiddleware(h.MarkRead))
	mux.HandleFunc("POST "+base+"/{aid}/snooze", tenantMiddleware(h.Snooze))
	mux.HandleFunc("POST "+base+"/{aid}/feedback", tenantMiddleware(h.SubmitFeedback))
}

// ListAlerts handles GET /api/alerts?search_id=&unread=true
func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}

	limit, offset := parsePage(r)
	filters := models.AlertFilters{
		RecipientID: userID,
		UnreadOnly:  parseBool(r, "unread"),
		Limit:       limit,
		Offset:      offset,
	}
	if v := r.URL.Query().Get("search_id"); v != "" {
		searchID, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_search_id", "Invalid search ID format", h.logger)
			return
		}
		filters.SearchID = &searchID
	}

	alerts, total, err := h.alertService.ListAlerts(r.Context(), tenantID, userID, filters)
	if err != nil {
		writeServiceError(w, err, "list_alerts_failed", h.logger)
		return
	}
	if alerts == nil {
		alerts = make([]*models.Alert, 0)
	}
	writeOK(w, http.StatusOK, PaginatedResponse{Items: alerts, Total: total, Limit: limit, Offset: offset}, h.logger)
}

// GetAlert handles GET /api/alerts/{aid}
func (h *AlertHandler) GetAlert(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	alertID, ok := ParseAlertID(w, r, h.logger)
	if !ok {
		return
	}

	alert, err := h.alertService.GetAlert(r.Context(), tenantID, userID, alertID)
	if err != nil {
		writeServiceError(w, err, "get_alert_failed", h.logger)
		return
	}
	writeOK(w, http.StatusOK, alert, h.logger)
}

type markReadRequest struct {
	Read *bool `json:"read"`
}

// MarkRead handles POST /api/alerts/{aid}/read
// An empty body marks the alert read.
func (h *AlertHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	alertID, ok := ParseAlertID(w, r, h.logger)
	if !ok {
		return
	}

	read := true
	if r.ContentLength != 0 {
		var req markReadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", h.logger)
			return
		}
		if req.Read != nil {
			read = *req.Read
		}
	}

	if err := h.alertService.MarkRead(r.Context(), tenantID, userID, alertID, read); err != nil {
		writeServiceError(w, err, "mark_read_failed", h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type snoozeRequest struct {
	// Until is RFC 3339; null clears the snooze.
	Until *time.Time `json:"until"`
}

// Snooze handles POST /api/alerts/{aid}/snooze
func (h *AlertHandler) Snooze(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	alertID, ok := ParseAlertID(w, r, h.logger)
	if !ok {
		return
	}

	var req snoozeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", h.logger)
		return
	}

	if err := h.alertService.Snooze(r.Context(), tenantID, userID, alertID, req.Until); err != nil {
		writeServiceError(w, err, "snooze_alert_failed", h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// SubmitFeedback handles POST /api/alerts/{aid}/feedback
func (h *AlertHandler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	alertID, ok := ParseAlertID(w, r, h.logger)
	if !ok {
		return
	}

	var input services.FeedbackInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", h.logger)
		return
	}

	alert, err := h.learningService.SubmitFeedback(r.Context(), tenantID, userID, alertID, &input)
	if err != nil {
		writeServiceError(w, err, "submit_feedback_failed", h.logger)
		return
	}
	writeOK(w, http.StatusOK, alert, h.logger)
}

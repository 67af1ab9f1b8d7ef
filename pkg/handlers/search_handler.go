package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/services"
)

// SearchHandler exposes saved-search management.
type SearchHandler struct {
	searchService services.SearchService
	logger        *zap.Logger
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(searchService services.SearchService, logger *zap.Logger) *SearchHandler {
	return &SearchHandler{
		searchService: searchService,
		logger:        logger,
	}
}

// RegisterRoutes registers the search handler's routes on the given mux.
func (h *SearchHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	base := "/api/searches"

	mux.HandleFunc("POST "+base, tenantMiddleware(h.Create))
	mux.HandleFunc("GET "+base, tenantMiddleware(h.List))
	mux.HandleFunc("GET "+base+"/{sid}", tenantMiddleware(h.Get))
	mux.HandleFunc("PUT "+base+"/{sid}", tenantMiddleware(h.Update))
	mux.HandleFunc("DELETE "+base+"/{sid}", tenantMiddleware(h.Delete))
	mux.HandleFunc("POST "+base+"/{sid}/pause", tenantMiddleware(h.Pause))
	mux.HandleFunc("POST "+base+"/{sid}/resume", tenantMiddleware(h.Resume))
	mux.HandleFunc("GET "+base+"/{sid}/executions", tenantMiddleware(h.ListExecutions))
}

func (h *SearchHandler) decodeInput(w http.ResponseWriter, r *http.Request) (*services.SearchInput, bool) {
	var input services.SearchInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", h.logger)
		return nil, false
	}
	return &input, true
}

// Create handles POST /api/searches
func (h *SearchHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	input, ok := h.decodeInput(w, r)
	if !ok {
		return
	}

	search, err := h.searchService.Create(r.Context(), tenantID, userID, input)
	if err != nil {
		writeServiceError(w, err, "create_search_failed", h.logger)
		return
	}
	writeOK(w, http.StatusCreated, search, h.logger)
}

// List handles GET /api/searches?status=active|paused
// Only the caller's own searches are listed.
func (h *SearchHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	status := models.SearchStatus(r.URL.Query().Get("status"))
	if status != "" && status != models.SearchStatusActive && status != models.SearchStatusPaused {
		writeError(w, http.StatusBadRequest, "invalid_status", "Status must be 'active' or 'paused'", h.logger)
		return
	}
	limit, offset := parsePage(r)

	searches, total, err := h.searchService.List(r.Context(), tenantID, userID, status, limit, offset)
	if err != nil {
		writeServiceError(w, err, "list_searches_failed", h.logger)
		return
	}
	if searches == nil {
		searches = make([]*models.SavedSearch, 0)
	}
	writeOK(w, http.StatusOK, PaginatedResponse{Items: searches, Total: total, Limit: limit, Offset: offset}, h.logger)
}

// Get handles GET /api/searches/{sid}
func (h *SearchHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	searchID, ok := ParseSearchID(w, r, h.logger)
	if !ok {
		return
	}

	search, err := h.searchService.Get(r.Context(), tenantID, userID, searchID)
	if err != nil {
		writeServiceError(w, err, "get_search_failed", h.logger)
		return
	}
	writeOK(w, http.StatusOK, search, h.logger)
}

// Update handles PUT /api/searches/{sid}
func (h *SearchHandler) Update(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	searchID, ok := ParseSearchID(w, r, h.logger)
	if !ok {
		return
	}
	input, ok := h.decodeInput(w, r)
	if !ok {
		return
	}

	search, err := h.searchService.Update(r.Context(), tenantID, userID, searchID, input)
	if err != nil {
		writeServiceError(w, err, "update_search_failed", h.logger)
		return
	}
	writeOK(w, http.StatusOK, search, h.logger)
}

// Delete handles DELETE /api/searches/{sid}
func (h *SearchHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	searchID, ok := ParseSearchID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.searchService.Delete(r.Context(), tenantID, userID, searchID); err != nil {
		writeServiceError(w, err, "delete_search_failed", h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Search deleted"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Pause handles POST /api/searches/{sid}/pause
func (h *SearchHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.searchService.Pause, "pause_search_failed")
}

// Resume handles POST /api/searches/{sid}/resume
func (h *SearchHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.searchService.Resume, "resume_search_failed")
}

type searchTransition = func(ctx context.Context, tenantID uuid.UUID, userID string, searchID uuid.UUID) (*models.SavedSearch, error)

func (h *SearchHandler) transition(w http.ResponseWriter, r *http.Request, fn searchTransition, errorCode string) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	searchID, ok := ParseSearchID(w, r, h.logger)
	if !ok {
		return
	}

	search, err := fn(r.Context(), tenantID, userID, searchID)
	if err != nil {
		writeServiceError(w, err, errorCode, h.logger)
		return
	}
	writeOK(w, http.StatusOK, search, h.logger)
}

// ListExecutions handles GET /api/searches/{sid}/executions
func (h *SearchHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(w, r, h.logger)
	if !ok {
		return
	}
	searchID, ok := ParseSearchID(w, r, h.logger)
	if !ok {
		return
	}
	limit, offset := parsePage(r)

	snapshots, total, err := h.searchService.ListExecutions(r.Context(), tenantID, userID, searchID, limit, offset)
	if err != nil {
		writeServiceError(w, err, "list_executions_failed", h.logger)
		return
	}
	if snapshots == nil {
		snapshots = make([]*models.ExecutionSnapshot, 0)
	}
	writeOK(w, http.StatusOK, PaginatedResponse{Items: snapshots, Total: total, Limit: limit, Offset: offset}, h.logger)
}

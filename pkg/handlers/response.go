package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
)

// ApiResponse is the envelope every JSON endpoint returns.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// PaginatedResponse wraps paginated results with metadata.
type PaginatedResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// writeOK wraps data in a successful ApiResponse.
func writeOK(w http.ResponseWriter, statusCode int, data any, logger *zap.Logger) {
	if err := WriteJSON(w, statusCode, ApiResponse{Success: true, Data: data}); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}

// writeError writes an error response, logging any encoding failure.
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string, logger *zap.Logger) {
	if err := ErrorResponse(w, statusCode, errorCode, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

// writeServiceError maps a service error onto an HTTP status. Anything not
// recognised is logged and reported as a 500 with fallbackCode.
func writeServiceError(w http.ResponseWriter, err error, fallbackCode string, logger *zap.Logger) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), logger)
	case errors.Is(err, apperrors.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), logger)
	case errors.Is(err, apperrors.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), logger)
	case errors.Is(err, apperrors.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), logger)
	case errors.Is(err, apperrors.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, "quota_exceeded", err.Error(), logger)
	default:
		logger.Error("Request failed", zap.String("error_code", fallbackCode), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fallbackCode, "Internal server error", logger)
	}
}

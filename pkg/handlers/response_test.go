package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
)

func TestErrorResponse(t *testing.T) {
	w := httptest.NewRecorder()

	require.NoError(t, ErrorResponse(w, http.StatusNotFound, "not_found", "resource not found"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "not_found", body["error"])
	assert.Equal(t, "resource not found", body["message"])
}

func TestWriteJSON_UnencodableData(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteJSON(w, http.StatusOK, map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid input", fmt.Errorf("%w: name is required", apperrors.ErrInvalidInput), http.StatusBadRequest, "invalid_request"},
		{"not found", fmt.Errorf("saved search x: %w", apperrors.ErrNotFound), http.StatusNotFound, "not_found"},
		{"forbidden", apperrors.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"conflict", apperrors.ErrConflict, http.StatusConflict, "conflict"},
		{"quota", fmt.Errorf("active_searches: %w", apperrors.ErrQuotaExceeded), http.StatusTooManyRequests, "quota_exceeded"},
		{"unknown", errors.New("connection refused"), http.StatusInternalServerError, "create_search_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeServiceError(w, tt.err, "create_search_failed", zap.NewNop())

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body["error"])
			if tt.wantStatus == http.StatusInternalServerError {
				assert.NotContains(t, body["message"], "connection refused")
			}
		})
	}
}

package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easel-ai/easel-engine/pkg/apperrors"
)

func TestWriteAppErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", apperrors.ErrNotFound, http.StatusNotFound, "not_found"},
		{"validation", apperrors.NewValidationError("title", "title is required"), http.StatusBadRequest, "validation_failed"},
		{"anything else", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			require.NoError(t, WriteAppError(rec, tt.err))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeBody(t, rec)["error"])
		})
	}
}

func TestWriteAppErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteAppError(rec, errors.New("password=hunter2 leaked")))
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestWriteJSONSetsContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteJSON(rec, http.StatusCreated, map[string]string{"ok": "yes"}))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/easel-ai/easel-engine/pkg/apperrors"
)

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

// WriteAppError maps an error from the service layer onto the HTTP error
// taxonomy and writes the response.
func WriteAppError(w http.ResponseWriter, err error) error {
	switch {
	case apperrors.IsNotFound(err):
		return ErrorResponse(w, http.StatusNotFound, "not_found", "Resource not found")
	case apperrors.IsValidation(err):
		return ErrorResponse(w, http.StatusBadRequest, "validation_failed", err.Error())
	default:
		return ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ParseArtifactID extracts and validates the artifact ID from the request
// path. Returns the parsed UUID and true on success, or uuid.Nil and false
// on error (after writing an error response).
// Expects path parameter: aid
func ParseArtifactID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "aid", "invalid_artifact_id", "Invalid artifact ID format", logger)
}

// ParseAgentID extracts and validates the agent ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on
// error (after writing an error response).
// Expects path parameter: agid
func ParseAgentID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "agid", "invalid_agent_id", "Invalid agent ID format", logger)
}

// ParseVersionNumber extracts and validates the version number from the
// request path. Versions are 1-based.
// Expects path parameter: ver
func ParseVersionNumber(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int, bool) {
	verStr := r.PathValue("ver")
	ver, err := strconv.Atoi(verStr)
	if err != nil || ver < 1 {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_version", "Invalid version number"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return 0, false
	}
	return ver, true
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	idStr := r.PathValue(pathParam)
	id, err := uuid.Parse(idStr)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/easel-ai/easel-engine/pkg/auth"
	"github.com/easel-ai/easel-engine/pkg/services"
)

// ToolsHandler exposes the effective tool catalog.
type ToolsHandler struct {
	registry *services.Registry
	logger   *zap.Logger
}

// NewToolsHandler creates a new ToolsHandler.
func NewToolsHandler(registry *services.Registry, logger *zap.Logger) *ToolsHandler {
	return &ToolsHandler{registry: registry, logger: logger}
}

// RegisterRoutes registers the tool catalog routes on the given mux.
func (h *ToolsHandler) RegisterRoutes(mux *http.ServeMux, authMW *auth.Middleware) {
	mux.HandleFunc("GET /api/tools", authMW.RequireAuth(h.ListTools))
}

// ListTools handles GET /api/tools. Without an allow parameter the full
// aggregated catalog is returned; with one (a JSON object mapping provider
// to tool names) the conversation's effective, filtered catalog is
// returned.
func (h *ToolsHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUserIDFromContext(r.Context())
	if err != nil {
		if werr := ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Authentication required"); werr != nil {
			h.logger.Error("Failed to write error response", zap.Error(werr))
		}
		return
	}

	allowParam := r.URL.Query().Get("allow")
	if allowParam == "" {
		catalog := h.registry.Catalog(r.Context())
		if err := WriteJSON(w, http.StatusOK, map[string]any{"tools": catalog}); err != nil {
			h.logger.Error("Failed to encode tools response", zap.Error(err))
		}
		return
	}

	var allowList map[string][]string
	if err := json.Unmarshal([]byte(allowParam), &allowList); err != nil {
		if werr := ErrorResponse(w, http.StatusBadRequest, "invalid_allow_list", "allow must be a JSON object of provider to tool names"); werr != nil {
			h.logger.Error("Failed to write error response", zap.Error(werr))
		}
		return
	}

	catalog := h.registry.ToolsFor(r.Context(), userID, allowList)
	if err := WriteJSON(w, http.StatusOK, map[string]any{"tools": catalog}); err != nil {
		h.logger.Error("Failed to encode tools response", zap.Error(err))
	}
}

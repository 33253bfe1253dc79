package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/easel-ai/easel-engine/pkg/auth"
	"github.com/easel-ai/easel-engine/pkg/models"
	"github.com/easel-ai/easel-engine/pkg/repositories"
	"github.com/easel-ai/easel-engine/pkg/services"
)

// AgentHandler handles agent creation and the admin permission surface.
type AgentHandler struct {
	agentRepo   repositories.AgentRepository
	permissions services.PermissionService
	logger      *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(agentRepo repositories.AgentRepository, permissions services.PermissionService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		agentRepo:   agentRepo,
		permissions: permissions,
		logger:      logger,
	}
}

// RegisterRoutes registers the agent routes on the given mux.
func (h *AgentHandler) RegisterRoutes(mux *http.ServeMux, authMW *auth.Middleware) {
	mux.HandleFunc("POST /api/agents", authMW.RequireAuth(h.CreateAgent))
	mux.HandleFunc("GET /api/agents/{agid}", authMW.RequireAuth(h.GetAgent))
	mux.HandleFunc("GET /api/agents/{agid}/permissions", authMW.RequireAuth(h.GetPermissions))
	mux.HandleFunc("POST /api/agents/{agid}/permissions", authMW.RequireAuth(h.ReplacePermissions))
}

type createAgentRequest struct {
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
}

type permissionsRequest struct {
	Visibility string   `json:"visibility"`
	UserIDs    []string `json:"userIds"`
}

// agentData is the wire shape of an agent.
type agentData struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	Name       string    `json:"name"`
	Visibility string    `json:"visibility"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func newAgentData(a *models.Agent) agentData {
	return agentData{
		ID:         a.ID.String(),
		OwnerID:    a.OwnerID,
		Name:       a.Name,
		Visibility: string(a.Visibility),
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

// permissionData is the wire shape of one permission grant.
type permissionData struct {
	UserID          string    `json:"userId"`
	GrantedBy       string    `json:"grantedBy"`
	GrantedAt       time.Time `json:"grantedAt"`
	PermissionLevel string    `json:"permissionLevel"`
}

// CreateAgent handles POST /api/agents.
func (h *AgentHandler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUserIDFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "Failed to read request body")
		return
	}
	var req createAgentRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "name is required")
		return
	}
	if req.Visibility == "" {
		req.Visibility = string(models.VisibilityPrivate)
	}

	agent := &models.Agent{
		OwnerID:    userID,
		Name:       req.Name,
		Visibility: models.Visibility(req.Visibility),
	}
	if err := h.agentRepo.Create(r.Context(), agent); err != nil {
		h.writeAppError(w, err)
		return
	}
	if err := WriteJSON(w, http.StatusCreated, map[string]any{"agent": newAgentData(agent)}); err != nil {
		h.logger.Error("Failed to encode agent response", zap.Error(err))
	}
}

// GetAgent handles GET /api/agents/{agid}. Any user the agent is visible to
// may read it.
func (h *AgentHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUserIDFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	id, ok := ParseAgentID(w, r, h.logger)
	if !ok {
		return
	}

	agent, err := h.agentRepo.Get(r.Context(), id)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	allowed, err := h.permissions.ResolveAgentAccess(r.Context(), userID, agent)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}
	if !allowed {
		h.writeError(w, http.StatusForbidden, "forbidden", "Access to this agent is denied")
		return
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{"agent": newAgentData(agent)}); err != nil {
		h.logger.Error("Failed to encode agent response", zap.Error(err))
	}
}

// GetPermissions handles GET /api/agents/{agid}/permissions.
// Only the owner or an admin may inspect the grant set.
func (h *AgentHandler) GetPermissions(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.requireManageable(w, r)
	if !ok {
		return
	}

	rows, err := h.agentRepo.ListPermissions(r.Context(), agent.ID)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	out := make([]permissionData, 0, len(rows))
	for _, p := range rows {
		out = append(out, permissionData{
			UserID:          p.UserID,
			GrantedBy:       p.GrantedBy,
			GrantedAt:       p.GrantedAt,
			PermissionLevel: p.PermissionLevel,
		})
	}
	response := map[string]any{
		"visibility":  string(agent.Visibility),
		"permissions": out,
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode permissions response", zap.Error(err))
	}
}

// ReplacePermissions handles POST /api/agents/{agid}/permissions. The
// visibility update and permission-row replacement commit as one
// transaction.
func (h *AgentHandler) ReplacePermissions(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.requireManageable(w, r)
	if !ok {
		return
	}

	userID := auth.GetUserIDFromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "Failed to read request body")
		return
	}
	var req permissionsRequest
	if err := validateRequestBody("agent_permissions", body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	err = h.agentRepo.ReplacePermissions(r.Context(), agent.ID,
		models.Visibility(req.Visibility), req.UserIDs, userID)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireManageable parses the agent ID and checks that the caller may
// manage the agent (owner or admin). On failure the response is written and
// ok is false.
func (h *AgentHandler) requireManageable(w http.ResponseWriter, r *http.Request) (*models.Agent, bool) {
	userID, err := auth.RequireUserIDFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return nil, false
	}

	id, ok := ParseAgentID(w, r, h.logger)
	if !ok {
		return nil, false
	}

	agent, err := h.agentRepo.Get(r.Context(), id)
	if err != nil {
		h.writeAppError(w, err)
		return nil, false
	}

	roles := auth.GetRolesFromContext(r.Context())
	if !h.permissions.CanManageAgent(userID, roles, agent) {
		h.writeError(w, http.StatusForbidden, "forbidden", "Only the agent owner or an admin may manage permissions")
		return nil, false
	}
	return agent, true
}

func (h *AgentHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

func (h *AgentHandler) writeAppError(w http.ResponseWriter, err error) {
	if werr := WriteAppError(w, err); werr != nil {
		h.logger.Error("Failed to write error response", zap.Error(werr))
	}
}

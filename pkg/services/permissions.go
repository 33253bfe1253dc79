package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/easel-ai/easel-engine/pkg/models"
	"github.com/easel-ai/easel-engine/pkg/repositories"
	"github.com/easel-ai/easel-engine/pkg/tools"
)

// PermissionService computes effective access for users against agents and
// tool catalogs. Every decision fails closed: unknown visibility values,
// repository errors and malformed allow-lists all resolve to denial.
type PermissionService interface {
	// ResolveAgentAccess reports whether userID may use the agent.
	ResolveAgentAccess(ctx context.Context, userID string, agent *models.Agent) (bool, error)

	// CanManageAgent reports whether userID may mutate the agent's
	// permission surface (owner, or a caller holding the admin role).
	CanManageAgent(userID string, roles []string, agent *models.Agent) bool
}

type permissionService struct {
	agentRepo repositories.AgentRepository
	logger    *zap.Logger
}

// NewPermissionService creates a new PermissionService.
func NewPermissionService(agentRepo repositories.AgentRepository, logger *zap.Logger) PermissionService {
	return &permissionService{
		agentRepo: agentRepo,
		logger:    logger.Named("permission-service"),
	}
}

var _ PermissionService = (*permissionService)(nil)

// ResolveAgentAccess applies the visibility matrix. Per-user permission
// rows are consulted only for admin-selective agents; readonly behaves as
// private for non-owners (see DESIGN.md).
func (s *permissionService) ResolveAgentAccess(ctx context.Context, userID string, agent *models.Agent) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if agent.OwnerID == userID {
		return true, nil
	}

	switch models.NormalizeVisibility(agent.Visibility) {
	case models.VisibilityPublic:
		return true, nil
	case models.VisibilityPrivate, models.VisibilityReadonly:
		return false, nil
	case models.VisibilityAdminAll:
		return true, nil
	case models.VisibilityAdminSelective:
		granted, err := s.agentRepo.HasPermission(ctx, agent.ID, userID)
		if err != nil {
			return false, fmt.Errorf("failed to resolve agent permission: %w", err)
		}
		return granted, nil
	default:
		s.logger.Warn("Denying access for unknown agent visibility",
			zap.String("agent_id", agent.ID.String()),
			zap.String("visibility", string(agent.Visibility)))
		return false, nil
	}
}

func (s *permissionService) CanManageAgent(userID string, roles []string, agent *models.Agent) bool {
	if userID == "" {
		return false
	}
	if agent.OwnerID == userID {
		return true
	}
	for _, role := range roles {
		if role == "admin" {
			return true
		}
	}
	return false
}

// ResolveToolAccess filters an aggregated catalog against a conversation's
// allow-list. For each provider, only tool names present in the allow-list
// survive; providers absent from the allow-list contribute zero tools.
// Pure and side-effect free; the result is safe to cache per request.
// Malformed entries (empty provider keys, blank tool names) are treated as
// empty, never as errors.
func ResolveToolAccess(catalog map[string][]tools.Descriptor, allowList map[string][]string) map[string][]tools.Descriptor {
	filtered := make(map[string][]tools.Descriptor)
	if len(catalog) == 0 || len(allowList) == 0 {
		return filtered
	}

	for provider, descriptors := range catalog {
		allowed, ok := allowList[provider]
		if !ok || len(allowed) == 0 {
			continue
		}

		allowedNames := make(map[string]struct{}, len(allowed))
		for _, name := range allowed {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			allowedNames[name] = struct{}{}
		}

		var kept []tools.Descriptor
		for _, d := range descriptors {
			if _, ok := allowedNames[d.Name]; ok {
				kept = append(kept, d)
			}
		}
		if len(kept) > 0 {
			filtered[provider] = kept
		}
	}
	return filtered
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/easel-ai/easel-engine/pkg/apperrors"
	"github.com/easel-ai/easel-engine/pkg/database"
	"github.com/easel-ai/easel-engine/pkg/models"
)

// AgentRepository defines data access for agents and their per-user
// permission grants.
type AgentRepository interface {
	// Create inserts a new agent.
	Create(ctx context.Context, agent *models.Agent) error

	// Get retrieves an agent by ID.
	Get(ctx context.Context, id uuid.UUID) (*models.Agent, error)

	// HasPermission reports whether a permission row exists for
	// (agentID, userID).
	HasPermission(ctx context.Context, agentID uuid.UUID, userID string) (bool, error)

	// ListPermissions returns all permission rows for an agent.
	ListPermissions(ctx context.Context, agentID uuid.UUID) ([]*models.AgentPermission, error)

	// ReplacePermissions updates the agent's visibility and replaces its
	// permission rows with grants for userIDs, in a single transaction.
	ReplacePermissions(ctx context.Context, agentID uuid.UUID, visibility models.Visibility, userIDs []string, grantedBy string) error
}

// agentRepository implements AgentRepository using PostgreSQL.
type agentRepository struct {
	db *database.DB
}

// NewAgentRepository creates a new agent repository.
func NewAgentRepository(db *database.DB) AgentRepository {
	return &agentRepository{db: db}
}

func (r *agentRepository) Create(ctx context.Context, agent *models.Agent) error {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	agent.Visibility = models.NormalizeVisibility(agent.Visibility)
	if !agent.Visibility.Valid() {
		return apperrors.NewValidationError("visibility",
			fmt.Sprintf("unknown visibility %q", agent.Visibility))
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO agents (id, owner_id, name, visibility, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		agent.ID, agent.OwnerID, agent.Name, agent.Visibility, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (r *agentRepository) Get(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	var agent models.Agent
	err := r.db.QueryRow(ctx, `
		SELECT id, owner_id, name, visibility, created_at, updated_at
		FROM agents
		WHERE id = $1`, id).Scan(
		&agent.ID,
		&agent.OwnerID,
		&agent.Name,
		&agent.Visibility,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	agent.Visibility = models.NormalizeVisibility(agent.Visibility)
	return &agent, nil
}

func (r *agentRepository) HasPermission(ctx context.Context, agentID uuid.UUID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM agent_user_permission
			WHERE agent_id = $1 AND user_id = $2
		)`, agentID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check agent permission: %w", err)
	}
	return exists, nil
}

func (r *agentRepository) ListPermissions(ctx context.Context, agentID uuid.UUID) ([]*models.AgentPermission, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, agent_id, user_id, granted_by, granted_at, permission_level
		FROM agent_user_permission
		WHERE agent_id = $1
		ORDER BY granted_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent permissions: %w", err)
	}
	defer rows.Close()

	var permissions []*models.AgentPermission
	for rows.Next() {
		var p models.AgentPermission
		if err := rows.Scan(&p.ID, &p.AgentID, &p.UserID, &p.GrantedBy, &p.GrantedAt, &p.PermissionLevel); err != nil {
			return nil, fmt.Errorf("failed to scan agent permission: %w", err)
		}
		permissions = append(permissions, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read agent permissions: %w", err)
	}
	return permissions, nil
}

// ReplacePermissions performs the admin mutation as one transaction so a
// reader never observes the new visibility with the old grant set.
func (r *agentRepository) ReplacePermissions(ctx context.Context, agentID uuid.UUID, visibility models.Visibility, userIDs []string, grantedBy string) error {
	visibility = models.NormalizeVisibility(visibility)
	if !visibility.Valid() {
		return apperrors.NewValidationError("visibility",
			fmt.Sprintf("unknown visibility %q", visibility))
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE agents SET visibility = $1, updated_at = $2 WHERE id = $3`,
		visibility, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("failed to update agent visibility: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM agent_user_permission WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("failed to revoke agent permissions: %w", err)
	}

	now := time.Now()
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO agent_user_permission (id, agent_id, user_id, granted_by, granted_at, permission_level)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (agent_id, user_id) DO NOTHING`,
			uuid.New(), agentID, userID, grantedBy, now, models.PermissionLevelUse)
		if err != nil {
			return fmt.Errorf("failed to grant agent permission: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit permission change: %w", err)
	}
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Visibility is the access tier on an agent governing who besides the owner
// may use it.
type Visibility string

const (
	VisibilityPublic         Visibility = "public"
	VisibilityPrivate        Visibility = "private"
	VisibilityReadonly       Visibility = "readonly"
	VisibilityAdminAll       Visibility = "admin-all"
	VisibilityAdminSelective Visibility = "admin-selective"

	// visibilityAdminShared is the retired spelling of admin-all. Stored rows
	// were backfilled by migration 003; it is still normalized here so stale
	// API clients cannot reintroduce it.
	visibilityAdminShared Visibility = "admin-shared"
)

// Valid reports whether v is a member of the closed visibility set.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityPrivate, VisibilityReadonly,
		VisibilityAdminAll, VisibilityAdminSelective:
		return true
	}
	return false
}

// NormalizeVisibility maps legacy spellings onto the closed set.
func NormalizeVisibility(v Visibility) Visibility {
	if v == visibilityAdminShared {
		return VisibilityAdminAll
	}
	return v
}

// Agent is a configured agent a user converses with. Only the permission
// surface lives in this engine; prompt and model wiring are external.
type Agent struct {
	ID         uuid.UUID  `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// AgentPermission grants one user access to one admin-selective agent.
// Unique per (agent_id, user_id).
type AgentPermission struct {
	ID              uuid.UUID `json:"id"`
	AgentID         uuid.UUID `json:"agent_id"`
	UserID          string    `json:"user_id"`
	GrantedBy       string    `json:"granted_by"`
	GrantedAt       time.Time `json:"granted_at"`
	PermissionLevel string    `json:"permission_level"`
}

// PermissionLevelUse is the default permission level for granted users.
const PermissionLevelUse = "use"

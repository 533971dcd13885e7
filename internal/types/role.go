package types

import (
	"time"

	"github.com/google/uuid"
)

// RoleName names a capability bundle in the static role→action table.
type RoleName string

const (
	RoleSiteAdmin RoleName = "siteAdmin"
	RoleOwner     RoleName = "owner"
	RoleModerator RoleName = "moderator"
	RoleMember    RoleName = "member"
)

// Action is a named operation checked against the capability table.
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
	ActionGrant  Action = "grant"
)

// ObjectIDAll is the sentinel meaning "all objects of the object type".
const ObjectIDAll = "*"

// RoleAssignment grants a role to a user, scoped to a resource type and
// optionally a specific resource instance. The
// (UserID, Role, ObjectType, ObjectID) tuple is unique; grants are upserts.
type RoleAssignment struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	Role       RoleName  `json:"role"`
	ObjectType string    `json:"object_type" example:"app"`
	ObjectID   string    `json:"object_id"` // ObjectIDAll or a specific object id.
	CreatedAt  time.Time `json:"created_at"`
}

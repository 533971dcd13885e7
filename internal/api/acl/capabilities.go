package acl

import "github.com/harborauth/harbor/internal/types"

// roleCapabilities is the static role→action table consulted during tuple
// scans. Absence of an entry is a deny; nothing here ever defaults to allow.
var roleCapabilities = map[types.RoleName]map[types.Action]struct{}{
	types.RoleSiteAdmin: {
		types.ActionView:   {},
		types.ActionCreate: {},
		types.ActionEdit:   {},
		types.ActionDelete: {},
		types.ActionGrant:  {},
	},
	types.RoleOwner: {
		types.ActionView:   {},
		types.ActionEdit:   {},
		types.ActionDelete: {},
		types.ActionGrant:  {},
	},
	types.RoleModerator: {
		types.ActionView: {},
		types.ActionEdit: {},
	},
	types.RoleMember: {
		types.ActionView:   {},
		types.ActionCreate: {},
	},
}

// RoleGrants reports whether the capability table gives the role the action.
func RoleGrants(role types.RoleName, action types.Action) bool {
	actions, ok := roleCapabilities[role]
	if !ok {
		return false
	}
	_, ok = actions[action]
	return ok
}

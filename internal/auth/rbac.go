package auth

import (
	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/errors"
)

// Action is something a role may or may not do.
type Action string

const (
	ActionView        Action = "view"
	ActionComment     Action = "comment"
	ActionEdit        Action = "edit"
	ActionDelete      Action = "delete"
	ActionManageUsers Action = "manage_users"
)

var permissions = map[domain.Role]map[Action]bool{
	domain.RoleAdministrator: {
		ActionView: true, ActionComment: true, ActionEdit: true, ActionDelete: true, ActionManageUsers: true,
	},
	domain.RoleUser: {
		ActionView: true, ActionComment: true, ActionEdit: true, ActionDelete: true,
	},
	domain.RoleCommenter: {
		ActionView: true, ActionComment: true,
	},
}

// Can reports whether role may perform action.
func Can(role domain.Role, action Action) bool {
	return permissions[role][action]
}

// Authorize returns a forbidden error when role may not perform action.
func Authorize(role domain.Role, action Action) error {
	if Can(role, action) {
		return nil
	}
	if role == "" {
		return errors.Forbidden("no role assigned")
	}
	return errors.Forbidden(string(role) + " may not " + string(action)).
		WithDetails("role", string(role)).
		WithDetails("action", string(action))
}

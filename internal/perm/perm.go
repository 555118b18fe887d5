// Package perm is the authorization decision table for the board. It is pure:
// no I/O, no store calls. Every mutating call site consults this gate before
// touching an adapter.
package perm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPermissionDenied signals a gate rejection. Callers surface it as a
// no-op or redirect, never retry it.
var ErrPermissionDenied = errors.New("perm: permission denied")

// Role is the coarse authorization level resolved at sign-in.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// Roles lists every known role.
var Roles = []Role{RoleViewer, RoleEditor, RoleAdmin}

// ParseRole normalises and validates a stored role string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.TrimSpace(strings.ToLower(s))) {
	case RoleViewer:
		return RoleViewer, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Action identifies a gated operation.
type Action string

const (
	ActionViewBoard     Action = "board.view"
	ActionCreateNote    Action = "note.create"
	ActionEditNote      Action = "note.edit"
	ActionDeleteNote    Action = "note.delete"
	ActionAssignNote    Action = "note.assign"
	ActionCreateComment Action = "comment.create"
	ActionPinComment    Action = "comment.pin"
	ActionChangeRole    Action = "user.role.change"
)

// Actions lists every gated operation.
var Actions = []Action{
	ActionViewBoard,
	ActionCreateNote,
	ActionEditNote,
	ActionDeleteNote,
	ActionAssignNote,
	ActionCreateComment,
	ActionPinComment,
	ActionChangeRole,
}

// table enumerates every (action, role) pair explicitly. Comment creation is
// admin-only: of the two policies that existed historically this encodes the
// later one.
var table = map[Action]map[Role]bool{
	ActionViewBoard:     {RoleViewer: true, RoleEditor: true, RoleAdmin: true},
	ActionCreateNote:    {RoleViewer: false, RoleEditor: true, RoleAdmin: true},
	ActionEditNote:      {RoleViewer: false, RoleEditor: true, RoleAdmin: true},
	ActionDeleteNote:    {RoleViewer: false, RoleEditor: true, RoleAdmin: true},
	ActionAssignNote:    {RoleViewer: false, RoleEditor: false, RoleAdmin: true},
	ActionCreateComment: {RoleViewer: false, RoleEditor: false, RoleAdmin: true},
	ActionPinComment:    {RoleViewer: false, RoleEditor: false, RoleAdmin: true},
	ActionChangeRole:    {RoleViewer: false, RoleEditor: false, RoleAdmin: true},
}

// Allows reports whether role may perform action. Unknown roles and unknown
// actions are denied, never silently allowed.
func Allows(role Role, action Action) bool {
	byRole, ok := table[action]
	if !ok {
		return false
	}
	allowed, ok := byRole[role]
	return ok && allowed
}

// CanModifyComment reports whether the principal identified by uid may edit
// or delete a comment authored by creatorUID. Ownership is the only rule:
// admins get no override here.
func CanModifyComment(uid, creatorUID string) bool {
	return uid != "" && uid == creatorUID
}

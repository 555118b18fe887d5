package identity

import (
	"time"

	"ebbflow.dev/internal/perm"
)

// AuthIdentity is what the identity provider yields for an authenticated
// user: a stable identifier plus display data. It carries no authorization.
type AuthIdentity struct {
	UID         string `json:"uid"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Principal pairs an authenticated identity with its resolved role. It is
// constructed once by the Resolver and never mutated in place.
type Principal struct {
	AuthIdentity
	Role perm.Role `json:"role"`
}

// Can consults the permission gate for this principal's role.
func (p Principal) Can(action perm.Action) bool {
	return perm.Allows(p.Role, action)
}

// Profile is the stored user record, lazily provisioned on first sign-in and
// never deleted by this system.
type Profile struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Role        perm.Role `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

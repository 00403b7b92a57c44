package auth

import (
	"context"
	"strings"
)

// Permission is a per-track capability kind.
type Permission string

const (
	PermissionView   Permission = "view"
	PermissionEdit   Permission = "edit"
	PermissionManage Permission = "manage"
)

// Roles recognised by the permission evaluator. Admin and project manager
// implicitly hold every grant for every track; other roles rely on the
// explicit grant table.
const (
	RoleAdmin          = "admin"
	RoleProjectManager = "project_manager"
	RoleMember         = "member"
)

// NormalizeRole lower-cases and trims a role claim.
func NormalizeRole(role string) string {
	return strings.TrimSpace(strings.ToLower(role))
}

// PermissionSet is the set of permission kinds held for one track.
type PermissionSet map[Permission]struct{}

func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Grants maps track id to the permissions a user holds there.
type Grants map[string]PermissionSet

// Clone returns a deep copy so a session snapshot cannot alias the source.
func (g Grants) Clone() Grants {
	if g == nil {
		return nil
	}
	out := make(Grants, len(g))
	for track, perms := range g {
		set := make(PermissionSet, len(perms))
		for p := range perms {
			set[p] = struct{}{}
		}
		out[track] = set
	}
	return out
}

// GrantSource reads the current grant state owned by the external identity store.
type GrantSource interface {
	Grants(ctx context.Context, userID string) (Grants, error)
}

// Evaluator decides whether a permission is held for a track. One strategy
// per role class, selected at session construction time.
type Evaluator interface {
	Allows(trackID string, perm Permission) bool
}

// EvaluatorForRole selects the evaluation strategy for a role.
func EvaluatorForRole(role string, grants Grants) Evaluator {
	switch NormalizeRole(role) {
	case RoleAdmin, RoleProjectManager:
		return allowAll{}
	default:
		return grantTable{grants: grants}
	}
}

// allowAll grants every permission on every track.
type allowAll struct{}

func (allowAll) Allows(string, Permission) bool { return true }

// grantTable looks permissions up in the explicit grant snapshot.
type grantTable struct {
	grants Grants
}

func (g grantTable) Allows(trackID string, perm Permission) bool {
	set, ok := g.grants[trackID]
	if !ok {
		return false
	}
	return set.Has(perm)
}

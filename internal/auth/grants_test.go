package auth

import (
	"context"
	"testing"
)

func TestEvaluatorForRoleAdminAllowsEverything(t *testing.T) {
	for _, role := range []string{RoleAdmin, RoleProjectManager, "Admin "} {
		eval := EvaluatorForRole(role, nil)
		if !eval.Allows("any-track", PermissionManage) {
			t.Fatalf("role %q should allow everything", role)
		}
	}
}

func TestEvaluatorForRoleMemberUsesGrantTable(t *testing.T) {
	grants := Grants{
		"track-a": {PermissionView: {}, PermissionEdit: {}},
		"track-b": {PermissionView: {}},
	}
	eval := EvaluatorForRole(RoleMember, grants)

	if !eval.Allows("track-a", PermissionEdit) {
		t.Fatal("explicit grant denied")
	}
	if eval.Allows("track-b", PermissionEdit) {
		t.Fatal("edit allowed with only view grant")
	}
	if eval.Allows("track-c", PermissionView) {
		t.Fatal("unknown track allowed")
	}
}

func TestGrantsCloneIsIndependent(t *testing.T) {
	src := Grants{"track-a": {PermissionView: {}}}
	cp := src.Clone()
	cp["track-a"][PermissionEdit] = struct{}{}
	cp["track-b"] = PermissionSet{PermissionView: {}}

	if src["track-a"].Has(PermissionEdit) {
		t.Fatal("clone aliases permission set")
	}
	if _, ok := src["track-b"]; ok {
		t.Fatal("clone aliases track map")
	}
}

func TestMemoryGrantsChangeHook(t *testing.T) {
	m := NewMemoryGrants()
	var gotUser string
	var gotGrants Grants
	m.OnChange = func(userID string, grants Grants) {
		gotUser = userID
		gotGrants = grants
	}

	m.Grant("user-1", "track-a", PermissionView, PermissionEdit)
	if gotUser != "user-1" || !gotGrants["track-a"].Has(PermissionEdit) {
		t.Fatalf("hook not fired with new grants: %s %v", gotUser, gotGrants)
	}

	m.Revoke("user-1", "track-a")
	if _, ok := gotGrants["track-a"]; ok {
		t.Fatal("hook not fired after revoke")
	}

	snapshot, err := m.Grants(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot) != 0 {
		t.Fatalf("grants not revoked: %v", snapshot)
	}
}

func TestContextUser(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "user-1", RoleAdmin)
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-1" {
		t.Fatalf("user not in context: %q %v", id, ok)
	}
	if !HasRole(ctx, RoleAdmin) {
		t.Fatal("role not in context")
	}
	if HasRole(context.Background(), RoleAdmin) {
		t.Fatal("empty context should not carry a role")
	}
}

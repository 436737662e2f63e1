package auth

import (
	"context"
	"testing"
)

func TestWithIdentityAndFromContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "u-1", Role: "teacher"})
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected Identity in context")
	}
	if got.UserID != "u-1" {
		t.Errorf("UserID = %q, want %q", got.UserID, "u-1")
	}
	if got.Role != "teacher" {
		t.Errorf("Role = %q, want %q", got.Role, "teacher")
	}
}

func TestFromContextMissing(t *testing.T) {
	_, ok := FromContext(context.Background())
	if ok {
		t.Error("expected false for missing Identity")
	}
}

func TestUserID(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "u-7"})
	if UserID(ctx) != "u-7" {
		t.Errorf("UserID = %q, want u-7", UserID(ctx))
	}
	if UserID(context.Background()) != "" {
		t.Error("expected empty user for missing context")
	}
}

func TestHasRole(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "u-1", Role: "Teacher"})
	if !HasRole(ctx, RoleTeacher, RoleFaculty) {
		t.Error("expected Teacher to match teacher")
	}
	if HasRole(ctx, RoleStudent) {
		t.Error("teacher should not match student")
	}
	if HasRole(context.Background(), RoleStudent) {
		t.Error("expected false for missing context")
	}
}

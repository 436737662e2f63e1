package auth

import (
	"context"
	"strings"
)

type contextKey struct{}

const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleFaculty = "faculty"
	RoleAdmin   = "admin"
)

// Identity is the verified caller attached to a request.
type Identity struct {
	UserID string
	Role   string
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

func UserID(ctx context.Context) string {
	id, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return id.UserID
}

// NormalizeRole lower-cases a role claim. The identity provider issues both
// "Teacher" and "teacher" style values.
func NormalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// HasRole reports whether the caller holds any of roles.
func HasRole(ctx context.Context, roles ...string) bool {
	id, ok := FromContext(ctx)
	if !ok {
		return false
	}
	role := NormalizeRole(id.Role)
	for _, r := range roles {
		if role == r {
			return true
		}
	}
	return false
}

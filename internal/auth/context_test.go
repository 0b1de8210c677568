// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests AuthContext role checks and context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestAuthContext_HasRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		role  string
		want  bool
	}{
		{"present", []string{"member", "billing"}, "billing", true},
		{"absent", []string{"member"}, "admin", false},
		{"nil roles", nil, "member", false},
		{"case sensitive", []string{"Admin"}, "admin", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &AuthContext{Subject: "u1", TenantID: "acme", Roles: tt.roles}
			if got := a.HasRole(tt.role); got != tt.want {
				t.Errorf("HasRole(%q) = %v, want %v", tt.role, got, tt.want)
			}
		})
	}
}

func TestAuthContext_IdentityIsCopy(t *testing.T) {
	a := &AuthContext{Subject: "u1", TenantID: "acme", Roles: []string{"member"}}
	id := a.Identity()
	id.Roles[0] = "admin"

	if a.Roles[0] != "member" {
		t.Errorf("mutating Identity().Roles changed AuthContext.Roles to %v", a.Roles)
	}
}

func TestWithAuth_FromContext(t *testing.T) {
	want := &AuthContext{Subject: "u1", TenantID: "acme"}
	ctx := WithAuth(context.Background(), want)

	got := FromContext(ctx)
	if got != want {
		t.Errorf("FromContext() = %v, want %v", got, want)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustFromContext() did not panic on empty context")
		}
	}()
	MustFromContext(context.Background())
}

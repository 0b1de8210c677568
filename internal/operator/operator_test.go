// ABOUTME: Tests for operator allow-list authorization and the operator token guard
// ABOUTME: Covers listed and unlisted actors, blank input, and bearer token checks

package operator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowList_Authorize(t *testing.T) {
	list := NewAllowList([]string{"U9", " ops@example.com ", ""})
	ctx := context.Background()

	assert.Equal(t, 2, list.Len())
	assert.NoError(t, list.Authorize(ctx, "U9", CapabilityTenantLock))
	assert.NoError(t, list.Authorize(ctx, "ops@example.com", CapabilityTenantUnlock))

	assert.ErrorIs(t, list.Authorize(ctx, "U1", CapabilityTenantLock), ErrUnauthorized)
	assert.ErrorIs(t, list.Authorize(ctx, "", CapabilityTenantLock), ErrUnauthorized)
	assert.ErrorIs(t, list.Authorize(ctx, "u9", CapabilityTenantLock), ErrUnauthorized, "actors are case sensitive")
}

func TestAllowList_Empty(t *testing.T) {
	list := NewAllowList(nil)
	assert.ErrorIs(t, list.Authorize(context.Background(), "U9", CapabilityTenantRead), ErrUnauthorized)
}

func TestTokenGuard_Valid(t *testing.T) {
	g := NewTokenGuard("operator-secret")

	assert.True(t, g.Valid("operator-secret"))
	assert.False(t, g.Valid("operator-secreT"))
	assert.False(t, g.Valid(""))
}

func TestTokenGuard_Middleware(t *testing.T) {
	reached := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		token      string
		header     string
		wantStatus int
		wantReach  bool
	}{
		{"valid", "secret", "Bearer secret", http.StatusNoContent, true},
		{"wrong", "secret", "Bearer nope", http.StatusUnauthorized, false},
		{"missing", "secret", "", http.StatusUnauthorized, false},
		{"disabled", "", "Bearer anything", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached = false
			req := httptest.NewRequest(http.MethodPost, "/admin/tenants/lock", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			NewTokenGuard(tt.token).Middleware(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantReach, reached)
		})
	}
}

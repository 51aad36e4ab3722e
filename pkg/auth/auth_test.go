package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loupelabs/loupe/core/pkg/problem"
)

func TestResolve(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		ac, err := Resolve(map[string]string{HeaderTenantID: "t1"}, true)
		require.NoError(t, err)
		assert.Equal(t, "t1", ac.TenantID)
		assert.Equal(t, "system", ac.UserID)
		assert.Equal(t, RoleViewer, ac.Role)
		assert.Empty(t, ac.Channel)
	})

	t.Run("explicit headers", func(t *testing.T) {
		ac, err := Resolve(map[string]string{
			HeaderTenantID: "t1",
			HeaderUserID:   "u1",
			HeaderRole:     "admin",
			HeaderChannel:  "slack",
		}, true)
		require.NoError(t, err)
		assert.Equal(t, "u1", ac.UserID)
		assert.Equal(t, RoleAdmin, ac.Role)
		assert.Equal(t, "slack", ac.Channel)
	})

	t.Run("missing tenant", func(t *testing.T) {
		_, err := Resolve(map[string]string{}, true)
		assert.True(t, problem.IsKind(err, problem.KindBadRequest))
	})

	t.Run("tenant optional", func(t *testing.T) {
		ac, err := Resolve(map[string]string{HeaderRole: "owner"}, false)
		require.NoError(t, err)
		assert.Empty(t, ac.TenantID)
		assert.Equal(t, RoleOwner, ac.Role)
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := Resolve(map[string]string{HeaderTenantID: "t1", HeaderRole: "root"}, true)
		assert.True(t, problem.IsKind(err, problem.KindBadRequest))
	})
}

func TestRequireRole(t *testing.T) {
	ac := &Context{TenantID: "t1", Role: RoleAnalyst}

	assert.NoError(t, RequireRole(ac), "empty set allows any role")
	assert.NoError(t, RequireRole(ac, RoleOwner, RoleAnalyst))

	err := RequireRole(ac, RoleOwner, RoleAdmin)
	assert.True(t, problem.IsKind(err, problem.KindForbidden))
}

func TestRequireTenant(t *testing.T) {
	ac := &Context{TenantID: "t1"}
	assert.NoError(t, RequireTenant(ac, ""))
	assert.NoError(t, RequireTenant(ac, "t1"))
	assert.True(t, problem.IsKind(RequireTenant(ac, "t2"), problem.KindForbidden))
}

func TestContextRoundTrip(t *testing.T) {
	ac := &Context{TenantID: "t1", UserID: "u1", Role: RoleOperator}
	ctx := WithContext(context.Background(), ac)
	assert.Same(t, ac, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}

// Package auth resolves the per-request auth context and enforces RBAC.
//
// Identity is resolved upstream; this package only consumes the already
// trusted {tenantId, userId, role, channel} carried in request headers (or
// an equivalent input map) and enforces role and tenant boundaries.
package auth

import (
	"context"

	"github.com/loupelabs/loupe/core/pkg/problem"
)

// Role is a flat RBAC role. Each operation declares its allowed set.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleAnalyst  Role = "analyst"
	RoleViewer   Role = "viewer"
)

// Header names consumed by Resolve.
const (
	HeaderTenantID = "x-tenant-id"
	HeaderUserID   = "x-user-id"
	HeaderRole     = "x-user-role"
	HeaderChannel  = "x-channel-id"
)

// Context is the resolved auth context for one request.
type Context struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	Role     Role   `json:"role"`
	Channel  string `json:"channel,omitempty"`
}

// Resolve builds a Context from a header map. The tenant header is
// required; user defaults to "system" and role to viewer.
func Resolve(headers map[string]string, requireTenant bool) (*Context, error) {
	tenantID := headers[HeaderTenantID]
	if tenantID == "" && requireTenant {
		return nil, problem.BadRequest("missing %s header", HeaderTenantID)
	}
	userID := headers[HeaderUserID]
	if userID == "" {
		userID = "system"
	}
	role := Role(headers[HeaderRole])
	if role == "" {
		role = RoleViewer
	}
	switch role {
	case RoleOwner, RoleAdmin, RoleOperator, RoleAnalyst, RoleViewer:
	default:
		return nil, problem.BadRequest("unknown role %q", role)
	}
	return &Context{
		TenantID: tenantID,
		UserID:   userID,
		Role:     role,
		Channel:  headers[HeaderChannel],
	}, nil
}

// RequireRole fails with Forbidden when the context's role is not in the
// allowed set. An empty allowed set means any role.
func RequireRole(ac *Context, allowed ...Role) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, r := range allowed {
		if ac.Role == r {
			return nil
		}
	}
	return problem.Forbidden("role %q is not permitted for this operation", ac.Role)
}

// RequireTenant fails with Forbidden when the requested tenant differs
// from the context's tenant. Cross-tenant reads are always rejected.
func RequireTenant(ac *Context, tenantID string) error {
	if tenantID != "" && tenantID != ac.TenantID {
		return problem.Forbidden("cross-tenant access denied")
	}
	return nil
}

type ctxKey struct{}

// WithContext attaches the auth context to a context.Context.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// FromContext returns the attached auth context, or nil.
func FromContext(ctx context.Context) *Context {
	ac, _ := ctx.Value(ctxKey{}).(*Context)
	return ac
}

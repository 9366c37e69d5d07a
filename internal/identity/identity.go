// Package identity resolves the caller's credential into a TenantContext.
//
// Two credential forms are accepted on the Authorization header:
//   - Bearer <jwt>   HS256 token carrying tenant_id, sub and role claims
//   - Bearer sk_...  API key issued to a tenant member (X-API-Key also works)
//
// An invalid or expired credential never produces a context. The request
// continues unauthenticated and downstream gates decide what to do.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	ErrNoCredential      = errors.New("identity: credential required")
	ErrInvalidCredential = errors.New("identity: invalid or expired credential")
	ErrKeyNotFound       = errors.New("identity: api key not found")
	ErrUnknownRole       = errors.New("identity: unknown role")
)

// Role is a caller's authority within its tenant.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleMember: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleRank[r]; !ok {
		return "", ErrUnknownRole
	}
	return r, nil
}

// AtLeast reports whether r is min or stronger.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min] && roleRank[r] > 0
}

// TenantContext is the request-scoped identity. It is never persisted.
type TenantContext struct {
	TenantID string `json:"tenantId"`
	CallerID string `json:"callerId"`
	Role     Role   `json:"role"`
}

const ginKey = "identity.tenantContext"

type ctxKey struct{}

// WithContext returns a copy of ctx carrying tc.
func WithContext(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext reads the TenantContext stored by WithContext.
func FromContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(ctxKey{}).(TenantContext)
	return tc, ok
}

// Set attaches tc to both the gin context and the request context.
func Set(c *gin.Context, tc TenantContext) {
	c.Set(ginKey, tc)
	c.Request = c.Request.WithContext(WithContext(c.Request.Context(), tc))
}

// Get returns the TenantContext resolved for this request, if any.
func Get(c *gin.Context) (TenantContext, bool) {
	v, ok := c.Get(ginKey)
	if !ok {
		return TenantContext{}, false
	}
	tc, ok := v.(TenantContext)
	return tc, ok
}

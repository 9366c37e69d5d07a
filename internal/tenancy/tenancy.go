// Package tenancy stamps the resolved tenant onto every request and keeps
// handlers inside their tenant's data boundary.
package tenancy

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/identity"
)

const (
	skipKey   = "tenancy.skip"
	tenantKey = "tenancy.tenantID"
)

// SkipTenantCheck marks a route as tenant-agnostic (webhooks, health,
// platform admin). It must run before RequireTenant.
func SkipTenantCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(skipKey, true)
		c.Next()
	}
}

// RequireTenant passes annotated routes through untouched. Otherwise it
// requires a TenantContext with a tenant id and aborts with TENANT_REQUIRED
// before any handler runs.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetBool(skipKey) {
			c.Next()
			return
		}
		tc, ok := identity.Get(c)
		if !ok || tc.TenantID == "" {
			apperr.Respond(c, apperr.TenantRequired())
			return
		}
		c.Set(tenantKey, tc.TenantID)
		c.Next()
	}
}

// TenantID is the only sanctioned way for handlers to learn the tenant.
// It returns "" on routes that skipped the gate.
func TenantID(c *gin.Context) string {
	return c.GetString(tenantKey)
}

// Guard aborts with 404 when a row's owner differs from the request tenant,
// so other tenants' rows are indistinguishable from missing ones.
func Guard(c *gin.Context, ownerTenantID string) bool {
	tid := TenantID(c)
	if tid == "" || tid != ownerTenantID {
		apperr.Abort(c, http.StatusNotFound, apperr.CodeNotFound, "resource not found")
		return false
	}
	return true
}

package identity

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis/internal/apperr"
)

// AdminHeader carries the platform operator secret.
const AdminHeader = "X-Admin-Secret"

// RequireAdmin guards platform routes with a shared operator secret.
// An empty secret disables the routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			apperr.Abort(c, http.StatusServiceUnavailable, apperr.CodeServiceUnavailable, "admin API disabled (ADMIN_SECRET not set)")
			return
		}
		got := c.GetHeader(AdminHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			apperr.Respond(c, apperr.InsufficientRole("platform admin"))
			return
		}
		c.Next()
	}
}

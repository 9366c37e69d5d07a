package identity

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/logging"
)

// Resolver turns a raw credential into a TenantContext.
type Resolver struct {
	keys   *KeyManager
	tokens *TokenIssuer
}

// NewResolver accepts either source as nil.
func NewResolver(keys *KeyManager, tokens *TokenIssuer) *Resolver {
	return &Resolver{keys: keys, tokens: tokens}
}

// Middleware attaches a TenantContext when the request carries a valid
// credential. It never aborts.
func Middleware(r *Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := credential(c); raw != "" {
			if tc, ok := r.resolve(c, raw); ok {
				Set(c, tc)
				c.Request = c.Request.WithContext(logging.WithTenantID(c.Request.Context(), tc.TenantID))
			}
		}
		c.Next()
	}
}

// credential reads the raw key or token from Authorization or X-API-Key.
func credential(c *gin.Context) string {
	raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	if raw == "" {
		raw = strings.TrimSpace(c.GetHeader("X-API-Key"))
	}
	return raw
}

func (r *Resolver) resolve(c *gin.Context, raw string) (TenantContext, bool) {
	if strings.HasPrefix(raw, "sk_") {
		if r.keys == nil {
			return TenantContext{}, false
		}
		key, err := r.keys.ValidateKey(c.Request.Context(), raw)
		if err != nil {
			return TenantContext{}, false
		}
		return TenantContext{TenantID: key.TenantID, CallerID: key.CallerID, Role: key.Role}, true
	}
	if r.tokens == nil {
		return TenantContext{}, false
	}
	tc, err := r.tokens.Verify(raw)
	if err != nil {
		logging.L(c.Request.Context()).Debug("bearer token rejected", "error", err)
		return TenantContext{}, false
	}
	return tc, true
}

// RequireAuth rejects requests without a resolved identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Get(c); !ok {
			apperr.Respond(c, apperr.Unauthenticated("credential required: Authorization: Bearer <token|sk_...>"))
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers weaker than min.
func RequireRole(min Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc, ok := Get(c)
		if !ok {
			apperr.Respond(c, apperr.Unauthenticated("credential required"))
			return
		}
		if !tc.Role.AtLeast(min) {
			apperr.Respond(c, apperr.InsufficientRole(string(min)))
			return
		}
		c.Next()
	}
}

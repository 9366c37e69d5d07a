package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) (*Resolver, string, string) {
	t.Helper()
	mgr := NewKeyManager(NewMemoryStore())
	raw, _, err := mgr.GenerateKey(context.Background(), "ten_key", "usr_key", RoleMember, "k")
	require.NoError(t, err)

	iss := NewTokenIssuer("middleware-secret-middleware-secret", "aegis", time.Hour)
	token, err := iss.Issue(TenantContext{TenantID: "ten_jwt", CallerID: "usr_jwt", Role: RoleOwner})
	require.NoError(t, err)

	return NewResolver(mgr, iss), raw, token
}

func runMiddleware(r *Resolver, header, value string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/test", nil)
	if header != "" {
		c.Request.Header.Set(header, value)
	}
	Middleware(r)(c)
	return c, w
}

func TestMiddleware_APIKey(t *testing.T) {
	r, raw, _ := newTestResolver(t)
	c, _ := runMiddleware(r, "Authorization", "Bearer "+raw)

	tc, ok := Get(c)
	require.True(t, ok)
	assert.Equal(t, "ten_key", tc.TenantID)
	assert.Equal(t, RoleMember, tc.Role)

	fromCtx, ok := FromContext(c.Request.Context())
	require.True(t, ok)
	assert.Equal(t, tc, fromCtx)
}

func TestMiddleware_XAPIKey(t *testing.T) {
	r, raw, _ := newTestResolver(t)
	c, _ := runMiddleware(r, "X-API-Key", raw)
	_, ok := Get(c)
	assert.True(t, ok)
}

func TestMiddleware_JWT(t *testing.T) {
	r, _, token := newTestResolver(t)
	c, _ := runMiddleware(r, "Authorization", "Bearer "+token)

	tc, ok := Get(c)
	require.True(t, ok)
	assert.Equal(t, "ten_jwt", tc.TenantID)
	assert.Equal(t, "usr_jwt", tc.CallerID)
	assert.Equal(t, RoleOwner, tc.Role)
}

func TestMiddleware_InvalidCredentialPassesThrough(t *testing.T) {
	r, _, _ := newTestResolver(t)

	for _, v := range []string{"Bearer sk_deadbeef", "Bearer not.a.jwt", "Bearer "} {
		c, w := runMiddleware(r, "Authorization", v)
		_, ok := Get(c)
		assert.False(t, ok, v)
		assert.False(t, c.IsAborted(), v)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRequireAuth(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	RequireAuth()(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHENTICATED")
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name   string
		role   Role
		min    Role
		status int
	}{
		{"owner passes admin gate", RoleOwner, RoleAdmin, http.StatusOK},
		{"admin passes admin gate", RoleAdmin, RoleAdmin, http.StatusOK},
		{"member blocked by admin gate", RoleMember, RoleAdmin, http.StatusForbidden},
		{"viewer blocked by member gate", RoleViewer, RoleMember, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(func(c *gin.Context) {
				Set(c, TenantContext{TenantID: "t", CallerID: "u", Role: tt.role})
				c.Next()
			})
			router.POST("/x", RequireRole(tt.min), func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusForbidden {
				assert.Contains(t, w.Body.String(), "INSUFFICIENT_ROLE")
			}
		})
	}
}

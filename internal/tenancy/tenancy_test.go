package tenancy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/aegis/internal/identity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func withIdentity(tc *identity.TenantContext) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tc != nil {
			identity.Set(c, *tc)
		}
		c.Next()
	}
}

func TestRequireTenant(t *testing.T) {
	tests := []struct {
		name      string
		tc        *identity.TenantContext
		skip      bool
		status    int
		handlerOK bool
	}{
		{"tenant present", &identity.TenantContext{TenantID: "ten_a", CallerID: "u", Role: identity.RoleMember}, false, http.StatusOK, true},
		{"no identity", nil, false, http.StatusForbidden, false},
		{"identity without tenant", &identity.TenantContext{CallerID: "u", Role: identity.RoleMember}, false, http.StatusForbidden, false},
		{"skip annotation without identity", nil, true, http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ran := false
			chain := []gin.HandlerFunc{withIdentity(tt.tc)}
			if tt.skip {
				chain = append(chain, SkipTenantCheck())
			}
			chain = append(chain, RequireTenant(), func(c *gin.Context) {
				ran = true
				if !tt.skip {
					assert.Equal(t, tt.tc.TenantID, TenantID(c))
				}
				c.Status(http.StatusOK)
			})

			router := gin.New()
			router.POST("/x", chain...)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.handlerOK, ran)
			if tt.status == http.StatusForbidden {
				assert.Contains(t, w.Body.String(), "TENANT_REQUIRED")
			}
		})
	}
}

func TestGuard(t *testing.T) {
	router := gin.New()
	tc := &identity.TenantContext{TenantID: "ten_a", CallerID: "u", Role: identity.RoleMember}
	router.GET("/rows/:owner", withIdentity(tc), RequireTenant(), func(c *gin.Context) {
		if !Guard(c, c.Param("owner")) {
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rows/ten_a", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rows/ten_b", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func runAdmin(secret, header string) (*httptest.ResponseRecorder, *gin.Context) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/admin/tenants", nil)
	if header != "" {
		c.Request.Header.Set(AdminHeader, header)
	}
	RequireAdmin(secret)(c)
	return w, c
}

func TestRequireAdmin(t *testing.T) {
	_, c := runAdmin("supersecret123", "supersecret123")
	assert.False(t, c.IsAborted())

	w, c := runAdmin("supersecret123", "wrongsecret")
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = runAdmin("supersecret123", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = runAdmin("", "anything")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

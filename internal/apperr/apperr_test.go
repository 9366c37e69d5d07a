package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func respond(t *testing.T, err error) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/x", nil)

	Respond(c, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, c.IsAborted())
	return w.Code, body
}

func TestRespond_QuotaExceeded(t *testing.T) {
	code, body := respond(t, QuotaExceeded("modules", 2, 2))

	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "QUOTA_EXCEEDED", body["error"])
	assert.Equal(t, "modules", body["resource"])
	assert.Equal(t, float64(2), body["limit"])
}

func TestRespond_NoSubscription(t *testing.T) {
	code, body := respond(t, NoSubscription())
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "NO_ACTIVE_SUBSCRIPTION", body["error"])
}

func TestRespond_Authorization(t *testing.T) {
	code, body := respond(t, TenantRequired())
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "TENANT_REQUIRED", body["error"])

	code, _ = respond(t, Unauthenticated("missing credential"))
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRespond_WrappedReconciliation(t *testing.T) {
	err := fmt.Errorf("webhook: %w", Reconcile(CodeInvalidSignature, "verify", errors.New("bad sig")))
	code, body := respond(t, err)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_SIGNATURE", body["error"])
}

func TestRespond_Unknown(t *testing.T) {
	code, body := respond(t, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("gate: %w", QuotaExceeded("members", 1, 1))
	assert.True(t, IsCode(err, CodeQuotaExceeded))
	assert.False(t, IsCode(err, CodeNoSubscription))
	assert.False(t, IsCode(errors.New("x"), CodeQuotaExceeded))
}

func TestAuditWriteError_Unwrap(t *testing.T) {
	inner := errors.New("db down")
	err := &AuditWriteError{Err: inner}
	assert.ErrorIs(t, err, inner)
}

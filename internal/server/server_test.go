package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/aegis/internal/config"
	"github.com/mbd888/aegis/internal/logging"
)

const (
	adminSecret   = "admin-secret"
	webhookSecret = "whsec_test"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LogFormat:             "json",
		CORSOrigins:           []string{"*"},
		AdminSecret:           adminSecret,
		JWTSecret:             "jwt-test-secret",
		JWTIssuer:             "aegis",
		JWTTTL:                time.Hour,
		BillingPeriod:         30 * 24 * time.Hour,
		GracePeriod:           72 * time.Hour,
		NoSubscriptionPolicy:  config.NoSubscriptionDeny,
		QuotaLockTimeout:      5 * time.Second,
		QuotaLockTTL:          15 * time.Second,
		StripeWebhookSecret:   webhookSecret,
		StripeTolerance:       5 * time.Minute,
		StripePriceStarter:    "price_1Starter",
		StripePriceGrowth:     "price_1Growth",
		StripePriceEnterprise: "price_1Enterprise",
		PollInterval:          time.Hour,
		NotifyAttempts:        1,
		NotifyBackoff:         10 * time.Millisecond,
		NotifyTimeout:         2 * time.Second,
		RateLimitRPS:          1000,
		RateLimitBurst:        1000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

type client struct {
	t      *testing.T
	router http.Handler
}

func (c client) do(method, path, apiKey string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if strings.HasPrefix(path, "/v1/admin/") {
		req.Header.Set("X-Admin-Secret", adminSecret)
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// createTenant provisions a tenant on the free plan and returns its id and
// owner key.
func createTenant(t *testing.T, c client, slug string) (string, string) {
	t.Helper()
	w := c.do(http.MethodPost, "/v1/admin/tenants", "", gin.H{"name": "Acme " + slug, "slug": slug})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	tenantID := body["tenant"].(map[string]any)["id"].(string)
	return tenantID, body["apiKey"].(string)
}

func stripeCheckout(t *testing.T, c client, eventID, tenantID, planID, subID string) *httptest.ResponseRecorder {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","created":%d,
		"data":{"object":{"id":"cs_%s","object":"checkout.session","mode":"subscription",
		"client_reference_id":%q,"metadata":{"plan_id":%q},"subscription":%q}}}`,
		eventID, time.Now().Unix(), eventID, tenantID, planID, subID))
	return postStripe(c, payload)
}

func stripeSubscriptionUpdated(t *testing.T, c client, eventID, subID, status, priceID string, created time.Time) *httptest.ResponseRecorder {
	t.Helper()
	start := created.Add(-time.Hour)
	payload := []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":"customer.subscription.updated","created":%d,
		"data":{"object":{"id":%q,"object":"subscription","status":%q,
		"current_period_start":%d,"current_period_end":%d,
		"items":{"object":"list","data":[{"id":"si_1","price":{"id":%q}}]}}}}`,
		eventID, created.Unix(), subID, status, start.Unix(), start.Add(30*24*time.Hour).Unix(), priceID))
	return postStripe(c, payload)
}

func postStripe(c client, payload []byte) *httptest.ResponseRecorder {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	return w
}

func TestEndToEnd_QuotaLiftedByCardUpgrade(t *testing.T) {
	s := newTestServer(t)
	c := client{t: t, router: s.Router()}
	tenantID, key := createTenant(t, c, "acme")

	for i := 0; i < 2; i++ {
		w := c.do(http.MethodPost, "/v1/modules", key, gin.H{"name": fmt.Sprintf("module-%d", i)})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := c.do(http.MethodPost, "/v1/modules", key, gin.H{"name": "module-2"})
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.Equal(t, "QUOTA_EXCEEDED", decode(t, w)["error"])

	w = stripeCheckout(t, c, "evt_upgrade", tenantID, "starter", "sub_acme")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Redelivery is acknowledged without a second transition.
	w = stripeCheckout(t, c, "evt_upgrade", tenantID, "starter", "sub_acme")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = c.do(http.MethodPost, "/v1/modules", key, gin.H{"name": "module-2"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = c.do(http.MethodGet, "/v1/subscription", key, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sub := decode(t, w)["subscription"].(map[string]any)
	assert.Equal(t, "starter", sub["planId"])
	assert.Equal(t, "active", sub["status"])

	w = c.do(http.MethodGet, "/v1/audit-logs?resourceType=modules", key, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	logs := decode(t, w)["logs"].([]any)
	assert.Len(t, logs, 3, "one record per successful create, none for the rejected one")
}

func TestEndToEnd_QuotaLiftedBySubscriptionUpdate(t *testing.T) {
	s := newTestServer(t)
	c := client{t: t, router: s.Router()}
	tenantID, key := createTenant(t, c, "delta")

	w := stripeCheckout(t, c, "evt_checkout", tenantID, "starter", "sub_delta")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for i := 0; i < 10; i++ {
		w = c.do(http.MethodPost, "/v1/modules", key, gin.H{"name": fmt.Sprintf("module-%d", i)})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	w = c.do(http.MethodPost, "/v1/modules", key, gin.H{"name": "module-10"})
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "QUOTA_EXCEEDED", body["error"])
	assert.EqualValues(t, 10, body["limit"])

	w = stripeSubscriptionUpdated(t, c, "evt_upgrade", "sub_delta", "active", "price_1Growth", time.Now().Add(time.Second))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = c.do(http.MethodPost, "/v1/modules", key, gin.H{"name": "module-10"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = c.do(http.MethodGet, "/v1/subscription", key, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sub := decode(t, w)["subscription"].(map[string]any)
	assert.Equal(t, "growth", sub["planId"])
	assert.Equal(t, "card", sub["rail"])
}

func TestSubscriptionNotification(t *testing.T) {
	received := make(chan http.Header, 4)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Clone()
	}))
	defer receiver.Close()

	cfg := testConfig()
	cfg.NotifyAllowLocal = true
	s, err := New(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	c := client{t: t, router: s.Router()}
	tenantID, key := createTenant(t, c, "omega")

	w := c.do(http.MethodPost, "/v1/webhooks", key, gin.H{"url": receiver.URL, "events": []string{"subscription.updated"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = stripeCheckout(t, c, "evt_notify", tenantID, "growth", "sub_omega")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	s.notifier.Wait()

	select {
	case h := <-received:
		assert.Equal(t, "subscription.updated", h.Get("X-Aegis-Event"))
		assert.NotEmpty(t, h.Get("X-Aegis-Signature"))
	default:
		t.Fatal("no notification delivered")
	}
}

func TestWebhookRegistrationBlocksPrivateURLs(t *testing.T) {
	s := newTestServer(t)
	c := client{t: t, router: s.Router()}
	_, key := createTenant(t, c, "sigma")

	w := c.do(http.MethodPost, "/v1/webhooks", key, gin.H{"url": "http://127.0.0.1:9/hook"})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestTenantIsolation(t *testing.T) {
	s := newTestServer(t)
	c := client{t: t, router: s.Router()}
	_, keyA := createTenant(t, c, "alpha")
	_, keyB := createTenant(t, c, "beta")

	w := c.do(http.MethodPost, "/v1/modules", keyA, gin.H{"name": "secret"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["module"].(map[string]any)["id"].(string)

	w = c.do(http.MethodGet, "/v1/modules/"+id, keyB, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = c.do(http.MethodGet, "/v1/modules/"+id, keyA, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTenantRequired(t *testing.T) {
	s := newTestServer(t)
	c := client{t: t, router: s.Router()}

	w := c.do(http.MethodGet, "/v1/modules", "", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "TENANT_REQUIRED", decode(t, w)["error"])

	w = c.do(http.MethodGet, "/v1/modules", "sk_not_a_real_key", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMembersQuotaAndRoles(t *testing.T) {
	s := newTestServer(t)
	c := client{t: t, router: s.Router()}
	_, owner := createTenant(t, c, "gamma")

	// The owner key is the first member; the free plan allows two.
	w := c.do(http.MethodPost, "/v1/tenants/me/keys", owner, gin.H{"name": "reader", "role": "viewer"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	viewer := decode(t, w)["apiKey"].(string)

	w = c.do(http.MethodPost, "/v1/tenants/me/keys", owner, gin.H{"name": "third"})
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.Equal(t, "QUOTA_EXCEEDED", decode(t, w)["error"])

	w = c.do(http.MethodPost, "/v1/modules", viewer, gin.H{"name": "nope"})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "INSUFFICIENT_ROLE", decode(t, w)["error"])

	w = c.do(http.MethodGet, "/v1/usage", viewer, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAuthToken(t *testing.T) {
	s := newTestServer(t)
	c := client{t: t, router: s.Router()}
	_, key := createTenant(t, c, "delta")

	w := c.do(http.MethodPost, "/v1/auth/token", key, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token := decode(t, w)["token"].(string)

	w = c.do(http.MethodGet, "/v1/tenants/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "delta", decode(t, w)["tenant"].(map[string]any)["slug"])

	w = c.do(http.MethodPost, "/v1/auth/token", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
	assert.Equal(t, "UNAUTHENTICATED", decode(t, w)["error"])

	w = c.do(http.MethodPost, "/v1/auth/token", token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "tokens cannot mint tokens")
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook/stripe", strings.NewReader(`{"id":"evt_x"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/tenants", strings.NewReader(`{"name":"x","slug":"x"}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPublicEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.health.SetReady(true)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/metrics", "/v1/plans"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
		})
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	have := make(map[string]bool)
	for _, r := range s.Router().Routes() {
		have[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"POST /v1/payments/webhook/stripe",
		"GET /v1/plans",
		"POST /v1/admin/tenants",
		"GET /v1/admin/tenants",
		"GET /v1/admin/tenants/:id",
		"POST /v1/admin/tenants/:id/plan",
		"GET /v1/subscription",
		"POST /v1/subscription/cancel",
		"GET /v1/usage",
		"GET /v1/audit-logs",
		"GET /v1/tenants/me",
		"PATCH /v1/tenants/me",
		"POST /v1/tenants/me/keys",
		"GET /v1/modules",
		"POST /v1/modules",
		"POST /v1/payments/stripe/checkout",
		"POST /v1/payments/usdt/create",
		"POST /v1/payments/usdt/verify",
		"GET /v1/payments/usdt/:id",
		"POST /v1/auth/token",
		"POST /v1/webhooks",
		"GET /v1/webhooks",
		"DELETE /v1/webhooks/:id",
		"POST /v1/webhooks/:id/ping",
	} {
		assert.True(t, have[want], "missing route %s", want)
	}
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://aegis:hunter2@db:5432/aegis")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "@db:5432/aegis")
	assert.Equal(t, "***", maskDSN("://bad"))
}

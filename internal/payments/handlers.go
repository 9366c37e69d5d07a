package payments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/audit"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/metrics"
	"github.com/mbd888/aegis/internal/plans"
	"github.com/mbd888/aegis/internal/reconciliation"
	"github.com/mbd888/aegis/internal/tenancy"
	"github.com/mbd888/aegis/internal/usdt"
)

// maxWebhookBody matches the processor's documented payload ceiling.
const maxWebhookBody = 65536

// Engine is the reconciliation surface the handlers call.
type Engine interface {
	HandleStripeEvent(ctx context.Context, evt stripe.Event) error
	CryptoEnabled() bool
	CreateIntent(ctx context.Context, tenantID string, planID plans.ID) (*reconciliation.PaymentIntent, error)
	GetIntent(ctx context.Context, tenantID, id string) (*reconciliation.PaymentIntent, error)
	CancelIntent(ctx context.Context, tenantID, id string) (*reconciliation.PaymentIntent, error)
	Verify(ctx context.Context, tenantID, id, txHash string) (*reconciliation.PaymentIntent, error)
}

var _ Engine = (*reconciliation.Engine)(nil)

// Handler provides the payment HTTP endpoints.
type Handler struct {
	engine        Engine
	catalog       *plans.Catalog
	checkout      CheckoutCreator
	webhookSecret string
	tolerance     time.Duration
}

// NewHandler creates the payment handler. checkout may be nil when card
// checkout is not configured.
func NewHandler(engine Engine, catalog *plans.Catalog, checkout CheckoutCreator, webhookSecret string, tolerance time.Duration) *Handler {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Handler{
		engine:        engine,
		catalog:       catalog,
		checkout:      checkout,
		webhookSecret: webhookSecret,
		tolerance:     tolerance,
	}
}

// RegisterWebhookRoutes mounts the processor callback. It carries no
// tenant; authenticity comes from the signature.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/payments/webhook/stripe", h.StripeWebhook)
}

// RegisterRoutes mounts the tenant-scoped payment endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/stripe/checkout", h.CreateCheckout)
	r.POST("/payments/usdt/create", h.CreateIntent)
	r.POST("/payments/usdt/verify", h.Verify)
	r.GET("/payments/usdt/:id", h.GetIntent)
	r.DELETE("/payments/usdt/:id", h.CancelIntent)
}

// StripeWebhook handles POST /payments/webhook/stripe.
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.webhookSecret == "" {
		apperr.Abort(c, http.StatusServiceUnavailable, apperr.CodeServiceUnavailable, "card webhooks are not configured")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(payload) > maxWebhookBody {
		apperr.Respond(c, apperr.Reconcile(apperr.CodeMalformedEvent, "webhook", errors.New("unreadable or oversized payload")))
		return
	}

	evt, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{Tolerance: h.tolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.WebhookSignatureFailures.Inc()
		logging.L(c.Request.Context()).Warn("stripe webhook rejected", "error", err)
		apperr.Respond(c, apperr.Reconcile(apperr.CodeInvalidSignature, "webhook", errors.New("signature verification failed")))
		return
	}

	if err := h.engine.HandleStripeEvent(c.Request.Context(), evt); err != nil {
		var re *apperr.ReconciliationError
		if !errors.As(err, &re) {
			logging.L(c.Request.Context()).Error("stripe event failed", "event_id", evt.ID, "error", err)
		}
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

type planRequest struct {
	PlanID plans.ID `json:"planId" binding:"required"`
}

// CreateCheckout handles POST /payments/stripe/checkout.
func (h *Handler) CreateCheckout(c *gin.Context) {
	if h.checkout == nil {
		apperr.Abort(c, http.StatusServiceUnavailable, apperr.CodeServiceUnavailable, ErrCheckoutDisabled.Error())
		return
	}
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "planId is required")
		return
	}
	plan, err := h.catalog.Get(req.PlanID)
	if err != nil || plan.StripePriceID == "" {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "plan is not sold by card")
		return
	}

	sess, err := h.checkout.CreateCheckout(c.Request.Context(), tenancy.TenantID(c), plan)
	if err != nil {
		logging.L(c.Request.Context()).Error("checkout session failed", "plan_id", plan.ID, "error", err)
		apperr.Abort(c, http.StatusBadGateway, apperr.CodeServiceUnavailable, "card processor unavailable")
		return
	}
	c.JSON(http.StatusOK, sess)
}

// CreateIntent handles POST /payments/usdt/create.
func (h *Handler) CreateIntent(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "planId is required")
		return
	}
	pi, err := h.engine.CreateIntent(c.Request.Context(), tenancy.TenantID(c), req.PlanID)
	if err != nil {
		h.respondIntentErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":            pi.ID,
		"paymentId":     pi.ID,
		"walletAddress": pi.Address,
		"amount":        pi.AmountExpected,
		"currency":      usdt.Currency,
		"network":       pi.Network,
		"expiresAt":     pi.ExpiresAt,
	})
}

// Verify handles POST /payments/usdt/verify. A transfer that is found but
// not yet deep enough answers 202.
func (h *Handler) Verify(c *gin.Context) {
	var req struct {
		PaymentID string `json:"paymentId" binding:"required"`
		TxHash    string `json:"txHash" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "paymentId and txHash are required")
		return
	}
	pi, err := h.engine.Verify(c.Request.Context(), tenancy.TenantID(c), req.PaymentID, req.TxHash)
	if err != nil {
		h.respondIntentErr(c, err)
		return
	}
	audit.SetResourceID(c, pi.ID)
	status := http.StatusOK
	if pi.Status == reconciliation.IntentPending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"payment": pi})
}

// GetIntent handles GET /payments/usdt/:id.
func (h *Handler) GetIntent(c *gin.Context) {
	pi, err := h.engine.GetIntent(c.Request.Context(), tenancy.TenantID(c), c.Param("id"))
	if err != nil {
		h.respondIntentErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": pi})
}

// CancelIntent handles DELETE /payments/usdt/:id.
func (h *Handler) CancelIntent(c *gin.Context) {
	pi, err := h.engine.CancelIntent(c.Request.Context(), tenancy.TenantID(c), c.Param("id"))
	if err != nil {
		h.respondIntentErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": pi})
}

func (h *Handler) respondIntentErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reconciliation.ErrRailDisabled):
		apperr.Abort(c, http.StatusServiceUnavailable, apperr.CodeServiceUnavailable, err.Error())
	case errors.Is(err, reconciliation.ErrIntentNotFound):
		apperr.Abort(c, http.StatusNotFound, apperr.CodeNotFound, "payment not found")
	case errors.Is(err, plans.ErrUnknownPlan), errors.Is(err, reconciliation.ErrPlanNotPurchasable):
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, err.Error())
	case errors.Is(err, reconciliation.ErrIntentExpired):
		apperr.Abort(c, http.StatusGone, apperr.CodePaymentExpired, err.Error())
	case errors.Is(err, reconciliation.ErrIntentClosed), errors.Is(err, reconciliation.ErrIntentConflict):
		var re *apperr.ReconciliationError
		if errors.As(err, &re) {
			apperr.Respond(c, err)
			return
		}
		apperr.Abort(c, http.StatusConflict, apperr.CodeConflict, err.Error())
	default:
		var re *apperr.ReconciliationError
		if !errors.As(err, &re) {
			logging.L(c.Request.Context()).Error("payment intent operation failed", "error", err)
		}
		apperr.Respond(c, err)
	}
}

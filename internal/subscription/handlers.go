package subscription

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/pagination"
	"github.com/mbd888/aegis/internal/tenancy"
)

// Handler serves the caller's own subscription.
type Handler struct {
	ledger *Ledger
}

func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes mounts read routes for any tenant member.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/subscription", h.Get)
	r.GET("/subscription/invoices", h.ListInvoices)
}

// RegisterManageRoutes mounts routes that change billing; the group should
// require an admin role.
func (h *Handler) RegisterManageRoutes(r *gin.RouterGroup) {
	r.POST("/subscription/cancel", h.Cancel)
}

// Get handles GET /subscription.
func (h *Handler) Get(c *gin.Context) {
	sub, err := h.ledger.Get(c.Request.Context(), tenancy.TenantID(c))
	if errors.Is(err, ErrNotFound) {
		apperr.Abort(c, http.StatusNotFound, apperr.CodeNotFound, "no subscription")
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("subscription lookup failed", "error", err)
		apperr.Respond(c, err)
		return
	}
	plan, _ := h.ledger.Catalog().Get(sub.PlanID)
	c.JSON(http.StatusOK, gin.H{
		"subscription": sub,
		"plan":         plan,
		"entitled":     sub.Entitled(h.ledger.Now(), h.ledger.GracePeriod()),
	})
}

// Cancel handles POST /subscription/cancel. Entitlement continues until
// the end of the paid period.
func (h *Handler) Cancel(c *gin.Context) {
	sub, err := h.ledger.ScheduleCancel(c.Request.Context(), tenancy.TenantID(c))
	switch {
	case errors.Is(err, ErrNotFound):
		apperr.Abort(c, http.StatusNotFound, apperr.CodeNotFound, "no subscription")
		return
	case errors.Is(err, ErrCanceled):
		apperr.Abort(c, http.StatusConflict, apperr.CodeConflict, "subscription already canceled")
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("subscription cancel failed", "error", err)
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// ListInvoices handles GET /subscription/invoices?limit=
func (h *Handler) ListInvoices(c *gin.Context) {
	page := pagination.FromQuery(c)
	invs, err := h.ledger.ListInvoices(c.Request.Context(), tenancy.TenantID(c), page.Limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("invoice listing failed", "error", err)
		apperr.Respond(c, err)
		return
	}
	if invs == nil {
		invs = []*Invoice{}
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invs, "count": len(invs)})
}

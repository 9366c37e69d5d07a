package audit

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/pagination"
	"github.com/mbd888/aegis/internal/tenancy"
)

// Handler serves a tenant's own audit trail.
type Handler struct {
	store Store
	now   func() time.Time
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// RegisterRoutes mounts the read endpoints. The group must already carry
// the tenant gate.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit-logs", h.List)
	r.GET("/audit-logs/stats", h.Stats)
}

// List handles GET /audit-logs?action=&resourceType=&userId=&page=&limit=
func (h *Handler) List(c *gin.Context) {
	page := pagination.FromQuery(c)
	records, total, err := h.store.Query(c.Request.Context(), Filter{
		TenantID:     tenancy.TenantID(c),
		Action:       Action(c.Query("action")),
		ResourceType: c.Query("resourceType"),
		ActorID:      c.Query("userId"),
		Offset:       page.Offset(),
		Limit:        page.Limit,
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("audit query failed", "error", err)
		apperr.Abort(c, http.StatusInternalServerError, apperr.CodeInternal, "failed to query audit logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":       records,
		"pagination": page.Meta(total),
	})
}

// Stats handles GET /audit-logs/stats.
func (h *Handler) Stats(c *gin.Context) {
	st, err := h.store.Stats(c.Request.Context(), tenancy.TenantID(c), h.now().Add(-24*time.Hour), 5)
	if err != nil {
		logging.L(c.Request.Context()).Error("audit stats failed", "error", err)
		apperr.Abort(c, http.StatusInternalServerError, apperr.CodeInternal, "failed to compute audit stats")
		return
	}
	c.JSON(http.StatusOK, st)
}

package quota

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/tenancy"
)

// Handler serves usage reports.
type Handler struct {
	enforcer *Enforcer
}

func NewHandler(e *Enforcer) *Handler {
	return &Handler{enforcer: e}
}

// RegisterRoutes mounts the tenant-scoped usage endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/usage", h.GetUsage)
}

// GetUsage handles GET /usage.
func (h *Handler) GetUsage(c *gin.Context) {
	plan, usage, err := h.enforcer.Report(c.Request.Context(), tenancy.TenantID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"planId": plan.ID,
		"usage":  usage,
	})
}

package plans

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler lists the published catalogue.
type Handler struct {
	catalog *Catalog
}

func NewHandler(c *Catalog) *Handler {
	return &Handler{catalog: c}
}

// RegisterRoutes mounts GET /plans. The catalogue is public.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.List)
}

func (h *Handler) List(c *gin.Context) {
	list := h.catalog.List()
	c.JSON(http.StatusOK, gin.H{"plans": list, "count": len(list)})
}

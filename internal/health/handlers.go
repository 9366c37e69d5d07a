package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler serves liveness, readiness and the aggregate subsystem report.
type Handler struct {
	registry *Registry
	version  string
	timeout  time.Duration

	live  atomic.Bool
	ready atomic.Bool
}

// NewHandler returns a handler that reports alive but not ready.
func NewHandler(registry *Registry, version string) *Handler {
	h := &Handler{registry: registry, version: version, timeout: 5 * time.Second}
	h.live.Store(true)
	return h
}

// SetReady flips readiness, e.g. false while draining on shutdown.
func (h *Handler) SetReady(ready bool) { h.ready.Store(ready) }

// RegisterRoutes mounts /health, /health/live and /health/ready.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
}

// Response is the /health body.
type Response struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Checks    []Status `json:"checks"`
	Timestamp string   `json:"timestamp"`
}

// Health runs every checker. Any failure degrades the report to 503.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	healthy, statuses := h.registry.CheckAll(ctx)
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, Response{
		Status:    status,
		Version:   h.version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) Live(c *gin.Context) {
	if !h.live.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (h *Handler) Ready(c *gin.Context) {
	if !h.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

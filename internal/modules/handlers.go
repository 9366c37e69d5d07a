package modules

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/audit"
	"github.com/mbd888/aegis/internal/idgen"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/pagination"
	"github.com/mbd888/aegis/internal/quota"
	"github.com/mbd888/aegis/internal/tenancy"
	"github.com/mbd888/aegis/internal/validation"
)

// Handler serves module CRUD for the caller's tenant.
type Handler struct {
	store Store
	now   func() time.Time
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// Counter reports a tenant's module count for the quota gate.
func Counter(store Store) quota.UsageCounter {
	return quota.CounterFunc(func(ctx context.Context, tenantID string) (int, error) {
		return store.Count(ctx, tenantID)
	})
}

// RegisterRoutes mounts read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/modules", h.List)
	r.GET("/modules/:id", h.Get)
}

// RegisterWriteRoutes mounts mutating routes. createGate runs before
// creation and is where the modules quota is enforced.
func (h *Handler) RegisterWriteRoutes(r *gin.RouterGroup, createGate ...gin.HandlerFunc) {
	r.POST("/modules", append(createGate, h.Create)...)
	r.PATCH("/modules/:id", h.Update)
	r.DELETE("/modules/:id", h.Delete)
}

type moduleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (req moduleRequest) validate(create bool) validation.ValidationErrors {
	var checks []func() *validation.ValidationError
	if create || req.Name != nil {
		name := ""
		if req.Name != nil {
			name = *req.Name
		}
		checks = append(checks, validation.Required("name", name), validation.MaxLength("name", name, 200))
	}
	if req.Description != nil {
		checks = append(checks, validation.MaxLength("description", *req.Description, 2000))
	}
	return validation.Validate(checks...)
}

// Create handles POST /modules.
func (h *Handler) Create(c *gin.Context) {
	var req moduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "invalid body")
		return
	}
	if errs := req.validate(true); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	now := h.now().UTC()
	m := &Module{
		ID:        idgen.WithPrefix("mod_"),
		TenantID:  tenancy.TenantID(c),
		Name:      validation.SanitizeString(*req.Name, 200),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Description != nil {
		m.Description = validation.SanitizeString(*req.Description, 2000)
	}
	if err := h.store.Create(c.Request.Context(), m); err != nil {
		logging.L(c.Request.Context()).Error("module create failed", "error", err)
		apperr.Respond(c, err)
		return
	}
	audit.SetResourceID(c, m.ID)
	c.JSON(http.StatusCreated, gin.H{"module": m})
}

// List handles GET /modules?cursor=&limit=
func (h *Handler) List(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "invalid cursor")
		return
	}
	limit := pagination.FromQuery(c).Limit
	items, err := h.store.List(c.Request.Context(), tenancy.TenantID(c), after, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("module listing failed", "error", err)
		apperr.Respond(c, err)
		return
	}
	items, next, more := pagination.ComputePage(items, limit, func(m *Module) (time.Time, string) {
		return m.CreatedAt, m.ID
	})
	if items == nil {
		items = []*Module{}
	}
	c.JSON(http.StatusOK, gin.H{
		"modules":    items,
		"count":      len(items),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// Get handles GET /modules/:id.
func (h *Handler) Get(c *gin.Context) {
	m, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"module": m})
}

// Update handles PATCH /modules/:id.
func (h *Handler) Update(c *gin.Context) {
	var req moduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "invalid body")
		return
	}
	if errs := req.validate(false); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	m, ok := h.load(c)
	if !ok {
		return
	}
	if req.Name != nil {
		m.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.Description != nil {
		m.Description = validation.SanitizeString(*req.Description, 2000)
	}
	m.UpdatedAt = h.now().UTC()
	if err := h.store.Update(c.Request.Context(), m); err != nil {
		h.respondErr(c, "module update failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"module": m})
}

// Delete handles DELETE /modules/:id.
func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Delete(c.Request.Context(), tenancy.TenantID(c), id); err != nil {
		h.respondErr(c, "module delete failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) load(c *gin.Context) (*Module, bool) {
	m, err := h.store.Get(c.Request.Context(), tenancy.TenantID(c), c.Param("id"))
	if err != nil {
		h.respondErr(c, "module lookup failed", err)
		return nil, false
	}
	return m, true
}

func (h *Handler) respondErr(c *gin.Context, msg string, err error) {
	if errors.Is(err, ErrNotFound) {
		apperr.Abort(c, http.StatusNotFound, apperr.CodeNotFound, "module not found")
		return
	}
	logging.L(c.Request.Context()).Error(msg, "error", err)
	apperr.Respond(c, err)
}

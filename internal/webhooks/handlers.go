package webhooks

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/audit"
	"github.com/mbd888/aegis/internal/idgen"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/tenancy"
	"github.com/mbd888/aegis/internal/validation"
)

// Handler manages the caller tenant's endpoints.
type Handler struct {
	store      Store
	dispatcher *Dispatcher
	validate   URLValidator
	now        func() time.Time
}

// NewHandler creates a handler. validate vets URLs at registration; nil
// accepts any http(s) URL.
func NewHandler(store Store, dispatcher *Dispatcher, validate URLValidator) *Handler {
	return &Handler{store: store, dispatcher: dispatcher, validate: validate, now: time.Now}
}

// RegisterRoutes mounts endpoint management. Mount it behind an admin role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.Create)
	r.GET("/webhooks", h.List)
	r.DELETE("/webhooks/:id", h.Delete)
	r.POST("/webhooks/:id/ping", h.Ping)
}

type createRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// Create handles POST /webhooks. The signing secret is returned once.
func (h *Handler) Create(c *gin.Context) {
	ctx := c.Request.Context()
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "invalid body")
		return
	}
	if errs := validation.Validate(
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	events, err := ParseEvents(req.Events)
	if err != nil {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "unknown event type")
		return
	}
	if h.validate != nil {
		if err := h.validate(ctx, req.URL); err != nil {
			apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "url rejected: "+err.Error())
			return
		}
	}

	tenantID := tenancy.TenantID(c)
	n, err := h.store.CountByTenant(ctx, tenantID)
	if err != nil {
		h.respondErr(c, "webhook count failed", err)
		return
	}
	if n >= MaxEndpointsPerTenant {
		apperr.Abort(c, http.StatusConflict, apperr.CodeConflict, "webhook endpoint limit reached")
		return
	}

	ep := &Endpoint{
		ID:        idgen.WithPrefix("whe_"),
		TenantID:  tenantID,
		URL:       req.URL,
		Secret:    idgen.Hex(32),
		Events:    events,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(ctx, ep); err != nil {
		h.respondErr(c, "webhook create failed", err)
		return
	}
	audit.SetResourceID(c, ep.ID)
	signing := gin.H{
		"header":    HeaderSignature,
		"timestamp": HeaderTimestamp,
		"scheme":    "hex(HMAC-SHA256(secret, timestamp + \".\" + body))",
	}
	c.JSON(http.StatusCreated, gin.H{
		"webhook":   ep,
		"secret":    ep.Secret,
		"signature": signing,
	})
}

// List handles GET /webhooks.
func (h *Handler) List(c *gin.Context) {
	eps, err := h.store.ListByTenant(c.Request.Context(), tenancy.TenantID(c))
	if err != nil {
		h.respondErr(c, "webhook list failed", err)
		return
	}
	if eps == nil {
		eps = []*Endpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": eps, "count": len(eps)})
}

// Delete handles DELETE /webhooks/:id.
func (h *Handler) Delete(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), tenancy.TenantID(c), c.Param("id")); err != nil {
		h.respondErr(c, "webhook delete failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Ping handles POST /webhooks/:id/ping: one synchronous test delivery.
func (h *Handler) Ping(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := tenancy.TenantID(c)
	ep, err := h.store.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		h.respondErr(c, "webhook lookup failed", err)
		return
	}
	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventPing,
		TenantID:  tenantID,
		Timestamp: h.now().UTC(),
		Data:      map[string]any{"endpointId": ep.ID},
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.respondErr(c, "webhook ping encode failed", err)
		return
	}
	if err := h.dispatcher.Deliver(ctx, ep, ev, payload); err != nil {
		c.JSON(http.StatusOK, gin.H{"delivered": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": true})
}

func (h *Handler) respondErr(c *gin.Context, msg string, err error) {
	if errors.Is(err, ErrNotFound) {
		apperr.Abort(c, http.StatusNotFound, apperr.CodeNotFound, "webhook not found")
		return
	}
	logging.L(c.Request.Context()).Error(msg, "error", err)
	apperr.Respond(c, err)
}

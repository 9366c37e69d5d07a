package tenant

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/audit"
	"github.com/mbd888/aegis/internal/identity"
	"github.com/mbd888/aegis/internal/idgen"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/pagination"
	"github.com/mbd888/aegis/internal/plans"
	"github.com/mbd888/aegis/internal/subscription"
	"github.com/mbd888/aegis/internal/tenancy"
	"github.com/mbd888/aegis/internal/validation"
)

// PlanAssigner binds a tenant to a plan. *subscription.Ledger satisfies it.
type PlanAssigner interface {
	AssignPlan(ctx context.Context, tenantID string, planID plans.ID) (*subscription.Subscription, error)
}

// Handler provides HTTP endpoints for tenant provisioning and membership.
type Handler struct {
	store       Store
	keys        *identity.KeyManager
	ledger      PlanAssigner
	defaultPlan plans.ID
	now         func() time.Time
}

// NewHandler creates a tenant handler. New tenants are assigned defaultPlan.
func NewHandler(store Store, keys *identity.KeyManager, ledger PlanAssigner, defaultPlan plans.ID) *Handler {
	return &Handler{store: store, keys: keys, ledger: ledger, defaultPlan: defaultPlan, now: time.Now}
}

// RegisterAdminRoutes mounts platform-admin routes. The group must sit
// behind identity.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.GET("/tenants", h.AdminListTenants)
	r.GET("/tenants/:id", h.AdminGetTenant)
	r.POST("/tenants/:id/plan", h.AssignPlan)
}

// RegisterRoutes mounts the caller's own-tenant routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/me", h.GetTenant)
	r.GET("/tenants/me/keys", h.ListKeys)
}

// RegisterManageRoutes mounts routes that change the tenant; the group
// should require an admin role. createGate runs before key creation and
// is where the members quota is enforced.
func (h *Handler) RegisterManageRoutes(r *gin.RouterGroup, createGate ...gin.HandlerFunc) {
	r.PATCH("/tenants/me", h.UpdateTenant)
	r.POST("/tenants/me/keys", append(createGate, h.CreateKey)...)
	r.DELETE("/tenants/me/keys/:keyId", h.RevokeKey)
}

// ---------- Admin endpoints ----------

// CreateTenant handles POST /admin/tenants.
func (h *Handler) CreateTenant(c *gin.Context) {
	var req struct {
		Name         string `json:"name"`
		Slug         string `json:"slug"`
		BillingEmail string `json:"billingEmail"`
		Plan         string `json:"plan"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "invalid body")
		return
	}
	req.Slug = strings.ToLower(strings.TrimSpace(req.Slug))
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 200),
		validation.Required("slug", req.Slug),
		validation.Slug("slug", req.Slug),
		validation.MaxLength("billingEmail", req.BillingEmail, 320),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	planID := h.defaultPlan
	if req.Plan != "" {
		planID = plans.ID(req.Plan)
	}

	ctx := c.Request.Context()
	now := h.now().UTC()
	t := &Tenant{
		ID:           idgen.WithPrefix("ten_"),
		Name:         validation.SanitizeString(req.Name, 200),
		Slug:         req.Slug,
		BillingEmail: validation.SanitizeString(req.BillingEmail, 320),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	audit.SetTenant(c, t.ID)
	audit.SetActor(c, "platform-admin")
	audit.SetResourceID(c, t.ID)

	if err := h.store.Create(ctx, t); err != nil {
		if errors.Is(err, ErrSlugTaken) {
			apperr.Abort(c, http.StatusConflict, apperr.CodeConflict, "slug already in use")
			return
		}
		logging.L(ctx).Error("tenant create failed", "error", err)
		apperr.Respond(c, err)
		return
	}

	resp := gin.H{"tenant": t}
	sub, err := h.ledger.AssignPlan(ctx, t.ID, planID)
	if err != nil {
		logging.L(ctx).Warn("initial plan assignment failed", "tenant_id", t.ID, "plan", planID, "error", err)
		resp["warning"] = "Tenant created but plan assignment failed. Assign a plan via the admin API."
	} else {
		resp["subscription"] = sub
	}

	rawKey, key, err := h.keys.GenerateKey(ctx, t.ID, idgen.WithPrefix("usr_"), identity.RoleOwner, "Owner key")
	if err != nil {
		logging.L(ctx).Warn("owner key generation failed", "tenant_id", t.ID, "error", err)
		resp["warning"] = "Tenant created but owner key generation failed."
		c.JSON(http.StatusCreated, resp)
		return
	}
	resp["apiKey"] = rawKey
	resp["key"] = key
	if _, ok := resp["warning"]; !ok {
		resp["warning"] = "Store this API key securely. It will not be shown again."
	}
	c.JSON(http.StatusCreated, resp)
}

// AdminListTenants handles GET /admin/tenants?cursor=&limit=
func (h *Handler) AdminListTenants(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "invalid cursor")
		return
	}
	limit := pagination.FromQuery(c).Limit
	items, err := h.store.List(c.Request.Context(), after, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("tenant listing failed", "error", err)
		apperr.Respond(c, err)
		return
	}
	items, next, more := pagination.ComputePage(items, limit, func(t *Tenant) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if items == nil {
		items = []*Tenant{}
	}
	c.JSON(http.StatusOK, gin.H{
		"tenants":    items,
		"count":      len(items),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// AdminGetTenant handles GET /admin/tenants/:id.
func (h *Handler) AdminGetTenant(c *gin.Context) {
	t, ok := h.load(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// AssignPlan handles POST /admin/tenants/:id/plan. It moves the tenant to
// the manual rail for one billing cycle.
func (h *Handler) AssignPlan(c *gin.Context) {
	var req struct {
		PlanID string `json:"planId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.PlanID == "" {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "planId required")
		return
	}
	t, ok := h.load(c, c.Param("id"))
	if !ok {
		return
	}
	audit.SetTenant(c, t.ID)
	audit.SetActor(c, "platform-admin")
	audit.SetResourceID(c, t.ID)

	sub, err := h.ledger.AssignPlan(c.Request.Context(), t.ID, plans.ID(req.PlanID))
	if errors.Is(err, plans.ErrUnknownPlan) {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "unknown plan")
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("plan assignment failed", "tenant_id", t.ID, "error", err)
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// ---------- Tenant-scoped endpoints ----------

// GetTenant handles GET /tenants/me.
func (h *Handler) GetTenant(c *gin.Context) {
	t, ok := h.load(c, tenancy.TenantID(c))
	if !ok {
		return
	}
	members, err := h.keys.CountActive(c.Request.Context(), t.ID)
	if err != nil {
		logging.L(c.Request.Context()).Warn("member count failed", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t, "members": members})
}

// UpdateTenant handles PATCH /tenants/me.
func (h *Handler) UpdateTenant(c *gin.Context) {
	var req struct {
		Name         *string `json:"name"`
		BillingEmail *string `json:"billingEmail"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "invalid body")
		return
	}
	t, ok := h.load(c, tenancy.TenantID(c))
	if !ok {
		return
	}
	if req.Name != nil {
		if errs := validation.Validate(
			validation.Required("name", *req.Name),
			validation.MaxLength("name", *req.Name, 200),
		); len(errs) > 0 {
			validation.Abort(c, errs)
			return
		}
		t.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.BillingEmail != nil {
		t.BillingEmail = validation.SanitizeString(*req.BillingEmail, 320)
	}
	t.UpdatedAt = h.now().UTC()
	audit.SetResourceID(c, t.ID)

	if err := h.store.Update(c.Request.Context(), t); err != nil {
		logging.L(c.Request.Context()).Error("tenant update failed", "error", err)
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// CreateKey handles POST /tenants/me/keys. Callers cannot mint a key
// stronger than their own.
func (h *Handler) CreateKey(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		Role     string `json:"role"`
		CallerID string `json:"callerId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "invalid body")
		return
	}
	role := identity.RoleMember
	if req.Role != "" {
		r, err := identity.ParseRole(req.Role)
		if err != nil {
			apperr.Abort(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "unknown role")
			return
		}
		role = r
	}
	tc, _ := identity.Get(c)
	if !tc.Role.AtLeast(role) {
		apperr.Respond(c, apperr.InsufficientRole(string(role)))
		return
	}
	if req.Name == "" {
		req.Name = "Member key"
	}
	callerID := validation.SanitizeString(req.CallerID, 64)
	if callerID == "" {
		callerID = idgen.WithPrefix("usr_")
	}

	rawKey, key, err := h.keys.GenerateKey(c.Request.Context(), tenancy.TenantID(c), callerID, role,
		validation.SanitizeString(req.Name, 200))
	if err != nil {
		logging.L(c.Request.Context()).Error("key generation failed", "error", err)
		apperr.Respond(c, err)
		return
	}
	audit.SetResourceID(c, key.ID)

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /tenants/me/keys.
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.keys.ListKeys(c.Request.Context(), tenancy.TenantID(c))
	if err != nil {
		logging.L(c.Request.Context()).Error("key listing failed", "error", err)
		apperr.Respond(c, err)
		return
	}
	if keys == nil {
		keys = []*identity.APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey handles DELETE /tenants/me/keys/:keyId.
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")
	err := h.keys.RevokeKey(c.Request.Context(), tenancy.TenantID(c), keyID)
	if errors.Is(err, identity.ErrKeyNotFound) {
		apperr.Abort(c, http.StatusNotFound, apperr.CodeNotFound, "key not found")
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("key revoke failed", "error", err)
		apperr.Respond(c, err)
		return
	}
	audit.SetResourceID(c, keyID)
	c.JSON(http.StatusOK, gin.H{"message": "key revoked", "keyId": keyID})
}

func (h *Handler) load(c *gin.Context, id string) (*Tenant, bool) {
	t, err := h.store.Get(c.Request.Context(), id)
	if errors.Is(err, ErrTenantNotFound) {
		apperr.Abort(c, http.StatusNotFound, apperr.CodeNotFound, "tenant not found")
		return nil, false
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("tenant lookup failed", "error", err)
		apperr.Respond(c, err)
		return nil, false
	}
	return t, true
}

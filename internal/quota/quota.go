// Package quota enforces per-tenant plan limits on resource creation.
//
// A route declares what it creates with Enforcer.Limit(resource). The gate
// resolves the tenant's plan through the subscription ledger, then counts
// live usage and admits the request only while usage < limit. The count and
// the guarded handler run under one per-(tenant, resource) lock, so two
// concurrent creations cannot both observe the last free slot.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/config"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/metrics"
	"github.com/mbd888/aegis/internal/plans"
	"github.com/mbd888/aegis/internal/subscription"
	"github.com/mbd888/aegis/internal/syncutil"
	"github.com/mbd888/aegis/internal/tenancy"
)

var ErrNoCounter = errors.New("quota: no usage counter registered for resource")

// UsageCounter reports how many live instances of a resource a tenant has.
type UsageCounter interface {
	Count(ctx context.Context, tenantID string) (int, error)
}

// CounterFunc adapts a function to UsageCounter.
type CounterFunc func(ctx context.Context, tenantID string) (int, error)

func (f CounterFunc) Count(ctx context.Context, tenantID string) (int, error) { return f(ctx, tenantID) }

// Entitlements resolves a tenant's current plan.
type Entitlements interface {
	Entitlement(ctx context.Context, tenantID string) (*subscription.Subscription, plans.Plan, error)
	Catalog() *plans.Catalog
}

// Enforcer is the quota gate.
type Enforcer struct {
	ledger      Entitlements
	locks       syncutil.Locker
	policy      config.NoSubscriptionPolicy
	lockTimeout time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	counters map[plans.Resource]UsageCounter
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLocker replaces the in-process lock, e.g. with a Redis lock when
// several instances serve the same tenants.
func WithLocker(l syncutil.Locker) Option { return func(e *Enforcer) { e.locks = l } }

// WithNoSubscriptionPolicy selects what tenants without an entitling
// subscription get: deny (402) or the free plan.
func WithNoSubscriptionPolicy(p config.NoSubscriptionPolicy) Option {
	return func(e *Enforcer) { e.policy = p }
}

// WithLockTimeout bounds lock acquisition.
func WithLockTimeout(d time.Duration) Option { return func(e *Enforcer) { e.lockTimeout = d } }

func NewEnforcer(ledger Entitlements, logger *slog.Logger, opts ...Option) *Enforcer {
	e := &Enforcer{
		ledger:      ledger,
		locks:       syncutil.NewContextShardedMutex(),
		policy:      config.NoSubscriptionDeny,
		lockTimeout: 5 * time.Second,
		logger:      logger,
		counters:    make(map[plans.Resource]UsageCounter),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Register installs the counter for a resource. Later registrations win.
func (e *Enforcer) Register(r plans.Resource, c UsageCounter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters[r] = c
}

func (e *Enforcer) counter(r plans.Resource) (UsageCounter, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.counters[r]
	return c, ok
}

// Plan resolves the plan whose quotas apply to the tenant right now.
func (e *Enforcer) Plan(ctx context.Context, tenantID string) (plans.Plan, error) {
	_, plan, err := e.ledger.Entitlement(ctx, tenantID)
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, subscription.ErrNotFound) && !errors.Is(err, subscription.ErrCanceled) {
		return plans.Plan{}, err
	}
	if e.policy == config.NoSubscriptionFree {
		return e.ledger.Catalog().Get(plans.Free)
	}
	return plans.Plan{}, apperr.NoSubscription()
}

// Limit returns the gate for routes that create one r.
func (e *Enforcer) Limit(r plans.Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := tenancy.TenantID(c)
		if tenantID == "" {
			apperr.Respond(c, apperr.TenantRequired())
			return
		}
		ctx := c.Request.Context()

		plan, err := e.Plan(ctx, tenantID)
		if err != nil {
			if apperr.IsCode(err, apperr.CodeNoSubscription) {
				metrics.QuotaDecisionsTotal.WithLabelValues(string(r), "no_subscription").Inc()
			} else {
				logging.L(ctx).Error("quota: resolve plan failed", "resource", r, "error", err)
			}
			apperr.Respond(c, err)
			return
		}

		limit := plan.Limit(r)
		if limit == plans.Unlimited {
			metrics.QuotaDecisionsTotal.WithLabelValues(string(r), "unlimited").Inc()
			c.Next()
			return
		}

		counter, ok := e.counter(r)
		if !ok {
			logging.L(ctx).Error("quota: resource has no counter", "resource", r)
			apperr.Abort(c, http.StatusInternalServerError, apperr.CodeUnsupportedResource, string(r)+" is not quota-countable")
			return
		}

		lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
		started := time.Now()
		release, err := e.locks.LockContext(lockCtx, lockKey(tenantID, r))
		cancel()
		metrics.QuotaLockWait.Observe(time.Since(started).Seconds())
		if err != nil {
			metrics.QuotaDecisionsTotal.WithLabelValues(string(r), "busy").Inc()
			logging.L(ctx).Warn("quota: lock unavailable", "resource", r, "error", err)
			apperr.Abort(c, http.StatusServiceUnavailable, apperr.CodeQuotaBusy, "quota check busy, retry shortly")
			return
		}
		defer release()

		used, err := counter.Count(ctx, tenantID)
		if err != nil {
			logging.L(ctx).Error("quota: count failed", "resource", r, "error", err)
			apperr.Abort(c, http.StatusServiceUnavailable, apperr.CodeServiceUnavailable, "usage could not be determined")
			return
		}
		if used >= limit {
			metrics.QuotaDecisionsTotal.WithLabelValues(string(r), "exceeded").Inc()
			apperr.Respond(c, apperr.QuotaExceeded(string(r), limit, used))
			return
		}

		metrics.QuotaDecisionsTotal.WithLabelValues(string(r), "allowed").Inc()
		c.Next()
	}
}

func lockKey(tenantID string, r plans.Resource) string {
	return fmt.Sprintf("quota:%s:%s", tenantID, r)
}

// Usage is one resource's consumption against its limit.
type Usage struct {
	Resource  plans.Resource `json:"resource"`
	Used      int            `json:"used"`
	Limit     int            `json:"limit"`
	Unlimited bool           `json:"unlimited"`
}

// Report counts every registered resource for the tenant.
func (e *Enforcer) Report(ctx context.Context, tenantID string) (plans.Plan, []Usage, error) {
	plan, err := e.Plan(ctx, tenantID)
	if err != nil {
		return plans.Plan{}, nil, err
	}
	out := make([]Usage, 0, len(plans.Resources))
	for _, r := range plans.Resources {
		counter, ok := e.counter(r)
		if !ok {
			continue
		}
		used, err := counter.Count(ctx, tenantID)
		if err != nil {
			return plans.Plan{}, nil, fmt.Errorf("count %s: %w", r, err)
		}
		limit := plan.Limit(r)
		out = append(out, Usage{Resource: r, Used: used, Limit: limit, Unlimited: limit == plans.Unlimited})
	}
	return plan, out, nil
}

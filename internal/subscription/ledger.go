package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/aegis/internal/idgen"
	"github.com/mbd888/aegis/internal/metrics"
	"github.com/mbd888/aegis/internal/plans"
	"github.com/mbd888/aegis/internal/syncutil"
)

// Ledger is the single writer of subscription state.
type Ledger struct {
	store   Store
	catalog *plans.Catalog
	locks   syncutil.Locker
	grace   time.Duration
	trial   time.Duration
	logger  *slog.Logger
	now     func() time.Time
	observe Observer
}

// Observer is told about every persisted status or plan change. It runs
// under the tenant lock and must not block.
type Observer interface {
	SubscriptionChanged(ctx context.Context, prev, next *Subscription)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithGracePeriod sets how long an unpaid active period stays entitled.
func WithGracePeriod(d time.Duration) Option { return func(l *Ledger) { l.grace = d } }

// WithTrialPeriod makes first plan assignments start as trialing.
func WithTrialPeriod(d time.Duration) Option { return func(l *Ledger) { l.trial = d } }

// WithLocker replaces the in-process per-tenant lock.
func WithLocker(lk syncutil.Locker) Option { return func(l *Ledger) { l.locks = lk } }

// WithObserver registers o for transition notifications.
func WithObserver(o Observer) Option { return func(l *Ledger) { l.observe = o } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func NewLedger(store Store, catalog *plans.Catalog, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		catalog: catalog,
		locks:   syncutil.NewContextShardedMutex(),
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Catalog exposes the published plans the ledger validates against.
func (l *Ledger) Catalog() *plans.Catalog { return l.catalog }

// GracePeriod is the configured past_due grace window.
func (l *Ledger) GracePeriod() time.Duration { return l.grace }

// Now is the ledger clock.
func (l *Ledger) Now() time.Time { return l.now() }

// Get returns the tenant's subscription with time-based transitions applied
// to Status.
func (l *Ledger) Get(ctx context.Context, tenantID string) (*Subscription, error) {
	sub, err := l.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sub.Status = sub.EffectiveStatus(l.now(), l.grace)
	return sub, nil
}

// Entitlement resolves the plan a tenant may consume right now.
// It returns ErrNotFound when the tenant has no subscription and
// ErrCanceled when its subscription no longer entitles it.
func (l *Ledger) Entitlement(ctx context.Context, tenantID string) (*Subscription, plans.Plan, error) {
	sub, err := l.store.Get(ctx, tenantID)
	if err != nil {
		return nil, plans.Plan{}, err
	}
	if !sub.Entitled(l.now(), l.grace) {
		return sub, plans.Plan{}, ErrCanceled
	}
	plan, err := l.catalog.Get(sub.PlanID)
	if err != nil {
		return sub, plans.Plan{}, fmt.Errorf("subscription %s: %w", sub.ID, err)
	}
	return sub, plan, nil
}

// withTenant runs fn under the tenant's lock with the current row (nil if
// none). fn returns the row to persist, or nil to skip the write.
func (l *Ledger) withTenant(ctx context.Context, tenantID string, inv func(*Subscription) *Invoice,
	fn func(cur *Subscription, now time.Time) (*Subscription, error)) (*Subscription, error) {
	release, err := l.locks.LockContext(ctx, "sub:"+tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	cur, err := l.store.Get(ctx, tenantID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if errors.Is(err, ErrNotFound) {
		cur = nil
	}

	now := l.now().UTC()
	next, err := fn(cur, now)
	if err != nil || next == nil {
		return cur, err
	}
	next.UpdatedAt = now

	var invoice *Invoice
	if inv != nil {
		invoice = inv(next)
	}
	if err := l.store.Save(ctx, next, invoice); err != nil {
		return nil, err
	}
	if cur == nil || cur.Status != next.Status || cur.PlanID != next.PlanID {
		metrics.SubscriptionTransitionsTotal.WithLabelValues(string(next.Status), string(next.Rail)).Inc()
		l.logger.Info("subscription transition",
			"tenant_id", tenantID,
			"plan", next.PlanID,
			"status", next.Status,
			"rail", next.Rail,
		)
		if l.observe != nil {
			var prev *Subscription
			if cur != nil {
				prev = cur.clone()
			}
			l.observe.SubscriptionChanged(ctx, prev, next.clone())
		}
	}
	return next, nil
}

func (l *Ledger) fresh(tenantID string, cur *Subscription, now time.Time) *Subscription {
	if cur != nil {
		next := cur.clone()
		return next
	}
	return &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		TenantID:  tenantID,
		CreatedAt: now,
	}
}

// AssignPlan is a platform action: it binds the tenant to planID on the
// manual rail for one billing cycle. A tenant's first assignment starts as
// trialing when a trial period is configured.
func (l *Ledger) AssignPlan(ctx context.Context, tenantID string, planID plans.ID) (*Subscription, error) {
	plan, err := l.catalog.Get(planID)
	if err != nil {
		return nil, err
	}
	return l.withTenant(ctx, tenantID, nil, func(cur *Subscription, now time.Time) (*Subscription, error) {
		next := l.fresh(tenantID, cur, now)
		next.PlanID = plan.ID
		next.Rail = RailManual
		next.Status = StatusActive
		next.ExternalRef = ""
		next.ExternalVersion = 0
		next.CancelAt = nil
		next.CurrentPeriodStart = now
		next.CurrentPeriodEnd = now.Add(plan.BillingCycle)
		if cur == nil && l.trial > 0 {
			next.Status = StatusTrialing
			next.CurrentPeriodEnd = now.Add(l.trial)
		}
		return next, nil
	})
}

// CheckoutActivation is a completed card checkout.
type CheckoutActivation struct {
	TenantID    string
	PlanID      plans.ID
	ExternalRef string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Version     int64
}

// ActivateFromCheckout creates or replaces the tenant's subscription and
// binds it to the processor's subscription id.
func (l *Ledger) ActivateFromCheckout(ctx context.Context, a CheckoutActivation) (*Subscription, error) {
	plan, err := l.catalog.Get(a.PlanID)
	if err != nil {
		return nil, err
	}
	return l.withTenant(ctx, a.TenantID, nil, func(cur *Subscription, now time.Time) (*Subscription, error) {
		if cur != nil && cur.ExternalRef == a.ExternalRef && cur.ExternalVersion > a.Version {
			return nil, nil
		}
		next := l.fresh(a.TenantID, cur, now)
		next.PlanID = plan.ID
		next.Rail = RailCard
		next.Status = StatusActive
		next.ExternalRef = a.ExternalRef
		next.ExternalVersion = a.Version
		next.CancelAt = nil
		next.CurrentPeriodStart = now
		next.CurrentPeriodEnd = now.Add(plan.BillingCycle)
		if !a.PeriodStart.IsZero() && a.PeriodEnd.After(a.PeriodStart) {
			next.CurrentPeriodStart = a.PeriodStart.UTC()
			next.CurrentPeriodEnd = a.PeriodEnd.UTC()
		}
		return next, nil
	})
}

// ExternalUpdate is a processor-side change to a bound subscription.
type ExternalUpdate struct {
	ExternalRef string
	Status      Status
	PlanID      plans.ID // empty keeps the current plan
	PeriodStart time.Time
	PeriodEnd   time.Time
	CancelAt    *time.Time
	Version     int64
}

// ApplyExternalUpdate applies u unless a newer processor version has
// already been applied, or a deletion of the same or a newer version. It returns ErrNotFound when no subscription is bound
// to u.ExternalRef yet.
func (l *Ledger) ApplyExternalUpdate(ctx context.Context, u ExternalUpdate) (*Subscription, bool, error) {
	bound, err := l.store.GetByExternalRef(ctx, u.ExternalRef)
	if err != nil {
		return nil, false, err
	}
	applied := false
	sub, err := l.withTenant(ctx, bound.TenantID, nil, func(cur *Subscription, now time.Time) (*Subscription, error) {
		if cur == nil || cur.ExternalRef != u.ExternalRef {
			return nil, ErrNotFound
		}
		if u.Version < cur.ExternalVersion {
			return nil, nil
		}
		// A deletion is final for its subscription; a same-second update
		// loses the tie.
		if cur.Status == StatusCanceled && u.Version <= cur.ExternalVersion {
			return nil, nil
		}
		next := cur.clone()
		if u.PlanID != "" {
			if _, err := l.catalog.Get(u.PlanID); err == nil {
				next.PlanID = u.PlanID
			}
		}
		if u.Status != "" {
			next.Status = u.Status
		}
		if !u.PeriodStart.IsZero() && u.PeriodEnd.After(u.PeriodStart) {
			next.CurrentPeriodStart = u.PeriodStart.UTC()
			next.CurrentPeriodEnd = u.PeriodEnd.UTC()
		}
		next.CancelAt = u.CancelAt
		next.ExternalVersion = u.Version
		applied = true
		return next, nil
	})
	return sub, applied, err
}

// MarkDeleted cancels the subscription bound to ref immediately.
func (l *Ledger) MarkDeleted(ctx context.Context, ref string, version int64) (*Subscription, error) {
	bound, err := l.store.GetByExternalRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	return l.withTenant(ctx, bound.TenantID, nil, func(cur *Subscription, now time.Time) (*Subscription, error) {
		if cur == nil || cur.ExternalRef != ref {
			return nil, ErrNotFound
		}
		if cur.Status == StatusCanceled && cur.ExternalVersion >= version {
			return nil, nil
		}
		next := cur.clone()
		next.Status = StatusCanceled
		if cur.Status != StatusCanceled {
			next.CancelAt = &now
		}
		if version > next.ExternalVersion {
			next.ExternalVersion = version
		}
		return next, nil
	})
}

// PeriodActivation is a confirmed crypto payment for one billing cycle.
type PeriodActivation struct {
	TenantID string
	PlanID   plans.ID
	Ref      string // unique per payment, e.g. "usdt:<intentId>"
	Amount   string
	Currency string
}

// ActivatePeriod grants one billing cycle for a confirmed payment. It is
// idempotent per Ref. Paying for the current plan while still inside a
// running period extends it; otherwise a new period starts now.
func (l *Ledger) ActivatePeriod(ctx context.Context, a PeriodActivation) (*Subscription, error) {
	plan, err := l.catalog.Get(a.PlanID)
	if err != nil {
		return nil, err
	}
	sub, err := l.withTenant(ctx, a.TenantID,
		func(next *Subscription) *Invoice {
			return &Invoice{
				ID:             idgen.WithPrefix("inv_"),
				SubscriptionID: next.ID,
				TenantID:       a.TenantID,
				ExternalID:     a.Ref,
				Rail:           RailCrypto,
				Amount:         a.Amount,
				Currency:       a.Currency,
				PaidAt:         next.UpdatedAt,
			}
		},
		func(cur *Subscription, now time.Time) (*Subscription, error) {
			next := l.fresh(a.TenantID, cur, now)
			extend := cur != nil && cur.PlanID == plan.ID &&
				cur.EffectiveStatus(now, 0) == StatusActive && cur.CurrentPeriodEnd.After(now)
			if extend {
				next.CurrentPeriodEnd = cur.CurrentPeriodEnd.Add(plan.BillingCycle)
			} else {
				next.CurrentPeriodStart = now
				next.CurrentPeriodEnd = now.Add(plan.BillingCycle)
			}
			next.PlanID = plan.ID
			next.Status = StatusActive
			next.Rail = RailCrypto
			next.ExternalRef = ""
			next.ExternalVersion = 0
			next.CancelAt = nil
			return next, nil
		})
	if errors.Is(err, ErrDuplicateInvoice) {
		return l.store.Get(ctx, a.TenantID)
	}
	return sub, err
}

// ScheduleCancel keeps the subscription entitled until the end of the
// current period, then it lapses to canceled.
func (l *Ledger) ScheduleCancel(ctx context.Context, tenantID string) (*Subscription, error) {
	return l.withTenant(ctx, tenantID, nil, func(cur *Subscription, now time.Time) (*Subscription, error) {
		if cur == nil {
			return nil, ErrNotFound
		}
		if cur.EffectiveStatus(now, l.grace) == StatusCanceled {
			return nil, ErrCanceled
		}
		next := cur.clone()
		at := cur.CurrentPeriodEnd
		if at.Before(now) {
			at = now
		}
		next.CancelAt = &at
		return next, nil
	})
}

// InvoicePayment is a settled processor invoice.
type InvoicePayment struct {
	ExternalRef string // processor subscription id
	InvoiceID   string
	Amount      string
	Currency    string
	PaidAt      time.Time
}

// RecordInvoice appends a processor invoice to the bound subscription.
// Recording the same invoice twice is a no-op.
func (l *Ledger) RecordInvoice(ctx context.Context, p InvoicePayment) (*Invoice, error) {
	bound, err := l.store.GetByExternalRef(ctx, p.ExternalRef)
	if err != nil {
		return nil, err
	}
	var recorded *Invoice
	_, err = l.withTenant(ctx, bound.TenantID,
		func(next *Subscription) *Invoice {
			paidAt := p.PaidAt
			if paidAt.IsZero() {
				paidAt = next.UpdatedAt
			}
			recorded = &Invoice{
				ID:             idgen.WithPrefix("inv_"),
				SubscriptionID: next.ID,
				TenantID:       next.TenantID,
				ExternalID:     p.InvoiceID,
				Rail:           RailCard,
				Amount:         p.Amount,
				Currency:       p.Currency,
				PaidAt:         paidAt.UTC(),
			}
			return recorded
		},
		func(cur *Subscription, now time.Time) (*Subscription, error) {
			if cur == nil || cur.ExternalRef != p.ExternalRef {
				return nil, ErrNotFound
			}
			return cur.clone(), nil
		})
	if errors.Is(err, ErrDuplicateInvoice) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return recorded, nil
}

// ListInvoices returns the tenant's invoices, newest first.
func (l *Ledger) ListInvoices(ctx context.Context, tenantID string, limit int) ([]*Invoice, error) {
	return l.store.ListInvoices(ctx, tenantID, limit)
}

// SweepLapsed persists time-based transitions (scheduled cancels reached,
// unpaid periods past grace) so that stored status matches effective
// status. It returns how many rows changed.
func (l *Ledger) SweepLapsed(ctx context.Context, limit int) (int, error) {
	due, err := l.store.ListDue(ctx, l.now(), limit)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, s := range due {
		moved := false
		_, err := l.withTenant(ctx, s.TenantID, nil, func(cur *Subscription, now time.Time) (*Subscription, error) {
			if cur == nil {
				return nil, nil
			}
			eff := cur.EffectiveStatus(now, l.grace)
			if eff == cur.Status {
				return nil, nil
			}
			next := cur.clone()
			next.Status = eff
			moved = true
			return next, nil
		})
		if err != nil {
			l.logger.Warn("subscription sweep failed", "tenant_id", s.TenantID, "error", err)
			continue
		}
		if moved {
			changed++
		}
	}
	return changed, nil
}

package webhooks

import (
	"context"
	"time"

	"github.com/mbd888/aegis/internal/idgen"
	"github.com/mbd888/aegis/internal/subscription"
)

// Emitter turns ledger transitions into tenant notifications. It never
// blocks the ledger: deliveries run on the dispatcher's goroutines.
type Emitter struct {
	d   *Dispatcher
	now func() time.Time
}

func NewEmitter(d *Dispatcher) *Emitter {
	return &Emitter{d: d, now: time.Now}
}

// SubscriptionChanged implements subscription.Observer.
func (e *Emitter) SubscriptionChanged(ctx context.Context, prev, next *subscription.Subscription) {
	if e == nil || e.d == nil || next == nil {
		return
	}
	typ := EventSubscriptionUpdated
	if next.Status == subscription.StatusCanceled {
		typ = EventSubscriptionCanceled
	}
	data := map[string]any{
		"subscriptionId":     next.ID,
		"planId":             next.PlanID,
		"status":             next.Status,
		"rail":               next.Rail,
		"currentPeriodStart": next.CurrentPeriodStart,
		"currentPeriodEnd":   next.CurrentPeriodEnd,
	}
	if next.CancelAt != nil {
		data["cancelAt"] = *next.CancelAt
	}
	if prev != nil {
		data["previousPlanId"] = prev.PlanID
		data["previousStatus"] = prev.Status
	}
	e.d.Publish(ctx, &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      typ,
		TenantID:  next.TenantID,
		Timestamp: e.now().UTC(),
		Data:      data,
	})
}

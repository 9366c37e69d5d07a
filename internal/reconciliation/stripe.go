package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/metrics"
	"github.com/mbd888/aegis/internal/plans"
	"github.com/mbd888/aegis/internal/subscription"
	"github.com/mbd888/aegis/internal/traces"
)

// ProviderStripe namespaces Stripe deliveries in the dedup and parking stores.
const ProviderStripe = "stripe"

// errUnbound marks an update for a processor subscription the ledger has
// not seen a checkout for yet.
var errUnbound = errors.New("processor subscription not bound yet")

// HandleStripeEvent applies one verified Stripe delivery exactly once.
// Signature verification happens before this call.
//
// A delivery already processed returns nil. A delivery another worker is
// processing returns a DELIVERY_IN_PROGRESS error so the processor retries
// later. On any other failure the claim is released so a redelivery can
// succeed.
func (e *Engine) HandleStripeEvent(ctx context.Context, evt stripe.Event) (err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.stripe_event",
		traces.Rail("card"), traces.EventID(evt.ID), traces.EventType(string(evt.Type)))
	defer func() { traces.End(span, err) }()

	log := logging.L(ctx).With("event_id", evt.ID, "event_type", string(evt.Type))
	if evt.ID == "" || evt.Data == nil {
		return apperr.Reconcile(apperr.CodeMalformedEvent, "stripe", errors.New("event without id or data"))
	}

	claim, err := e.dedup.Claim(ctx, ProviderStripe, evt.ID)
	if err != nil {
		metrics.ReconcileErrorsTotal.WithLabelValues("card", "claim").Inc()
		return fmt.Errorf("claim delivery: %w", err)
	}
	switch claim {
	case ClaimDone:
		metrics.WebhookEventsTotal.WithLabelValues(string(evt.Type), "duplicate").Inc()
		log.Info("duplicate delivery ignored")
		return nil
	case ClaimInFlight:
		metrics.WebhookEventsTotal.WithLabelValues(string(evt.Type), "in_flight").Inc()
		return apperr.Reconcile(apperr.CodeDeliveryInProgress, "stripe", errors.New("delivery is being processed"))
	}

	result, err := e.applyStripe(ctx, evt.Type, evt.ID, evt.Data.Raw, evt.Created)
	if err != nil {
		if relErr := e.dedup.Release(context.WithoutCancel(ctx), ProviderStripe, evt.ID); relErr != nil {
			log.Warn("failed to release delivery claim", "error", relErr)
		}
		metrics.WebhookEventsTotal.WithLabelValues(string(evt.Type), "error").Inc()
		metrics.ReconcileErrorsTotal.WithLabelValues("card", string(evt.Type)).Inc()
		return err
	}

	if err := e.dedup.Complete(context.WithoutCancel(ctx), ProviderStripe, evt.ID); err != nil {
		// Redelivery after the claim goes stale is harmless: every
		// transition is idempotent on its own.
		log.Warn("failed to mark delivery processed", "error", err)
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(evt.Type), result).Inc()
	log.Info("stripe event reconciled", "result", result)
	return nil
}

// applyStripe interprets one event. It returns a short result label.
func (e *Engine) applyStripe(ctx context.Context, typ stripe.EventType, eventID string, raw json.RawMessage, version int64) (string, error) {
	switch typ {
	case stripe.EventTypeCheckoutSessionCompleted:
		return e.onCheckoutCompleted(ctx, raw, version)

	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil || sub.ID == "" {
			return "", malformed(typ, err)
		}
		err := e.onSubscriptionUpdated(ctx, &sub, version)
		return e.parkIfUnbound(ctx, typ, eventID, sub.ID, raw, version, err)

	case stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil || sub.ID == "" {
			return "", malformed(typ, err)
		}
		_, err := e.ledger.MarkDeleted(ctx, sub.ID, version)
		if errors.Is(err, subscription.ErrNotFound) {
			err = errUnbound
		}
		return e.parkIfUnbound(ctx, typ, eventID, sub.ID, raw, version, err)

	case stripe.EventTypeInvoicePaymentSucceeded, stripe.EventTypeInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil || inv.ID == "" {
			return "", malformed(typ, err)
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			return "ignored", nil // one-off invoice
		}
		_, err := e.ledger.RecordInvoice(ctx, subscription.InvoicePayment{
			ExternalRef: inv.Subscription.ID,
			InvoiceID:   inv.ID,
			Amount:      formatMinorUnits(inv.AmountPaid),
			Currency:    strings.ToUpper(string(inv.Currency)),
			PaidAt:      invoicePaidAt(&inv),
		})
		if errors.Is(err, subscription.ErrNotFound) {
			err = errUnbound
		}
		return e.parkIfUnbound(ctx, typ, eventID, inv.Subscription.ID, raw, version, err)

	default:
		return "ignored", nil
	}
}

func (e *Engine) onCheckoutCompleted(ctx context.Context, raw json.RawMessage, version int64) (string, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return "", malformed(stripe.EventTypeCheckoutSessionCompleted, err)
	}
	if sess.Mode != "" && sess.Mode != stripe.CheckoutSessionModeSubscription {
		return "ignored", nil
	}

	tenantID := sess.ClientReferenceID
	if tenantID == "" {
		tenantID = sess.Metadata["tenant_id"]
	}
	planID := plans.ID(sess.Metadata["plan_id"])
	if tenantID == "" || planID == "" || sess.Subscription == nil || sess.Subscription.ID == "" {
		return "", malformed(stripe.EventTypeCheckoutSessionCompleted,
			errors.New("session lacks tenant, plan or subscription reference"))
	}
	if _, err := e.catalog.Get(planID); err != nil {
		return "", malformed(stripe.EventTypeCheckoutSessionCompleted, err)
	}

	act := subscription.CheckoutActivation{
		TenantID:    tenantID,
		PlanID:      planID,
		ExternalRef: sess.Subscription.ID,
		Version:     version,
	}
	if s := sess.Subscription; s.CurrentPeriodEnd > s.CurrentPeriodStart {
		act.PeriodStart = time.Unix(s.CurrentPeriodStart, 0)
		act.PeriodEnd = time.Unix(s.CurrentPeriodEnd, 0)
	}
	if _, err := e.ledger.ActivateFromCheckout(ctx, act); err != nil {
		return "", fmt.Errorf("activate checkout: %w", err)
	}

	e.replayParked(ctx, sess.Subscription.ID)
	return "applied", nil
}

func (e *Engine) onSubscriptionUpdated(ctx context.Context, sub *stripe.Subscription, version int64) error {
	status, ok := mapStripeStatus(sub.Status)
	if !ok {
		return nil
	}
	u := subscription.ExternalUpdate{
		ExternalRef: sub.ID,
		Status:      status,
		Version:     version,
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			if p, ok := e.catalog.ByStripePrice(item.Price.ID); ok {
				u.PlanID = p.ID
				break
			}
		}
	}
	if sub.CurrentPeriodEnd > sub.CurrentPeriodStart {
		u.PeriodStart = time.Unix(sub.CurrentPeriodStart, 0)
		u.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0)
	}
	switch {
	case sub.CancelAt > 0:
		t := time.Unix(sub.CancelAt, 0).UTC()
		u.CancelAt = &t
	case sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd > 0:
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		u.CancelAt = &t
	}

	_, applied, err := e.ledger.ApplyExternalUpdate(ctx, u)
	if errors.Is(err, subscription.ErrNotFound) {
		return errUnbound
	}
	if err == nil && !applied {
		logging.L(ctx).Info("stale subscription update ignored", "external_ref", sub.ID, "version", version)
	}
	return err
}

// parkIfUnbound turns errUnbound into a parked event.
func (e *Engine) parkIfUnbound(ctx context.Context, typ stripe.EventType, eventID, ref string, raw json.RawMessage, version int64, err error) (string, error) {
	if err == nil {
		return "applied", nil
	}
	if !errors.Is(err, errUnbound) {
		return "", err
	}
	perr := e.parked.Park(ctx, &ParkedEvent{
		Provider:    ProviderStripe,
		ExternalRef: ref,
		EventID:     eventID,
		EventType:   string(typ),
		Payload:     raw,
		Version:     version,
		ParkedAt:    e.now().UTC(),
	})
	if perr != nil {
		return "", perr
	}
	logging.L(ctx).Info("update parked until checkout completes", "external_ref", ref)
	return "parked", nil
}

// replayParked applies updates that arrived before the checkout bound ref.
// Events that fail again are parked back.
func (e *Engine) replayParked(ctx context.Context, ref string) {
	events, err := e.parked.Take(ctx, ProviderStripe, ref)
	if err != nil {
		logging.L(ctx).Warn("failed to load parked events", "external_ref", ref, "error", err)
		return
	}
	for _, ev := range events {
		if _, err := e.applyStripe(ctx, stripe.EventType(ev.EventType), ev.EventID, ev.Payload, ev.Version); err != nil {
			metrics.ReconcileErrorsTotal.WithLabelValues("card", "replay").Inc()
			logging.L(ctx).Warn("parked event replay failed", "event_id", ev.EventID, "error", err)
			if !errors.Is(err, errUnbound) {
				_ = e.parked.Park(ctx, ev)
			}
			continue
		}
		logging.L(ctx).Info("parked event replayed", "event_id", ev.EventID, "event_type", ev.EventType)
	}
}

func malformed(typ stripe.EventType, err error) error {
	if err == nil {
		err = errors.New("missing object id")
	}
	return apperr.Reconcile(apperr.CodeMalformedEvent, string(typ), err)
}

// mapStripeStatus folds processor states onto ledger states. States that
// carry no entitlement decision (paused) are skipped.
func mapStripeStatus(s stripe.SubscriptionStatus) (subscription.Status, bool) {
	switch s {
	case stripe.SubscriptionStatusActive:
		return subscription.StatusActive, true
	case stripe.SubscriptionStatusTrialing:
		return subscription.StatusTrialing, true
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncomplete:
		return subscription.StatusPastDue, true
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return subscription.StatusCanceled, true
	default:
		return "", false
	}
}

func formatMinorUnits(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func invoicePaidAt(inv *stripe.Invoice) time.Time {
	if inv.StatusTransitions != nil && inv.StatusTransitions.PaidAt > 0 {
		return time.Unix(inv.StatusTransitions.PaidAt, 0)
	}
	return time.Time{}
}

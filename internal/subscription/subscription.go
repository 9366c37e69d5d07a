// Package subscription is the ledger of each tenant's plan entitlement.
//
// One subscription row exists per tenant and is never hard-deleted. Every
// transition runs under a per-tenant lock and lands in a single store write.
//
//	(none) ──plan assigned / checkout completed──▶ trialing | active
//	active ──processor reports past_due──────────▶ past_due
//	active | past_due ──processor deletes────────▶ canceled
//	active ──cancel requested────────────────────▶ cancelAt set, canceled at period end
//	confirmed crypto payment ────────────────────▶ active for one more period
//	paid non-card period + grace elapsed ────────▶ canceled
package subscription

import (
	"errors"
	"time"

	"github.com/mbd888/aegis/internal/plans"
)

var (
	ErrNotFound         = errors.New("subscription: not found")
	ErrDuplicateInvoice = errors.New("subscription: invoice already recorded")
	ErrCanceled         = errors.New("subscription: already canceled")
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Rail records which payment channel last funded the subscription.
type Rail string

const (
	RailManual Rail = "manual"
	RailCard   Rail = "card"
	RailCrypto Rail = "crypto"
)

// Subscription binds a tenant to a plan.
type Subscription struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenantId"`
	PlanID             plans.ID   `json:"planId"`
	Status             Status     `json:"status"`
	Rail               Rail       `json:"rail"`
	CurrentPeriodStart time.Time  `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time  `json:"currentPeriodEnd"`
	CancelAt           *time.Time `json:"cancelAt,omitempty"`
	ExternalRef        string     `json:"externalRef,omitempty"`
	ExternalVersion    int64      `json:"-"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// EffectiveStatus applies time-based transitions that have not been
// persisted yet. A scheduled cancel that has been reached means canceled.
// Past its period end plus grace, a card subscription is past_due until
// the processor cancels it, and a paid plan on any other rail is canceled
// because nothing renews it.
func (s *Subscription) EffectiveStatus(now time.Time, grace time.Duration) Status {
	if s.Status == StatusCanceled {
		return StatusCanceled
	}
	if s.CancelAt != nil && !now.Before(*s.CancelAt) {
		return StatusCanceled
	}
	if s.CurrentPeriodEnd.IsZero() || !now.After(s.CurrentPeriodEnd.Add(grace)) {
		return s.Status
	}
	if s.lapses() {
		return StatusCanceled
	}
	if s.Status == StatusActive || s.Status == StatusTrialing {
		return StatusPastDue
	}
	return s.Status
}

// lapses reports whether an unpaid period ends the subscription outright.
// Card subscriptions are ended by the processor; the free plan never ends.
func (s *Subscription) lapses() bool {
	return s.Rail != RailCard && s.PlanID != plans.Free
}

// Entitled reports whether the tenant may consume its plan's quotas.
// past_due keeps the entitlement; only canceled loses it. Only card and
// free subscriptions can be past_due.
func (s *Subscription) Entitled(now time.Time, grace time.Duration) bool {
	switch s.EffectiveStatus(now, grace) {
	case StatusTrialing, StatusActive, StatusPastDue:
		return true
	default:
		return false
	}
}

// Invoice is an append-only record of a settled payment.
type Invoice struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscriptionId"`
	TenantID       string    `json:"tenantId"`
	ExternalID     string    `json:"externalId"`
	Rail           Rail      `json:"rail"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	PaidAt         time.Time `json:"paidAt"`
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	if s.CancelAt != nil {
		t := *s.CancelAt
		cp.CancelAt = &t
	}
	return &cp
}

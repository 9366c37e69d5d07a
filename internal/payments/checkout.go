// Package payments exposes the payment rails over HTTP: the card
// processor's webhook and hosted checkout, and USDT payment intents.
package payments

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/aegis/internal/plans"
)

var ErrCheckoutDisabled = errors.New("card checkout is not configured")

// CheckoutSession is a hosted checkout the caller redirects to.
type CheckoutSession struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}

// CheckoutCreator opens hosted checkout sessions with the card processor.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, tenantID string, plan plans.Plan) (*CheckoutSession, error)
}

// StripeCheckout creates subscription-mode Stripe Checkout sessions. The
// tenant id travels as client_reference_id and the plan id as metadata;
// the webhook handler reads both back on checkout.session.completed.
type StripeCheckout struct {
	api        *client.API
	successURL string
	cancelURL  string
}

func NewStripeCheckout(secretKey, successURL, cancelURL string) *StripeCheckout {
	return &StripeCheckout{
		api:        client.New(secretKey, nil),
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

func (s *StripeCheckout) CreateCheckout(ctx context.Context, tenantID string, plan plans.Plan) (*CheckoutSession, error) {
	if plan.StripePriceID == "" {
		return nil, errors.New("plan has no card price")
	}
	meta := map[string]string{"tenant_id": tenantID, "plan_id": string(plan.ID)}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(tenantID),
		SuccessURL:        stripe.String(s.successURL),
		CancelURL:         stripe.String(s.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(plan.StripePriceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{Metadata: meta},
	}
	params.Context = ctx
	for k, v := range meta {
		params.AddMetadata(k, v)
	}

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// Package plans holds the published plan catalogue. Published plans are
// immutable; every read returns a copy.
package plans

import (
	"errors"
	"sort"
	"time"
)

var ErrUnknownPlan = errors.New("plans: unknown plan")

// Resource is a quota-governed resource kind.
type Resource string

const (
	ResourceModules Resource = "modules"
	ResourceMembers Resource = "members"
)

// Resources lists every governed resource in display order.
var Resources = []Resource{ResourceModules, ResourceMembers}

// Valid reports whether r is a known resource.
func (r Resource) Valid() bool {
	for _, known := range Resources {
		if r == known {
			return true
		}
	}
	return false
}

// Unlimited is the quota limit that disables counting.
const Unlimited = -1

// ID identifies a plan.
type ID string

const (
	Free       ID = "free"
	Starter    ID = "starter"
	Growth     ID = "growth"
	Enterprise ID = "enterprise"
)

// Plan is a priced bundle of quotas.
type Plan struct {
	ID            ID               `json:"id"`
	Name          string           `json:"name"`
	Quotas        map[Resource]int `json:"quotas"`
	BillingCycle  time.Duration    `json:"-"`
	PriceUSDT     string           `json:"priceUsdt"`
	StripePriceID string           `json:"stripePriceId,omitempty"`
}

// Limit returns the quota for r. Resources a plan does not mention get 0.
func (p Plan) Limit(r Resource) int {
	return p.Quotas[r]
}

// Paid reports whether the plan is purchasable on a payment rail.
func (p Plan) Paid() bool {
	return p.PriceUSDT != "" && p.PriceUSDT != "0" && p.PriceUSDT != "0.00"
}

func (p Plan) clone() Plan {
	q := make(map[Resource]int, len(p.Quotas))
	for k, v := range p.Quotas {
		q[k] = v
	}
	p.Quotas = q
	return p
}

// Catalog is an immutable set of published plans.
type Catalog struct {
	plans map[ID]Plan
}

// NewCatalog publishes plans. Later mutation of the arguments has no effect.
func NewCatalog(list ...Plan) *Catalog {
	c := &Catalog{plans: make(map[ID]Plan, len(list))}
	for _, p := range list {
		c.plans[p.ID] = p.clone()
	}
	return c
}

// Get returns a copy of the plan.
func (c *Catalog) Get(id ID) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return p.clone(), nil
}

// ByStripePrice finds the plan sold under a Stripe price id.
func (c *Catalog) ByStripePrice(priceID string) (Plan, bool) {
	if priceID == "" {
		return Plan{}, false
	}
	for _, p := range c.plans {
		if p.StripePriceID == priceID {
			return p.clone(), true
		}
	}
	return Plan{}, false
}

// List returns every plan ordered by id.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StripePrices maps paid plans to the Stripe price ids of one account.
// A plan without a price cannot be bought or matched on the card rail.
type StripePrices map[ID]string

// Default returns the built-in catalogue for the given billing cycle.
func Default(cycle time.Duration, prices StripePrices) *Catalog {
	return NewCatalog(
		Plan{
			ID: Free, Name: "Free", BillingCycle: cycle, PriceUSDT: "0",
			Quotas: map[Resource]int{ResourceModules: 2, ResourceMembers: 2},
		},
		Plan{
			ID: Starter, Name: "Starter", BillingCycle: cycle, PriceUSDT: "19.00",
			StripePriceID: prices[Starter],
			Quotas:        map[Resource]int{ResourceModules: 10, ResourceMembers: 5},
		},
		Plan{
			ID: Growth, Name: "Growth", BillingCycle: cycle, PriceUSDT: "49.00",
			StripePriceID: prices[Growth],
			Quotas:        map[Resource]int{ResourceModules: 50, ResourceMembers: 25},
		},
		Plan{
			ID: Enterprise, Name: "Enterprise", BillingCycle: cycle, PriceUSDT: "199.00",
			StripePriceID: prices[Enterprise],
			Quotas:        map[Resource]int{ResourceModules: Unlimited, ResourceMembers: Unlimited},
		},
	)
}

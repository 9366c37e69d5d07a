package plans

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_ImmutableReads(t *testing.T) {
	c := Default(30*24*time.Hour, nil)

	p, err := c.Get(Free)
	require.NoError(t, err)
	p.Quotas[ResourceModules] = 999

	again, err := c.Get(Free)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Limit(ResourceModules))
}

func TestCatalog_PublishCopiesInput(t *testing.T) {
	q := map[Resource]int{ResourceModules: 1}
	c := NewCatalog(Plan{ID: "x", Quotas: q})
	q[ResourceModules] = 5

	p, err := c.Get("x")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Limit(ResourceModules))
}

func TestCatalog_Lookup(t *testing.T) {
	c := Default(time.Hour, StripePrices{Growth: "price_growth_monthly"})

	_, err := c.Get("platinum")
	assert.ErrorIs(t, err, ErrUnknownPlan)

	p, ok := c.ByStripePrice("price_growth_monthly")
	require.True(t, ok)
	assert.Equal(t, Growth, p.ID)

	_, ok = c.ByStripePrice("")
	assert.False(t, ok)

	starter, err := c.Get(Starter)
	require.NoError(t, err)
	assert.Empty(t, starter.StripePriceID, "unconfigured prices stay empty")
	_, ok = c.ByStripePrice("price_starter_monthly")
	assert.False(t, ok)

	list := c.List()
	require.Len(t, list, 4)
	assert.Equal(t, Enterprise, list[0].ID)
}

func TestPlan_LimitsAndPaid(t *testing.T) {
	c := Default(time.Hour, nil)
	ent, _ := c.Get(Enterprise)
	assert.Equal(t, Unlimited, ent.Limit(ResourceModules))
	assert.True(t, ent.Paid())

	free, _ := c.Get(Free)
	assert.False(t, free.Paid())
	assert.Equal(t, 0, free.Limit(Resource("seats")))
}

func TestResource_Valid(t *testing.T) {
	assert.True(t, ResourceModules.Valid())
	assert.False(t, Resource("widgets").Valid())
}

// Package tenant provisions organisations and their member credentials.
package tenant

import (
	"errors"
	"time"
)

var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrSlugTaken      = errors.New("tenant: slug already taken")
)

// Tenant is an isolated organisation. Every tenant-owned row carries its ID.
type Tenant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	BillingEmail string    `json:"billingEmail,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

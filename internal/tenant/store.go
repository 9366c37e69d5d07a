package tenant

import (
	"context"

	"github.com/mbd888/aegis/internal/pagination"
)

// Store persists tenants.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	// List returns tenants newest first, strictly after the cursor.
	List(ctx context.Context, after *pagination.Cursor, limit int) ([]*Tenant, error)
}

// Package modules is a tenant-owned resource that sits behind the full
// request pipeline and the "modules" quota.
package modules

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/aegis/internal/pagination"
)

var ErrNotFound = errors.New("modules: not found")

// Module is a tenant-owned configuration unit.
type Module struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists modules. Every method is scoped by tenant; a module of
// another tenant is reported as ErrNotFound.
type Store interface {
	Create(ctx context.Context, m *Module) error
	Get(ctx context.Context, tenantID, id string) (*Module, error)
	// List returns up to limit modules newest first, strictly after cursor.
	List(ctx context.Context, tenantID string, after *pagination.Cursor, limit int) ([]*Module, error)
	Update(ctx context.Context, m *Module) error
	Delete(ctx context.Context, tenantID, id string) error
	Count(ctx context.Context, tenantID string) (int, error)
}

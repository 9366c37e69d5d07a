package subscription

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists subscriptions and invoices.
type Store interface {
	Get(ctx context.Context, tenantID string) (*Subscription, error)
	GetByExternalRef(ctx context.Context, ref string) (*Subscription, error)

	// Save upserts sub (keyed by tenant) and, when inv is non-nil, appends
	// it in the same atomic write. A duplicate invoice external id aborts
	// the whole write with ErrDuplicateInvoice.
	Save(ctx context.Context, sub *Subscription, inv *Invoice) error

	ListInvoices(ctx context.Context, tenantID string, limit int) ([]*Invoice, error)

	// ListDue returns non-canceled subscriptions whose cancelAt or period
	// end is at or before cutoff.
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*Subscription, error)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	byTenant map[string]*Subscription
	invoices []*Invoice
	invByExt map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTenant: make(map[string]*Subscription),
		invByExt: make(map[string]struct{}),
	}
}

func (m *MemoryStore) Get(_ context.Context, tenantID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byTenant[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) GetByExternalRef(_ context.Context, ref string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.byTenant {
		if ref != "" && s.ExternalRef == ref {
			return s.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Save(_ context.Context, sub *Subscription, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv != nil {
		if _, dup := m.invByExt[inv.ExternalID]; dup {
			return ErrDuplicateInvoice
		}
		cp := *inv
		m.invoices = append(m.invoices, &cp)
		m.invByExt[inv.ExternalID] = struct{}{}
	}
	m.byTenant[sub.TenantID] = sub.clone()
	return nil
}

func (m *MemoryStore) ListInvoices(_ context.Context, tenantID string, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Invoice
	for _, inv := range m.invoices {
		if inv.TenantID == tenantID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaidAt.After(out[j].PaidAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListDue(_ context.Context, cutoff time.Time, limit int) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, s := range m.byTenant {
		if s.Status == StatusCanceled {
			continue
		}
		due := (s.CancelAt != nil && !s.CancelAt.After(cutoff)) ||
			(!s.CurrentPeriodEnd.IsZero() && !s.CurrentPeriodEnd.After(cutoff))
		if due {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{endpoints: make(map[string]*Endpoint)}
}

func copyEndpoint(ep *Endpoint) *Endpoint {
	cp := *ep
	cp.Events = append([]EventType(nil), ep.Events...)
	if ep.LastSuccess != nil {
		t := *ep.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, ep *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[ep.ID] = copyEndpoint(ep)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, id string) (*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copyEndpoint(ep), nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string) ([]*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range m.endpoints {
		if ep.TenantID == tenantID {
			out = append(out, copyEndpoint(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	eps, err := m.ListByTenant(ctx, tenantID)
	return len(eps), err
}

func (m *MemoryStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	cur.LastSuccess = &at
	cur.LastError = ""
	cur.ConsecutiveFailures = 0
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, id, lastError string, disableAt int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.endpoints[id]
	if !ok {
		return 0, false, ErrNotFound
	}
	cur.ConsecutiveFailures++
	cur.LastError = lastError
	if cur.ConsecutiveFailures >= disableAt {
		cur.Active = false
	}
	return cur.ConsecutiveFailures, cur.Active, nil
}

func (m *MemoryStore) Delete(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.endpoints, id)
	return nil
}

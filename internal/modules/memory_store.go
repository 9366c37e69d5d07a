package modules

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/aegis/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{modules: make(map[string]*Module)}
}

func (s *MemoryStore) Create(_ context.Context, m *Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.modules[m.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (*Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[id]
	if !ok || m.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string, after *pagination.Cursor, limit int) ([]*Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Module
	for _, m := range s.modules {
		if m.TenantID == tenantID && after.Before(m.CreatedAt, m.ID) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, m *Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.modules[m.ID]
	if !ok || cur.TenantID != m.TenantID {
		return ErrNotFound
	}
	cur.Name = m.Name
	cur.Description = m.Description
	cur.UpdatedAt = m.UpdatedAt
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok || m.TenantID != tenantID {
		return ErrNotFound
	}
	delete(s.modules, id)
	return nil
}

func (s *MemoryStore) Count(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.modules {
		if m.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)

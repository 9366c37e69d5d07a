package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in append order.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]*Record, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Record
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.TenantID != f.TenantID {
			continue
		}
		if f.Action != "" && r.Action != f.Action {
			continue
		}
		if f.ResourceType != "" && r.ResourceType != f.ResourceType {
			continue
		}
		if f.ActorID != "" && r.ActorID != f.ActorID {
			continue
		}
		cp := *r
		matched = append(matched, &cp)
	}

	total := len(matched)
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Offset >= total {
		return []*Record{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

func (m *MemoryStore) Stats(_ context.Context, tenantID string, since time.Time, top int) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := &Stats{TopActions: []ActionCount{}}
	counts := make(map[string]int)
	for _, r := range m.records {
		if r.TenantID != tenantID {
			continue
		}
		st.TotalLogs++
		if !r.OccurredAt.Before(since) {
			st.RecentLogs++
		}
		counts[string(r.Action)]++
	}
	for a, n := range counts {
		st.TopActions = append(st.TopActions, ActionCount{Action: a, Count: n})
	}
	sort.Slice(st.TopActions, func(i, j int) bool {
		if st.TopActions[i].Count == st.TopActions[j].Count {
			return st.TopActions[i].Action < st.TopActions[j].Action
		}
		return st.TopActions[i].Count > st.TopActions[j].Count
	})
	if top > 0 && len(st.TopActions) > top {
		st.TopActions = st.TopActions[:top]
	}
	return st, nil
}

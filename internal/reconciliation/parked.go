package reconciliation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ParkedEvent is a processor update that referenced a subscription the
// ledger had not bound yet. It is replayed once the binding exists.
type ParkedEvent struct {
	Provider    string
	ExternalRef string
	EventID     string
	EventType   string
	Payload     json.RawMessage
	Version     int64
	ParkedAt    time.Time
}

// ParkedStore holds parked events until their subscription is bound.
type ParkedStore interface {
	Park(ctx context.Context, ev *ParkedEvent) error
	// Take removes and returns every event parked for ref, oldest
	// version first.
	Take(ctx context.Context, provider, ref string) ([]*ParkedEvent, error)
	Count(ctx context.Context) (int, error)
}

// MemoryParkedStore is an in-memory ParkedStore.
type MemoryParkedStore struct {
	mu     sync.Mutex
	events map[string][]*ParkedEvent
}

func NewMemoryParkedStore() *MemoryParkedStore {
	return &MemoryParkedStore{events: make(map[string][]*ParkedEvent)}
}

func (m *MemoryParkedStore) Park(_ context.Context, ev *ParkedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ev.Provider + ":" + ev.ExternalRef
	for _, e := range m.events[k] {
		if e.EventID == ev.EventID {
			return nil
		}
	}
	cp := *ev
	m.events[k] = append(m.events[k], &cp)
	return nil
}

func (m *MemoryParkedStore) Take(_ context.Context, provider, ref string) ([]*ParkedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := provider + ":" + ref
	out := m.events[k]
	delete(m.events, k)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MemoryParkedStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, evs := range m.events {
		n += len(evs)
	}
	return n, nil
}

// PostgresParkedStore keeps parked events in parked_events.
type PostgresParkedStore struct {
	db *sql.DB
}

var _ ParkedStore = (*PostgresParkedStore)(nil)

func NewPostgresParkedStore(db *sql.DB) *PostgresParkedStore {
	return &PostgresParkedStore{db: db}
}

func (p *PostgresParkedStore) Park(ctx context.Context, ev *ParkedEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO parked_events (provider, external_ref, event_id, event_type, payload, version, parked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, ev.Provider, ev.ExternalRef, ev.EventID, ev.EventType, []byte(ev.Payload), ev.Version, ev.ParkedAt)
	if err != nil {
		return fmt.Errorf("park event: %w", err)
	}
	return nil
}

func (p *PostgresParkedStore) Take(ctx context.Context, provider, ref string) ([]*ParkedEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		DELETE FROM parked_events WHERE provider = $1 AND external_ref = $2
		RETURNING provider, external_ref, event_id, event_type, payload, version, parked_at
	`, provider, ref)
	if err != nil {
		return nil, fmt.Errorf("take parked events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ParkedEvent
	for rows.Next() {
		var ev ParkedEvent
		var payload []byte
		if err := rows.Scan(&ev.Provider, &ev.ExternalRef, &ev.EventID, &ev.EventType,
			&payload, &ev.Version, &ev.ParkedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, &ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, rows.Err()
}

func (p *PostgresParkedStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM parked_events`).Scan(&n)
	return n, err
}

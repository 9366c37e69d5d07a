package reconciliation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/aegis/internal/plans"
)

var (
	ErrIntentNotFound     = errors.New("payment intent not found")
	ErrIntentExpired      = errors.New("payment intent expired")
	ErrIntentClosed       = errors.New("payment intent is no longer pending")
	ErrIntentConflict     = errors.New("payment intent changed concurrently")
	ErrDuplicateTx        = errors.New("transaction already applied to another payment")
	ErrRailDisabled       = errors.New("crypto payment rail is not configured")
	ErrPlanNotPurchasable = errors.New("plan cannot be purchased")
)

// IntentStatus is the lifecycle state of a crypto payment intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentConfirmed IntentStatus = "confirmed"
	IntentExpired   IntentStatus = "expired"
	IntentCancelled IntentStatus = "cancelled"
)

// PaymentIntent is a request to pay one plan cycle in USDT to a dedicated
// deposit address.
type PaymentIntent struct {
	ID             string       `json:"paymentId"`
	TenantID       string       `json:"tenantId"`
	PlanID         plans.ID     `json:"planId"`
	Network        string       `json:"network"`
	Address        string       `json:"walletAddress"`
	AmountExpected string       `json:"amount"`
	AmountPaid     string       `json:"amountPaid,omitempty"`
	Currency       string       `json:"currency"`
	Status         IntentStatus `json:"status"`
	TxHash         string       `json:"txHash,omitempty"`
	Confirmations  uint64       `json:"confirmations"`
	FromBlock      uint64       `json:"-"`
	ExpiresAt      time.Time    `json:"expiresAt"`
	ConfirmedAt    *time.Time   `json:"confirmedAt,omitempty"`
	AppliedAt      *time.Time   `json:"appliedAt,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// expiredAt reports whether a pending intent has run out of time at now.
func (p *PaymentIntent) expiredAt(now time.Time) bool {
	return p.Status == IntentPending && !now.Before(p.ExpiresAt)
}

func (p *PaymentIntent) clone() *PaymentIntent {
	c := *p
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		c.ConfirmedAt = &t
	}
	if p.AppliedAt != nil {
		t := *p.AppliedAt
		c.AppliedAt = &t
	}
	return &c
}

// IntentStore persists payment intents.
type IntentStore interface {
	Create(ctx context.Context, pi *PaymentIntent) error
	Get(ctx context.Context, id string) (*PaymentIntent, error)

	// Update writes pi only if the stored status still equals from.
	// It returns ErrIntentConflict otherwise, and ErrDuplicateTx when
	// pi.TxHash is already recorded on another intent.
	Update(ctx context.Context, pi *PaymentIntent, from IntentStatus) error

	ListPending(ctx context.Context, limit int) ([]*PaymentIntent, error)
	// ListUnapplied returns confirmed intents whose ledger activation has
	// not been recorded.
	ListUnapplied(ctx context.Context, limit int) ([]*PaymentIntent, error)
	MarkApplied(ctx context.Context, id string, at time.Time) error
}

// MemoryIntentStore is an in-memory IntentStore.
type MemoryIntentStore struct {
	mu      sync.RWMutex
	intents map[string]*PaymentIntent
	byTx    map[string]string
}

func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{
		intents: make(map[string]*PaymentIntent),
		byTx:    make(map[string]string),
	}
}

func (m *MemoryIntentStore) Create(_ context.Context, pi *PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[pi.ID] = pi.clone()
	return nil
}

func (m *MemoryIntentStore) Get(_ context.Context, id string) (*PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pi, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return pi.clone(), nil
}

func (m *MemoryIntentStore) Update(_ context.Context, pi *PaymentIntent, from IntentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.intents[pi.ID]
	if !ok {
		return ErrIntentNotFound
	}
	if cur.Status != from {
		return ErrIntentConflict
	}
	if pi.TxHash != "" {
		if owner, used := m.byTx[pi.TxHash]; used && owner != pi.ID {
			return ErrDuplicateTx
		}
	}
	if cur.TxHash != "" && cur.TxHash != pi.TxHash {
		delete(m.byTx, cur.TxHash)
	}
	if pi.TxHash != "" {
		m.byTx[pi.TxHash] = pi.ID
	}
	m.intents[pi.ID] = pi.clone()
	return nil
}

func (m *MemoryIntentStore) ListPending(_ context.Context, limit int) ([]*PaymentIntent, error) {
	return m.list(limit, func(pi *PaymentIntent) bool { return pi.Status == IntentPending }), nil
}

func (m *MemoryIntentStore) ListUnapplied(_ context.Context, limit int) ([]*PaymentIntent, error) {
	return m.list(limit, func(pi *PaymentIntent) bool {
		return pi.Status == IntentConfirmed && pi.AppliedAt == nil
	}), nil
}

func (m *MemoryIntentStore) list(limit int, keep func(*PaymentIntent) bool) []*PaymentIntent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PaymentIntent
	for _, pi := range m.intents {
		if keep(pi) {
			out = append(out, pi.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryIntentStore) MarkApplied(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	pi.AppliedAt = &at
	return nil
}

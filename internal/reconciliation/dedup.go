package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claim is the outcome of claiming a webhook delivery.
type Claim int

const (
	// ClaimAcquired means the caller owns the delivery and must Complete
	// or Release it.
	ClaimAcquired Claim = iota
	// ClaimDone means the delivery was already processed.
	ClaimDone
	// ClaimInFlight means another worker holds a live claim.
	ClaimInFlight
)

func (c Claim) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimDone:
		return "done"
	default:
		return "in_flight"
	}
}

// DedupStore is the idempotency ledger for processor deliveries.
// A processing claim older than the store's stale window may be taken
// over, so a crashed worker never blocks redelivery forever.
type DedupStore interface {
	Claim(ctx context.Context, provider, eventID string) (Claim, error)
	Complete(ctx context.Context, provider, eventID string) error
	Release(ctx context.Context, provider, eventID string) error
}

// DefaultClaimTTL bounds how long a processing claim blocks redelivery.
const DefaultClaimTTL = 5 * time.Minute

// processedRetention covers the processor's redelivery window.
const processedRetention = 30 * 24 * time.Hour

type memoryClaim struct {
	done      bool
	claimedAt time.Time
}

// MemoryDedupStore is an in-process DedupStore.
type MemoryDedupStore struct {
	mu     sync.Mutex
	claims map[string]memoryClaim
	ttl    time.Duration
	now    func() time.Time
}

func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{claims: make(map[string]memoryClaim), ttl: DefaultClaimTTL, now: time.Now}
}

func (m *MemoryDedupStore) Claim(_ context.Context, provider, eventID string) (Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := provider + ":" + eventID
	now := m.now()
	if c, ok := m.claims[k]; ok {
		if c.done {
			return ClaimDone, nil
		}
		if now.Sub(c.claimedAt) < m.ttl {
			return ClaimInFlight, nil
		}
	}
	m.claims[k] = memoryClaim{claimedAt: now}
	return ClaimAcquired, nil
}

func (m *MemoryDedupStore) Complete(_ context.Context, provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[provider+":"+eventID] = memoryClaim{done: true, claimedAt: m.now()}
	return nil
}

func (m *MemoryDedupStore) Release(_ context.Context, provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := provider + ":" + eventID
	if c, ok := m.claims[k]; ok && !c.done {
		delete(m.claims, k)
	}
	return nil
}

const (
	claimProcessing = "processing"
	claimDone       = "done"
)

// releaseClaimScript deletes a claim only while it is still processing.
var releaseClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDedupStore shares claims across replicas. Processing claims expire
// after ttl; completed ones are retained for the redelivery window.
type RedisDedupStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDedupStore(client *redis.Client, prefix string, ttl time.Duration) *RedisDedupStore {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &RedisDedupStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisDedupStore) key(provider, eventID string) string {
	return fmt.Sprintf("%sevent:%s:%s", r.prefix, provider, eventID)
}

func (r *RedisDedupStore) Claim(ctx context.Context, provider, eventID string) (Claim, error) {
	k := r.key(provider, eventID)
	ok, err := r.client.SetNX(ctx, k, claimProcessing, r.ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", k, err)
	}
	if ok {
		return ClaimAcquired, nil
	}
	state, err := r.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; let the processor redeliver
		return ClaimInFlight, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read claim %s: %w", k, err)
	}
	if state == claimDone {
		return ClaimDone, nil
	}
	return ClaimInFlight, nil
}

func (r *RedisDedupStore) Complete(ctx context.Context, provider, eventID string) error {
	return r.client.Set(ctx, r.key(provider, eventID), claimDone, processedRetention).Err()
}

func (r *RedisDedupStore) Release(ctx context.Context, provider, eventID string) error {
	return releaseClaimScript.Run(ctx, r.client, []string{r.key(provider, eventID)}, claimProcessing).Err()
}

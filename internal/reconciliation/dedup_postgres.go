package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ DedupStore = (*PostgresDedupStore)(nil)

// PostgresDedupStore keeps the idempotency ledger in processed_events.
type PostgresDedupStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPostgresDedupStore(db *sql.DB, ttl time.Duration) *PostgresDedupStore {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &PostgresDedupStore{db: db, ttl: ttl}
}

func (p *PostgresDedupStore) Claim(ctx context.Context, provider, eventID string) (Claim, error) {
	// Insert a fresh claim, or take over a stale processing one.
	var id string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO processed_events (provider, event_id, state, claimed_at)
		VALUES ($1, $2, 'processing', NOW())
		ON CONFLICT (provider, event_id) DO UPDATE SET claimed_at = NOW()
			WHERE processed_events.state = 'processing'
			  AND processed_events.claimed_at < NOW() - make_interval(secs => $3)
		RETURNING event_id
	`, provider, eventID, p.ttl.Seconds()).Scan(&id)
	if err == nil {
		return ClaimAcquired, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("claim event: %w", err)
	}

	var state string
	err = p.db.QueryRowContext(ctx,
		`SELECT state FROM processed_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ClaimInFlight, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read claim: %w", err)
	}
	if state == claimDone {
		return ClaimDone, nil
	}
	return ClaimInFlight, nil
}

func (p *PostgresDedupStore) Complete(ctx context.Context, provider, eventID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE processed_events SET state = 'done', processed_at = NOW()
		WHERE provider = $1 AND event_id = $2
	`, provider, eventID)
	return err
}

func (p *PostgresDedupStore) Release(ctx context.Context, provider, eventID string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM processed_events
		WHERE provider = $1 AND event_id = $2 AND state = 'processing'
	`, provider, eventID)
	return err
}

package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/aegis/internal/plans"
)

var _ IntentStore = (*PostgresIntentStore)(nil)

// PostgresIntentStore persists payment intents in PostgreSQL.
type PostgresIntentStore struct {
	db *sql.DB
}

func NewPostgresIntentStore(db *sql.DB) *PostgresIntentStore {
	return &PostgresIntentStore{db: db}
}

const intentColumns = `id, tenant_id, plan_id, network, address, amount_expected, amount_paid, currency,
	status, tx_hash, confirmations, from_block, expires_at, confirmed_at, applied_at, created_at, updated_at`

func (p *PostgresIntentStore) Create(ctx context.Context, pi *PaymentIntent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, NULLIF($10, ''), $11, $12, $13, $14, $15, $16, $17)
	`, pi.ID, pi.TenantID, string(pi.PlanID), pi.Network, pi.Address, pi.AmountExpected, pi.AmountPaid,
		pi.Currency, string(pi.Status), pi.TxHash, int64(pi.Confirmations), int64(pi.FromBlock),
		pi.ExpiresAt, pi.ConfirmedAt, pi.AppliedAt, pi.CreatedAt, pi.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment intent: %w", err)
	}
	return nil
}

func (p *PostgresIntentStore) Get(ctx context.Context, id string) (*PaymentIntent, error) {
	pi, err := scanIntent(p.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	return pi, err
}

func (p *PostgresIntentStore) Update(ctx context.Context, pi *PaymentIntent, from IntentStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_intents SET
			status = $2, tx_hash = NULLIF($3, ''), amount_paid = NULLIF($4, ''), confirmations = $5,
			confirmed_at = $6, applied_at = $7, updated_at = $8
		WHERE id = $1 AND status = $9
	`, pi.ID, string(pi.Status), pi.TxHash, pi.AmountPaid, int64(pi.Confirmations),
		pi.ConfirmedAt, pi.AppliedAt, pi.UpdatedAt, string(from))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateTx
		}
		return fmt.Errorf("update payment intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, pi.ID); err != nil {
			return err
		}
		return ErrIntentConflict
	}
	return nil
}

func (p *PostgresIntentStore) ListPending(ctx context.Context, limit int) ([]*PaymentIntent, error) {
	return p.list(ctx, `status = 'pending'`, limit)
}

func (p *PostgresIntentStore) ListUnapplied(ctx context.Context, limit int) ([]*PaymentIntent, error) {
	return p.list(ctx, `status = 'confirmed' AND applied_at IS NULL`, limit)
}

func (p *PostgresIntentStore) list(ctx context.Context, where string, limit int) ([]*PaymentIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE `+where+` ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*PaymentIntent
	for rows.Next() {
		pi, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pi)
	}
	return out, rows.Err()
}

func (p *PostgresIntentStore) MarkApplied(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE payment_intents SET applied_at = $2, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIntentNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(s rowScanner) (*PaymentIntent, error) {
	var (
		pi                 PaymentIntent
		planID, status     string
		amountPaid, txHash sql.NullString
		confs, fromBlock   int64
		confirmed, applied sql.NullTime
	)
	err := s.Scan(&pi.ID, &pi.TenantID, &planID, &pi.Network, &pi.Address, &pi.AmountExpected,
		&amountPaid, &pi.Currency, &status, &txHash, &confs, &fromBlock, &pi.ExpiresAt,
		&confirmed, &applied, &pi.CreatedAt, &pi.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pi.PlanID = plans.ID(planID)
	pi.Status = IntentStatus(status)
	pi.AmountPaid = amountPaid.String
	pi.TxHash = txHash.String
	pi.Confirmations = uint64(confs)
	pi.FromBlock = uint64(fromBlock)
	if confirmed.Valid {
		t := confirmed.Time
		pi.ConfirmedAt = &t
	}
	if applied.Valid {
		t := applied.Time
		pi.AppliedAt = &t
	}
	return &pi, nil
}

package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/aegis/internal/plans"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists subscriptions and invoices in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subColumns = `id, tenant_id, plan_id, status, rail, current_period_start, current_period_end,
	cancel_at, external_ref, external_version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, tenantID string) (*Subscription, error) {
	return p.getOne(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE tenant_id = $1`, tenantID)
}

func (p *PostgresStore) GetByExternalRef(ctx context.Context, ref string) (*Subscription, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	return p.getOne(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE external_ref = $1`, ref)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, arg string) (*Subscription, error) {
	sub, err := scanSubscription(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) Save(ctx context.Context, sub *Subscription, inv *Invoice) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if inv != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO invoices (id, subscription_id, tenant_id, external_id, rail, amount, currency, paid_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, inv.ID, inv.SubscriptionID, inv.TenantID, inv.ExternalID, string(inv.Rail), inv.Amount, inv.Currency, inv.PaidAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrDuplicateInvoice
			}
			return fmt.Errorf("insert invoice: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
		ON CONFLICT (tenant_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			rail = EXCLUDED.rail,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at = EXCLUDED.cancel_at,
			external_ref = EXCLUDED.external_ref,
			external_version = EXCLUDED.external_version,
			updated_at = EXCLUDED.updated_at
	`, sub.ID, sub.TenantID, string(sub.PlanID), string(sub.Status), string(sub.Rail),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAt, sub.ExternalRef,
		sub.ExternalVersion, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) ListInvoices(ctx context.Context, tenantID string, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subscription_id, tenant_id, external_id, rail, amount, currency, paid_at
		FROM invoices WHERE tenant_id = $1 ORDER BY paid_at DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Invoice
	for rows.Next() {
		inv := &Invoice{}
		var rail string
		if err := rows.Scan(&inv.ID, &inv.SubscriptionID, &inv.TenantID, &inv.ExternalID,
			&rail, &inv.Amount, &inv.Currency, &inv.PaidAt); err != nil {
			return nil, err
		}
		inv.Rail = Rail(rail)
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*Subscription, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE status <> 'canceled'
		  AND ((cancel_at IS NOT NULL AND cancel_at <= $1) OR current_period_end <= $1)
		ORDER BY tenant_id
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(s rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var planID, status, rail string
	var cancelAt sql.NullTime
	var ref sql.NullString
	if err := s.Scan(&sub.ID, &sub.TenantID, &planID, &status, &rail,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &cancelAt, &ref,
		&sub.ExternalVersion, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.PlanID = plans.ID(planID)
	sub.Status = Status(status)
	sub.Rail = Rail(rail)
	sub.ExternalRef = ref.String
	if cancelAt.Valid {
		t := cancelAt.Time
		sub.CancelAt = &t
	}
	return sub, nil
}

package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresStore persists endpoints in the webhook_endpoints table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const endpointColumns = `id, tenant_id, url, secret, events, active, created_at,
	last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, ep *Endpoint) error {
	events, err := json.Marshal(ep.Events)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (id, tenant_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ep.ID, ep.TenantID, ep.URL, ep.Secret, events, ep.Active, ep.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, tenantID, id string) (*Endpoint, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+endpointColumns+`
		FROM webhook_endpoints WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	ep, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ep, err
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string) ([]*Endpoint, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+endpointColumns+`
		FROM webhook_endpoints WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_endpoints WHERE tenant_id = $1`, tenantID).Scan(&n)
	return n, err
}

func (p *PostgresStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_endpoints SET
			last_success = $2,
			last_error = '',
			consecutive_failures = 0
		WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFailure increments in SQL so concurrent deliveries never lose a
// failure. Right-hand column references read the pre-update row.
func (p *PostgresStore) RecordFailure(ctx context.Context, id, lastError string, disableAt int) (int, bool, error) {
	var (
		failures int
		active   bool
	)
	err := p.db.QueryRowContext(ctx, `
		UPDATE webhook_endpoints SET
			consecutive_failures = consecutive_failures + 1,
			last_error = $2,
			active = active AND consecutive_failures + 1 < $3
		WHERE id = $1
		RETURNING consecutive_failures, active
	`, id, lastError, disableAt).Scan(&failures, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	return failures, active, err
}

func (p *PostgresStore) Delete(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM webhook_endpoints WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(s rowScanner) (*Endpoint, error) {
	ep := &Endpoint{}
	var events []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString
	if err := s.Scan(&ep.ID, &ep.TenantID, &ep.URL, &ep.Secret, &events, &ep.Active,
		&ep.CreatedAt, &lastSuccess, &lastError, &ep.ConsecutiveFailures); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &ep.Events); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		ep.LastSuccess = &t
	}
	ep.LastError = lastError.String
	return ep, nil
}

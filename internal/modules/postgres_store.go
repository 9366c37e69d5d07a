package modules

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/aegis/internal/pagination"
)

// PostgresStore persists modules in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, m *Module) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO modules (id, tenant_id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.TenantID, m.Name, m.Description, m.CreatedAt, m.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, tenantID, id string) (*Module, error) {
	m := &Module{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, created_at, updated_at
		FROM modules WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(&m.ID, &m.TenantID, &m.Name, &m.Description, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (p *PostgresStore) List(ctx context.Context, tenantID string, after *pagination.Cursor, limit int) ([]*Module, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, tenant_id, name, description, created_at, updated_at
			FROM modules WHERE tenant_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, tenantID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, tenant_id, name, description, created_at, updated_at
			FROM modules WHERE tenant_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, tenantID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Module
	for rows.Next() {
		m := &Module{}
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Name, &m.Description, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, m *Module) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE modules SET name = $1, description = $2, updated_at = $3
		WHERE tenant_id = $4 AND id = $5
	`, m.Name, m.Description, m.UpdatedAt, m.TenantID, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM modules WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM modules WHERE tenant_id = $1`, tenantID).Scan(&n)
	return n, err
}

var _ Store = (*PostgresStore)(nil)

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore writes audit records to the append-only audit_logs table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, rec *Record) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, tenant_id, actor_id, action, resource_type, resource_id, details, occurred_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7::JSONB, $8)
	`, rec.ID, rec.TenantID, rec.ActorID, string(rec.Action), rec.ResourceType, rec.ResourceID, string(details), rec.OccurredAt)
	return err
}

func (p *PostgresStore) Query(ctx context.Context, f Filter) ([]*Record, int, error) {
	where := []string{"tenant_id = $1"}
	args := []interface{}{f.TenantID}
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("action", string(f.Action))
	add("resource_type", f.ResourceType)
	add("actor_id", f.ActorID)
	cond := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, tenant_id, actor_id, action, resource_type, COALESCE(resource_id, ''), details::TEXT, occurred_at
		FROM audit_logs WHERE %s
		ORDER BY occurred_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Record{}
	for rows.Next() {
		r := &Record{}
		var action, details string
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ActorID, &action, &r.ResourceType, &r.ResourceID, &details, &r.OccurredAt); err != nil {
			return nil, 0, err
		}
		r.Action = Action(action)
		_ = json.Unmarshal([]byte(details), &r.Details)
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) Stats(ctx context.Context, tenantID string, since time.Time, top int) (*Stats, error) {
	st := &Stats{TopActions: []ActionCount{}}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE occurred_at >= $2)
		FROM audit_logs WHERE tenant_id = $1
	`, tenantID, since).Scan(&st.TotalLogs, &st.RecentLogs)
	if err != nil {
		return nil, err
	}

	if top <= 0 {
		top = 5
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT action, COUNT(*) AS n FROM audit_logs
		WHERE tenant_id = $1
		GROUP BY action ORDER BY n DESC, action ASC LIMIT $2
	`, tenantID, top)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var ac ActionCount
		if err := rows.Scan(&ac.Action, &ac.Count); err != nil {
			return nil, err
		}
		st.TopActions = append(st.TopActions, ac)
	}
	return st, rows.Err()
}

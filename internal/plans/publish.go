package plans

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Publish snapshots the catalogue into the plans table so the billing
// history can be joined against the terms that were on offer. Existing rows
// are overwritten; plans no longer in the catalogue are left in place.
func Publish(ctx context.Context, db *sql.DB, c *Catalog, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range c.List() {
		quotas, err := json.Marshal(p.Quotas)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO plans (id, name, quotas, billing_cycle_seconds, price_usdt, stripe_price_id, published_at)
			VALUES ($1, $2, $3::JSONB, $4, $5, NULLIF($6, ''), $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				quotas = EXCLUDED.quotas,
				billing_cycle_seconds = EXCLUDED.billing_cycle_seconds,
				price_usdt = EXCLUDED.price_usdt,
				stripe_price_id = EXCLUDED.stripe_price_id,
				published_at = EXCLUDED.published_at
		`, string(p.ID), p.Name, string(quotas), int64(p.BillingCycle.Seconds()), p.PriceUSDT, p.StripePriceID, now)
		if err != nil {
			return fmt.Errorf("publish plan %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

package store

import (
	"context"
	"database/sql"
	"time"

	"entitlecli/pkg/contracts/domain"
)

// SaveCheckout inserts or replaces a checkout
func (s *Store) SaveCheckout(ctx context.Context, c domain.Checkout) error {
	return s.withTx(ctx, "store.save_checkout", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkouts (policy_id, device_id, token, certificate, expires_at, imported_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (policy_id) DO UPDATE SET
				device_id = excluded.device_id,
				token = excluded.token,
				certificate = excluded.certificate,
				expires_at = excluded.expires_at,
				imported_at = excluded.imported_at`,
			c.PolicyID, c.DeviceID, c.Token, c.Certificate, toMillis(c.ExpiresAt), toMillis(c.ImportedAt))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkout_products WHERE policy_id = ?`, c.PolicyID); err != nil {
			return err
		}
		for _, product := range c.ProductIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO checkout_products (policy_id, product_id) VALUES (?, ?)`, c.PolicyID, product); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListCheckouts returns all checkouts, most recently imported first
func (s *Store) ListCheckouts(ctx context.Context) ([]domain.Checkout, error) {
	return s.queryCheckouts(ctx, "store.list_checkouts", "")
}

// CheckoutsForProduct returns the checkouts covering productID
func (s *Store) CheckoutsForProduct(ctx context.Context, productID string) ([]domain.Checkout, error) {
	return s.queryCheckouts(ctx, "store.checkouts_for_product", productID)
}

// GetCheckout returns the checkout for policyID, or nil
func (s *Store) GetCheckout(ctx context.Context, policyID string) (*domain.Checkout, error) {
	all, err := s.ListCheckouts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].PolicyID == policyID {
			return &all[i], nil
		}
	}
	return nil, nil
}

func (s *Store) queryCheckouts(ctx context.Context, op, productID string) ([]domain.Checkout, error) {
	query := `SELECT c.policy_id, c.device_id, c.token, c.certificate, c.expires_at, c.imported_at FROM checkouts c`
	var args []interface{}
	if productID != "" {
		query += ` WHERE EXISTS (SELECT 1 FROM checkout_products cp WHERE cp.policy_id = c.policy_id AND cp.product_id = ?)`
		args = append(args, productID)
	}
	query += ` ORDER BY c.imported_at DESC`

	var out []domain.Checkout
	err := s.withDB(op, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				c                   domain.Checkout
				expires, importedAt int64
			)
			if err := rows.Scan(&c.PolicyID, &c.DeviceID, &c.Token, &c.Certificate, &expires, &importedAt); err != nil {
				return err
			}
			c.ExpiresAt = fromMillis(expires)
			c.ImportedAt = fromMillis(importedAt)
			out = append(out, c)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for i := range out {
			products, err := queryStrings(ctx, db,
				`SELECT product_id FROM checkout_products WHERE policy_id = ? ORDER BY product_id`, out[i].PolicyID)
			if err != nil {
				return err
			}
			out[i].ProductIDs = products
		}
		return nil
	})
	return out, err
}

// DeleteCheckout removes the checkout for policyID
func (s *Store) DeleteCheckout(ctx context.Context, policyID string) (int64, error) {
	return s.exec(ctx, "store.delete_checkout", `DELETE FROM checkouts WHERE policy_id = ?`, policyID)
}

// DeleteExpiredCheckouts removes checkouts whose expiry is at or before now
func (s *Store) DeleteExpiredCheckouts(ctx context.Context, now time.Time) (int64, error) {
	return s.exec(ctx, "store.delete_expired_checkouts",
		`DELETE FROM checkouts WHERE expires_at <> 0 AND expires_at <= ?`, toMillis(now))
}

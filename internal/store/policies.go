package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"entitlecli/pkg/contracts/domain"
)

// PolicyFilter narrows a cached policy lookup. Empty fields match anything.
// UserScoped keeps only policies cached without an access key or project.
type PolicyFilter struct {
	ProductID  string
	UserID     string
	AccessKey  string
	ProjectID  string
	UserScoped bool
}

// SavePolicy inserts or replaces the cached policy keyed by (policy id, owner, project)
func (s *Store) SavePolicy(ctx context.Context, p domain.CachedPolicy) error {
	return s.withTx(ctx, "store.save_policy", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO policies (policy_id, user_id, access_key, project_id, token, certificate, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (policy_id, user_id, access_key, project_id) DO UPDATE SET
				token = excluded.token,
				certificate = excluded.certificate,
				fetched_at = excluded.fetched_at`,
			p.PolicyID, p.UserID, p.AccessKey, p.ProjectID, p.Token, p.Certificate, toMillis(p.FetchedAt))
		if err != nil {
			return err
		}

		var row int64
		if err := tx.QueryRowContext(ctx, `
			SELECT id FROM policies
			WHERE policy_id = ? AND user_id = ? AND access_key = ? AND project_id = ?`,
			p.PolicyID, p.UserID, p.AccessKey, p.ProjectID).Scan(&row); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM policy_products WHERE policy_row = ?`, row); err != nil {
			return err
		}
		for _, product := range p.ProductIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO policy_products (policy_row, product_id) VALUES (?, ?)`, row, product); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListPolicies returns every cached policy, newest first
func (s *Store) ListPolicies(ctx context.Context) ([]domain.CachedPolicy, error) {
	return s.queryPolicies(ctx, "store.list_policies", PolicyFilter{}, 0)
}

// FindLatestPolicy returns the most recently fetched policy matching f, or nil
func (s *Store) FindLatestPolicy(ctx context.Context, f PolicyFilter) (*domain.CachedPolicy, error) {
	policies, err := s.queryPolicies(ctx, "store.find_policy", f, 1)
	if err != nil || len(policies) == 0 {
		return nil, err
	}
	return &policies[0], nil
}

func (s *Store) queryPolicies(ctx context.Context, op string, f PolicyFilter, limit int) ([]domain.CachedPolicy, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.ProductID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM policy_products pp WHERE pp.policy_row = p.id AND pp.product_id = ?)")
		args = append(args, f.ProductID)
	}
	if f.UserID != "" {
		where = append(where, "p.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.AccessKey != "" {
		where = append(where, "p.access_key = ?")
		args = append(args, f.AccessKey)
	}
	if f.ProjectID != "" {
		where = append(where, "p.project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.UserScoped {
		where = append(where, "p.access_key = '' AND p.project_id = ''")
	}

	query := `SELECT p.id, p.policy_id, p.user_id, p.access_key, p.project_id, p.token, p.certificate, p.fetched_at FROM policies p`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY p.fetched_at DESC, p.id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var out []domain.CachedPolicy
	err := s.withDB(op, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		var rowIDs []int64
		for rows.Next() {
			var (
				p         domain.CachedPolicy
				rowID     int64
				fetchedAt int64
			)
			if err := rows.Scan(&rowID, &p.PolicyID, &p.UserID, &p.AccessKey, &p.ProjectID, &p.Token, &p.Certificate, &fetchedAt); err != nil {
				return err
			}
			p.FetchedAt = fromMillis(fetchedAt)
			out = append(out, p)
			rowIDs = append(rowIDs, rowID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for i, rowID := range rowIDs {
			products, err := queryStrings(ctx, db,
				`SELECT product_id FROM policy_products WHERE policy_row = ? ORDER BY product_id`, rowID)
			if err != nil {
				return err
			}
			out[i].ProductIDs = products
		}
		return nil
	})
	return out, err
}

// DeletePolicy removes every cached copy of policyID
func (s *Store) DeletePolicy(ctx context.Context, policyID string) (int64, error) {
	return s.exec(ctx, "store.delete_policy", `DELETE FROM policies WHERE policy_id = ?`, policyID)
}

// DeleteOtherPoliciesByUser removes user-scoped policies of userID except keepPolicyID
func (s *Store) DeleteOtherPoliciesByUser(ctx context.Context, userID, keepPolicyID string) (int64, error) {
	if userID == "" {
		return 0, nil
	}
	return s.exec(ctx, "store.delete_other_by_user", `
		DELETE FROM policies
		WHERE user_id = ? AND access_key = '' AND project_id = '' AND policy_id <> ?`,
		userID, keepPolicyID)
}

// DeleteOtherPoliciesByKey removes policies cached for accessKey except keepPolicyID
func (s *Store) DeleteOtherPoliciesByKey(ctx context.Context, accessKey, keepPolicyID string) (int64, error) {
	if accessKey == "" {
		return 0, nil
	}
	return s.exec(ctx, "store.delete_other_by_key", `
		DELETE FROM policies WHERE access_key = ? AND policy_id <> ?`,
		accessKey, keepPolicyID)
}

// DeleteOtherPoliciesByProject removes policies cached for projectID except keepPolicyID
func (s *Store) DeleteOtherPoliciesByProject(ctx context.Context, projectID, keepPolicyID string) (int64, error) {
	if projectID == "" {
		return 0, nil
	}
	return s.exec(ctx, "store.delete_other_by_project", `
		DELETE FROM policies WHERE project_id = ? AND policy_id <> ?`,
		projectID, keepPolicyID)
}

func (s *Store) exec(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	var affected int64
	err := s.withDB(op, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

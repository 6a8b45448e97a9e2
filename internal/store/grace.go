package store

import (
	"context"
	"database/sql"
)

// GracePeriodStart returns the persisted grace start in Unix milliseconds
func (s *Store) GracePeriodStart(ctx context.Context) (int64, bool, error) {
	var startedAt int64
	found := false
	err := s.withDB("store.grace_get", func(db *sql.DB) error {
		err := db.QueryRowContext(ctx, `SELECT started_at FROM grace_period WHERE id = 1`).Scan(&startedAt)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return startedAt, found, err
}

// SetGracePeriodStart persists the grace start
func (s *Store) SetGracePeriodStart(ctx context.Context, startedAtMillis int64) error {
	_, err := s.exec(ctx, "store.grace_set", `
		INSERT INTO grace_period (id, started_at) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET started_at = excluded.started_at`, startedAtMillis)
	return err
}

// ResetGracePeriod clears the persisted grace start
func (s *Store) ResetGracePeriod(ctx context.Context) error {
	_, err := s.exec(ctx, "store.grace_reset", `DELETE FROM grace_period`)
	return err
}

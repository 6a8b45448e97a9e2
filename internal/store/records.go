package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"entitlecli/pkg/contracts/domain"
)

// Records is the part of the store the record uploader reads and acknowledges
type Records interface {
	PendingUsageRecords(ctx context.Context, limit int) ([]domain.UsageRecord, error)
	PendingFeatureRecords(ctx context.Context, limit int) ([]domain.FeatureRecord, error)
	MarkUsagePosted(ctx context.Context, ids []string) error
	MarkFeaturePosted(ctx context.Context, ids []string) error
}

var _ Records = (*Store)(nil)

const usageColumns = `id, product_id, version, device_id, policy_id, user_id, access_key, project_id, country, trial, status, recorded_at, posted`

const featureColumns = `id, product_id, feature_id, version, device_id, policy_id, user_id, access_key, project_id, country, trial, user_data, started_at, recorded_at, posted`

// InsertUsageRecord stores a usage event
func (s *Store) InsertUsageRecord(ctx context.Context, r domain.UsageRecord) error {
	_, err := s.exec(ctx, "store.insert_usage", `
		INSERT INTO usage_records (`+usageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProductID, r.Version, r.DeviceID,
		r.Identity.PolicyID, r.Identity.UserID, r.Identity.AccessKey, r.Identity.ProjectID, r.Identity.Country, boolInt(r.Identity.Trial),
		r.Status.String(), toMillis(r.RecordedAt), boolInt(r.Posted))
	return err
}

// InsertFeatureRecord stores a feature event
func (s *Store) InsertFeatureRecord(ctx context.Context, r domain.FeatureRecord) error {
	_, err := s.exec(ctx, "store.insert_feature", `
		INSERT INTO feature_records (`+featureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProductID, r.FeatureID, r.Version, r.DeviceID,
		r.Identity.PolicyID, r.Identity.UserID, r.Identity.AccessKey, r.Identity.ProjectID, r.Identity.Country, boolInt(r.Identity.Trial),
		r.UserData, toMillis(r.StartedAt), toMillis(r.RecordedAt), boolInt(r.Posted))
	return err
}

// PendingUsageRecords returns up to limit unposted usage records, oldest first. limit <= 0 means all.
func (s *Store) PendingUsageRecords(ctx context.Context, limit int) ([]domain.UsageRecord, error) {
	return s.usageRecords(ctx, "store.pending_usage", true, limit)
}

// UsageRecords returns every usage record, oldest first
func (s *Store) UsageRecords(ctx context.Context) ([]domain.UsageRecord, error) {
	return s.usageRecords(ctx, "store.usage_records", false, 0)
}

func (s *Store) usageRecords(ctx context.Context, op string, pendingOnly bool, limit int) ([]domain.UsageRecord, error) {
	query := `SELECT ` + usageColumns + ` FROM usage_records`
	if pendingOnly {
		query += ` WHERE posted = 0`
	}
	query += ` ORDER BY recorded_at, id`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var out []domain.UsageRecord
	err := s.withDB(op, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r             domain.UsageRecord
				trial, posted int
				status        string
				recordedAt    int64
			)
			if err := rows.Scan(&r.ID, &r.ProductID, &r.Version, &r.DeviceID,
				&r.Identity.PolicyID, &r.Identity.UserID, &r.Identity.AccessKey, &r.Identity.ProjectID, &r.Identity.Country, &trial,
				&status, &recordedAt, &posted); err != nil {
				return err
			}
			if err := r.Status.UnmarshalText([]byte(status)); err != nil {
				r.Status = domain.StatusError
			}
			r.Identity.Trial = trial != 0
			r.RecordedAt = fromMillis(recordedAt)
			r.Posted = posted != 0
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// PendingFeatureRecords returns up to limit unposted feature records, oldest first. limit <= 0 means all.
func (s *Store) PendingFeatureRecords(ctx context.Context, limit int) ([]domain.FeatureRecord, error) {
	return s.featureRecords(ctx, "store.pending_feature", true, limit)
}

// FeatureRecords returns every feature record, oldest first
func (s *Store) FeatureRecords(ctx context.Context) ([]domain.FeatureRecord, error) {
	return s.featureRecords(ctx, "store.feature_records", false, 0)
}

func (s *Store) featureRecords(ctx context.Context, op string, pendingOnly bool, limit int) ([]domain.FeatureRecord, error) {
	query := `SELECT ` + featureColumns + ` FROM feature_records`
	if pendingOnly {
		query += ` WHERE posted = 0`
	}
	query += ` ORDER BY recorded_at, id`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var out []domain.FeatureRecord
	err := s.withDB(op, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r                     domain.FeatureRecord
				trial, posted         int
				startedAt, recordedAt int64
			)
			if err := rows.Scan(&r.ID, &r.ProductID, &r.FeatureID, &r.Version, &r.DeviceID,
				&r.Identity.PolicyID, &r.Identity.UserID, &r.Identity.AccessKey, &r.Identity.ProjectID, &r.Identity.Country, &trial,
				&r.UserData, &startedAt, &recordedAt, &posted); err != nil {
				return err
			}
			r.Identity.Trial = trial != 0
			r.StartedAt = fromMillis(startedAt)
			r.RecordedAt = fromMillis(recordedAt)
			r.Posted = posted != 0
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// CountPending returns the number of unposted usage and feature records
func (s *Store) CountPending(ctx context.Context) (usage, feature int, err error) {
	err = s.withDB("store.count_pending", func(db *sql.DB) error {
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records WHERE posted = 0`).Scan(&usage); err != nil {
			return err
		}
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feature_records WHERE posted = 0`).Scan(&feature)
	})
	return usage, feature, err
}

// MarkUsagePosted flags usage records as uploaded
func (s *Store) MarkUsagePosted(ctx context.Context, ids []string) error {
	return s.markPosted(ctx, "store.mark_usage_posted", "usage_records", ids)
}

// MarkFeaturePosted flags feature records as uploaded
func (s *Store) MarkFeaturePosted(ctx context.Context, ids []string) error {
	return s.markPosted(ctx, "store.mark_feature_posted", "feature_records", ids)
}

func (s *Store) markPosted(ctx context.Context, op, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.exec(ctx, op, `UPDATE `+table+` SET posted = 1 WHERE id IN (`+placeholders+`)`, args...)
	return err
}

// PurgePosted deletes posted records recorded before cutoff
func (s *Store) PurgePosted(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := s.withTx(ctx, "store.purge_posted", func(tx *sql.Tx) error {
		for _, table := range []string{"usage_records", "feature_records"} {
			res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE posted = 1 AND recorded_at < ?`, toMillis(cutoff))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

package store

import (
	"context"
	"fmt"
)

const applicationSelect = `SELECT apply_id, apply_user_id, target_id, contact_type, status,
	apply_info, last_apply_time FROM contact_applications`

// ReplaceApplication stores a, deleting and reinserting any row with the same
// key. A stored row with a newer last_apply_time wins and nothing is written.
func (db *DB) ReplaceApplication(ctx context.Context, a *Application) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := a.Key()
	existing, err := queryAll(ctx, tx, `SELECT last_apply_time FROM contact_applications WHERE apply_id = ?`, key)
	if err != nil {
		return false, fmt.Errorf("read application: %w", err)
	}
	if len(existing) > 0 && existing[0].Int64("lastApplyTime") > a.LastApplyTime {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM contact_applications WHERE apply_id = ?`, key); err != nil {
		return false, fmt.Errorf("delete application: %w", err)
	}
	if _, err := insert(ctx, tx, "INSERT", ApplicationsTable, a.Record()); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit application: %w", err)
	}
	return true, nil
}

// MaxApplyTime returns the newest last_apply_time stored, 0 when empty. The
// database belongs to a single user, so this is that user's cursor.
func (db *DB) MaxApplyTime(ctx context.Context) (int64, error) {
	rec, err := db.QueryOne(ctx, `SELECT COALESCE(MAX(last_apply_time), 0) AS cursor FROM contact_applications`)
	if err != nil {
		return 0, fmt.Errorf("max apply time: %w", err)
	}
	return rec.Int64("cursor"), nil
}

// ListApplications returns applications newest first, optionally filtered by status.
func (db *DB) ListApplications(ctx context.Context, status *ApplicationStatus) ([]Application, error) {
	q := applicationSelect
	var args []any
	if status != nil {
		q += ` WHERE status = ?`
		args = append(args, int(*status))
	}
	q += ` ORDER BY last_apply_time DESC`
	recs, err := db.QueryAll(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	apps := make([]Application, 0, len(recs))
	for _, r := range recs {
		apps = append(apps, ApplicationFromRecord(r))
	}
	return apps, nil
}

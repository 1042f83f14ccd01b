package store

import (
	"context"
	"time"
)

// SetSyncState upserts a reconciliation checkpoint.
func (db *DB) SetSyncState(ctx context.Context, key, value string) error {
	_, err := db.InsertOrReplace(ctx, SyncStateTable, Record{
		"key":       key,
		"value":     value,
		"updatedAt": time.Now().UnixMilli(),
	})
	return err
}

// GetSyncState returns a checkpoint value, "" when unset.
func (db *DB) GetSyncState(ctx context.Context, key string) (string, error) {
	rec, err := db.QueryOne(ctx, `SELECT value FROM sync_state WHERE key = ?`, key)
	if err != nil {
		return "", err
	}
	return rec.String("value"), nil
}

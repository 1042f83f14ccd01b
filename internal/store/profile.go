package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const profileSelect = `SELECT target_id, contact_type, nickname, nick_version, avatar_version,
	avatar_original_path, avatar_thumb_path, last_nick_update, last_avatar_update FROM profiles`

// GetProfile returns the cached profile of a target, or nil.
func (db *DB) GetProfile(ctx context.Context, targetID string, ct ContactType) (*Profile, error) {
	rec, err := db.QueryOne(ctx, profileSelect+` WHERE target_id = ? AND contact_type = ?`, targetID, int(ct))
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	p := ProfileFromRecord(rec)
	return &p, nil
}

// SaveNickname records a nickname at version. Versions never go backward: a
// version older than the stored one is dropped and false is returned.
func (db *DB) SaveNickname(ctx context.Context, targetID string, ct ContactType, nickname string, version int64) (bool, error) {
	return db.mutateProfile(ctx, targetID, ct, func(p *Profile) bool {
		if version < p.NickVersion {
			return false
		}
		p.Nickname = nickname
		p.NickVersion = version
		p.LastNickUpdate = time.Now().UnixMilli()
		return true
	})
}

// SaveAvatar records the file written for one avatar rendition together with
// the version it belongs to. Advancing the version clears the other
// rendition's path, since that file now belongs to an older avatar.
func (db *DB) SaveAvatar(ctx context.Context, targetID string, ct ContactType, strategy AvatarStrategy, version int64, path string) (bool, error) {
	return db.mutateProfile(ctx, targetID, ct, func(p *Profile) bool {
		if version < p.AvatarVersion {
			return false
		}
		if version > p.AvatarVersion {
			p.AvatarThumbPath = ""
			p.AvatarOriginalPath = ""
		}
		p.AvatarVersion = version
		if strategy == AvatarOriginal {
			p.AvatarOriginalPath = path
		} else {
			p.AvatarThumbPath = path
		}
		p.LastAvatarUpdate = time.Now().UnixMilli()
		return true
	})
}

// mutateProfile loads (or starts) a profile, lets fn change it, and replaces
// the whole row, all inside one transaction.
func (db *DB) mutateProfile(ctx context.Context, targetID string, ct ContactType, fn func(*Profile) bool) (bool, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	recs, err := queryAll(ctx, tx, profileSelect+` WHERE target_id = ? AND contact_type = ?`, targetID, int(ct))
	if err != nil {
		return false, fmt.Errorf("read profile: %w", err)
	}
	p := Profile{TargetID: targetID, ContactType: ct}
	if len(recs) > 0 {
		p = ProfileFromRecord(recs[0])
	}
	if !fn(&p) {
		return false, nil
	}
	if _, err := insert(ctx, tx, "INSERT OR REPLACE", ProfilesTable, p.Record()); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit profile: %w", err)
	}
	return true, nil
}

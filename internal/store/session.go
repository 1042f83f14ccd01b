package store

import (
	"context"
	"fmt"
	"time"
)

const sessionSelect = `SELECT session_id, contact_id, contact_type, contact_name, contact_avatar,
	last_msg_content, last_msg_time, unread_count, is_pinned, is_muted, status,
	member_count, my_role, updated_at FROM sessions`

// InsertSession creates s unless a session with the same id exists.
// It reports whether a new row was written.
func (db *DB) InsertSession(ctx context.Context, s *Session) (bool, error) {
	if s.UpdatedAt == 0 {
		s.UpdatedAt = time.Now().UnixMilli()
	}
	n, err := db.InsertOrIgnore(ctx, SessionsTable, s.Record())
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetSession returns a session by id, or nil when there is none.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	rec, err := db.QueryOne(ctx, sessionSelect+` WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	s := SessionFromRecord(rec)
	return &s, nil
}

// FindSessionByContact returns the session with a contact, or nil.
func (db *DB) FindSessionByContact(ctx context.Context, contactID string, ct ContactType) (*Session, error) {
	rec, err := db.QueryOne(ctx, sessionSelect+` WHERE contact_id = ? AND contact_type = ? LIMIT 1`, contactID, int(ct))
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	s := SessionFromRecord(rec)
	return &s, nil
}

// ListSessions returns active sessions, or all sessions when includeDeprecated.
func (db *DB) ListSessions(ctx context.Context, includeDeprecated bool) ([]Session, error) {
	q := sessionSelect
	if !includeDeprecated {
		q += ` WHERE status = 1`
	}
	q += ` ORDER BY is_pinned DESC, last_msg_time DESC, session_id ASC`
	recs, err := db.QueryAll(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions := make([]Session, 0, len(recs))
	for _, r := range recs {
		sessions = append(sessions, SessionFromRecord(r))
	}
	return sessions, nil
}

// BumpSession records a newer last message on a session. The write only
// happens when sendTime is strictly newer than the stored last_msg_time, so
// replays and out-of-order deliveries never move a session backward.
func (db *DB) BumpSession(ctx context.Context, sessionID, preview string, sendTime int64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET
			last_msg_content = ?,
			last_msg_time = ?,
			updated_at = ?
		WHERE session_id = ? AND last_msg_time < ?`,
		preview, sendTime, time.Now().UnixMilli(), sessionID, sendTime)
	if err != nil {
		return false, fmt.Errorf("bump session: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// AddUnread adds delta to a session's unread counter. Unlike BumpSession it
// applies to every newly stored message, in or out of order.
func (db *DB) AddUnread(ctx context.Context, sessionID string, delta int) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET unread_count = unread_count + ?, updated_at = ?
		WHERE session_id = ?`,
		delta, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return 0, fmt.Errorf("add unread: %w", err)
	}
	return res.RowsAffected()
}

// AbandonAllSessions marks every session deprecated ahead of a contact pull.
func (db *DB) AbandonAllSessions(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `UPDATE sessions SET status = 0, updated_at = ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("abandon sessions: %w", err)
	}
	return res.RowsAffected()
}

// PatchSession applies patch to one session. Unknown fields are ignored.
func (db *DB) PatchSession(ctx context.Context, sessionID string, patch Record) (int64, error) {
	patch["updatedAt"] = time.Now().UnixMilli()
	return db.Update(ctx, SessionsTable, patch, Record{"sessionId": sessionID})
}

// SetSessionStatus marks a session active or deprecated.
func (db *DB) SetSessionStatus(ctx context.Context, sessionID string, st SessionStatus) (int64, error) {
	return db.PatchSession(ctx, sessionID, Record{"status": int(st)})
}

// SetPinned pins or unpins a session.
func (db *DB) SetPinned(ctx context.Context, sessionID string, pinned bool) (int64, error) {
	return db.PatchSession(ctx, sessionID, Record{"isPinned": pinned})
}

// SetMuted mutes or unmutes a session.
func (db *DB) SetMuted(ctx context.Context, sessionID string, muted bool) (int64, error) {
	return db.PatchSession(ctx, sessionID, Record{"isMuted": muted})
}

// RenameSession overrides the displayed contact name.
func (db *DB) RenameSession(ctx context.Context, sessionID, name string) (int64, error) {
	return db.PatchSession(ctx, sessionID, Record{"contactName": name})
}

// MarkSessionRead clears the unread counter and flags its messages read.
func (db *DB) MarkSessionRead(ctx context.Context, sessionID string) (int64, error) {
	n, err := db.PatchSession(ctx, sessionID, Record{"unreadCount": 0})
	if err != nil {
		return 0, err
	}
	if _, err := db.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE session_id = ? AND is_read = 0`, sessionID); err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return n, nil
}

// SetSessionContact writes enriched display data onto every session with a
// contact. Empty values leave the stored ones untouched.
func (db *DB) SetSessionContact(ctx context.Context, contactID string, ct ContactType, name, avatar string) (int64, error) {
	patch := Record{}
	if name != "" {
		patch["contactName"] = name
	}
	if avatar != "" {
		patch["contactAvatar"] = avatar
	}
	if len(patch) == 0 {
		return 0, nil
	}
	patch["updatedAt"] = time.Now().UnixMilli()
	return db.Update(ctx, SessionsTable, patch, Record{"contactId": contactID, "contactType": int(ct)})
}

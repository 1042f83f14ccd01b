package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const messageSelect = `SELECT id, session_id, sequence_id, msg_id, sender_id, sender_name,
	msg_type, text, ext_data, send_time, is_read, is_recalled, created_at FROM messages`

// InsertMessage stores m unless (session_id, sequence_id) is already present.
// A duplicate delivery is a no-op and keeps the first write's content.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	n, err := db.InsertOrIgnore(ctx, MessagesTable, m.Record())
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetMessage returns a message by natural key, or nil.
func (db *DB) GetMessage(ctx context.Context, sessionID, sequenceID string) (*Message, error) {
	rec, err := db.QueryOne(ctx, messageSelect+` WHERE session_id = ? AND sequence_id = ?`, sessionID, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	m := MessageFromRecord(rec)
	return &m, nil
}

// ListMessages returns messages for a session using keyset pagination by send time,
// newest first.
func (db *DB) ListMessages(ctx context.Context, sessionID string, beforeTime int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTime <= 0 {
		beforeTime = time.Now().UnixMilli() + 1
	}
	recs, err := db.QueryAll(ctx, messageSelect+`
		WHERE session_id = ? AND send_time < ?
		ORDER BY send_time DESC, id DESC
		LIMIT ?`, sessionID, beforeTime, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := make([]Message, 0, len(recs))
	for _, r := range recs {
		msgs = append(msgs, MessageFromRecord(r))
	}
	return msgs, nil
}

// CountMessages returns the number of stored messages in a session.
func (db *DB) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// MarkRecalled flags the message with a server msg id as recalled and
// returns its natural key.
func (db *DB) MarkRecalled(ctx context.Context, msgID string) (*Message, error) {
	rec, err := db.QueryOne(ctx, messageSelect+` WHERE msg_id = ?`, msgID)
	if err != nil {
		return nil, fmt.Errorf("find recalled message: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	m := MessageFromRecord(rec)
	if _, err := db.Update(ctx, MessagesTable, Record{"isRecalled": true}, Record{"id": m.ID}); err != nil {
		return nil, err
	}
	m.IsRecalled = true
	return &m, nil
}

// MergeMessageExtData merges patch into a message's ext_data object. Keys are
// added or overwritten, never removed.
func (db *DB) MergeMessageExtData(ctx context.Context, sessionID, sequenceID string, patch map[string]any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT ext_data FROM messages WHERE session_id = ? AND sequence_id = ?`,
		sessionID, sequenceID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("merge ext data: message %s/%s not found", sessionID, sequenceID)
	}
	if err != nil {
		return fmt.Errorf("read ext data: %w", err)
	}

	merged := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			return fmt.Errorf("decode ext data: %w", err)
		}
	}
	for k, v := range patch {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode ext data: %w", err)
	}

	if _, err := update(ctx, tx, MessagesTable, Record{"extData": string(out)},
		Record{"sessionId": sessionID, "sequenceId": sequenceID}); err != nil {
		return err
	}
	return tx.Commit()
}

// LocalSequence is the placeholder sequence id of a message sent from this
// client before the server assigns one.
func LocalSequence(clientMsgID string) string {
	return "local:" + clientMsgID
}

// SettleLocalMessage moves a locally sent message onto the sequence id the
// server assigned. It reports false when no placeholder row exists or the
// server row is already stored.
func (db *DB) SettleLocalMessage(ctx context.Context, sessionID, clientMsgID, sequenceID string, sendTime int64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE OR IGNORE messages SET sequence_id = ?, send_time = ?
		WHERE session_id = ? AND sequence_id = ?`,
		sequenceID, sendTime, sessionID, LocalSequence(clientMsgID))
	if err != nil {
		return false, fmt.Errorf("settle local message: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

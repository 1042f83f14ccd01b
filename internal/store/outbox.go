package store

import (
	"context"
	"fmt"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(ctx context.Context, e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.InsertOrIgnore(ctx, OutboxTable, Record{
		"clientMsgId": e.ClientMsgID,
		"sessionId":   e.SessionID,
		"targetId":    e.TargetID,
		"contactType": int(e.ContactType),
		"body":        e.Body,
		"status":      "queued",
		"createdAt":   now,
		"updatedAt":   now,
	})
	return err
}

func (db *DB) setOutboxStatus(ctx context.Context, clientMsgID, status, errMsg string) error {
	_, err := db.Update(ctx, OutboxTable, Record{
		"status":       status,
		"errorMessage": errMsg,
		"updatedAt":    time.Now().UnixMilli(),
	}, Record{"clientMsgId": clientMsgID})
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(ctx context.Context, clientMsgID string) error {
	return db.setOutboxStatus(ctx, clientMsgID, "sending", "")
}

// MarkOutboxSent updates an outbox entry to 'sent'.
func (db *DB) MarkOutboxSent(ctx context.Context, clientMsgID string) error {
	return db.setOutboxStatus(ctx, clientMsgID, "sent", "")
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error {
	return db.setOutboxStatus(ctx, clientMsgID, "failed", errMsg)
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	recs, err := db.QueryAll(ctx, `
		SELECT id, client_msg_id, session_id, target_id, contact_type, body, status, error_message, created_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	entries := make([]OutboxEntry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, OutboxEntry{
			ID:           r.Int64("id"),
			ClientMsgID:  r.String("clientMsgId"),
			SessionID:    r.String("sessionId"),
			TargetID:     r.String("targetId"),
			ContactType:  ContactType(r.Int("contactType")),
			Body:         r.String("body"),
			Status:       r.String("status"),
			ErrorMessage: r.String("errorMessage"),
			CreatedAt:    r.Int64("createdAt"),
		})
	}
	return entries, nil
}

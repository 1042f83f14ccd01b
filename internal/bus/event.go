package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter on the prefix before the first dot.
const (
	RealtimeOpen   = "realtime.open"
	RealtimeClosed = "realtime.closed"
	RealtimeGaveUp = "realtime.gave_up"

	SessionUpserted   = "session.upserted"
	SessionsReloaded  = "session.reloaded"
	MessageUpserted   = "message.upserted"
	MessageRecalled   = "message.recalled"
	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"

	ApplicationUpserted = "application.upserted"

	ProfileUpdated = "profile.updated"
	ProfileStale   = "profile.stale"

	SyncStarted        = "sync.started"
	SyncPassFailed     = "sync.pass_failed"
	SyncCompleted      = "sync.completed"
	SyncMailboxDrained = "sync.mailbox_drained"

	StatusChanged = "status.changed"
)

// SessionRef identifies the session an event is about.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// MessageRef identifies a message by its natural key.
type MessageRef struct {
	SessionID  string `json:"sessionId"`
	SequenceID string `json:"sequenceId"`
	MsgID      string `json:"msgId"`
}

// ProfileRef identifies a profile and the kind of value that changed.
type ProfileRef struct {
	TargetID    string `json:"targetId"`
	ContactType int    `json:"contactType"`
	Field       string `json:"field,omitempty"` // "avatar" or "nickname"
	Version     int64  `json:"version"`
}

// PassFailure reports a reconciliation pass that aborted.
type PassFailure struct {
	Pass string `json:"pass"`
	Err  string `json:"error"`
}

// SendResult reports the outcome of sending one outbox entry.
type SendResult struct {
	ClientMsgID string `json:"clientMsgId"`
	SessionID   string `json:"sessionId"`
	Err         string `json:"error,omitempty"`
}

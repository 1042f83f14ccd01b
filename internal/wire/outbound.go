package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AckType is the frame type of an acknowledgement, one per domain.
type AckType int

const (
	AckChat        AckType = 101
	AckApplication AckType = 102
	AckSession     AckType = 103
)

// ClientExtra is attached to every chat frame the client sends.
var ClientExtra = map[string]string{
	"platform": "desktop",
	"client":   "imsync",
}

// Chat is an outgoing chat frame.
type Chat struct {
	MessageID  string            `json:"messageId"`
	Type       int               `json:"type"`
	FromUserID string            `json:"fromUserId"`
	TargetID   string            `json:"targetId"`
	SessionID  string            `json:"sessionId"`
	Content    string            `json:"content"`
	Timestamp  int64             `json:"timestamp"`
	Extra      map[string]string `json:"extra"`
}

// NewChat builds a chat frame with a fresh message id and the current time.
func NewChat(from, target, sessionID string, msgType int, content string) *Chat {
	return &Chat{
		MessageID:  uuid.NewString(),
		Type:       msgType,
		FromUserID: from,
		TargetID:   target,
		SessionID:  sessionID,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
		Extra:      ClientExtra,
	}
}

// Ack acknowledges a pushed frame by its message id.
type Ack struct {
	MessageID  string  `json:"messageId"`
	Type       AckType `json:"type"`
	FromUserID string  `json:"fromUserId"`
}

// AckFor returns the acknowledgement type for a frame kind, or 0 when the
// kind is not acknowledged.
func AckFor(k Kind) AckType {
	switch k {
	case KindChat:
		return AckChat
	case KindApplication:
		return AckApplication
	case KindSession:
		return AckSession
	default:
		return 0
	}
}

// Encode marshals an outbound frame.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

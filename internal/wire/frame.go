// Package wire decodes realtime frames into typed variants and encodes the
// frames the client sends back.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for frames that are not JSON objects or that lack
// the fields their variant requires.
var ErrMalformed = errors.New("malformed frame")

// Kind is the discriminant of a decoded frame.
type Kind string

const (
	KindUnknown     Kind = "unknown"
	KindChat        Kind = "chat"
	KindApplication Kind = "application"
	KindSession     Kind = "session"
	KindEvent       Kind = "event"
)

// discriminantField names the explicit tag newer servers put on every frame.
const discriminantField = "kind"

// Frame is one decoded inbound frame. The concrete type is one of
// *ChatFrame, *ApplicationFrame, *SessionFrame, *EventFrame or *UnknownFrame.
type Frame interface {
	Kind() Kind
}

// ChatFrame is a pushed chat message.
type ChatFrame struct {
	MessageID   Text            `json:"messageId"`
	SequenceID  Text            `json:"sequenceId"`
	SessionID   Text            `json:"sessionId"`
	FromUserID  Text            `json:"fromUserId"`
	SenderName  string          `json:"senderName"`
	TargetID    Text            `json:"targetId"`
	ContactType int             `json:"contactType"`
	MessageType int             `json:"messageType"`
	Content     string          `json:"content"`
	Extra       json.RawMessage `json:"extra"`
	Timestamp   int64           `json:"timestamp"`
}

func (*ChatFrame) Kind() Kind { return KindChat }

// ApplicationFrame is a friend request or group join notice.
type ApplicationFrame struct {
	MessageID     Text  `json:"messageId"`
	ApplyID       Text  `json:"applyId"`
	ApplyUserID   Text  `json:"applyUserId"`
	TargetID      Text  `json:"targetId"`
	ContactType   int   `json:"contactType"`
	Status        int   `json:"status"`
	ApplyInfo     Text  `json:"applyInfo"`
	LastApplyTime int64 `json:"lastApplyTime"`
}

func (*ApplicationFrame) Kind() Kind { return KindApplication }

// MetaSessionType is the lifecycle change a session frame reports.
type MetaSessionType int

const (
	SessionCreate   MetaSessionType = 1
	SessionJoin     MetaSessionType = 2
	SessionLeave    MetaSessionType = 3
	SessionDissolve MetaSessionType = 4
	SessionKick     MetaSessionType = 5
	SessionUpdate   MetaSessionType = 6
)

// Ends reports whether the change removes the user from the session.
func (t MetaSessionType) Ends() bool {
	return t == SessionLeave || t == SessionDissolve || t == SessionKick
}

// SessionFrame is a session lifecycle event.
type SessionFrame struct {
	MessageID       Text            `json:"messageId"`
	MetaSessionType MetaSessionType `json:"metaSessionType"`
	SessionID       Text            `json:"sessionId"`
	ContactID       Text            `json:"contactId"`
	ContactType     int             `json:"contactType"`
	ContactName     string          `json:"contactName"`
	ContactAvatar   string          `json:"contactAvatar"`
	MemberCount     int             `json:"memberCount"`
	MyRole          int             `json:"myRole"`
	Timestamp       int64           `json:"timestamp"`
}

func (*SessionFrame) Kind() Kind { return KindSession }

// Behaviour types carried by generic events.
const (
	BehaviourRecall = "recall"
	EventProfile    = "profile"
)

// EventFrame is a generic server event such as a recall or a profile change.
type EventFrame struct {
	MessageID     Text   `json:"messageId"`
	EventType     string `json:"eventType"`
	BehaviourType string `json:"behaviourType"`
	SessionID     Text   `json:"sessionId"`
	TargetID      Text   `json:"targetId"`
	ContactType   int    `json:"contactType"`
	MsgID         Text   `json:"msgId"`
	Version       int64  `json:"version"`
}

func (*EventFrame) Kind() Kind { return KindEvent }

// UnknownFrame holds a well-formed object no variant recognises.
type UnknownFrame struct {
	Tag string
	Raw json.RawMessage
}

func (*UnknownFrame) Kind() Kind { return KindUnknown }

// Decode classifies and decodes one frame. An explicit "kind" field wins;
// otherwise the variant is chosen from the keys present. Unrecognised
// objects decode to *UnknownFrame with a nil error.
func Decode(data []byte) (Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: null frame", ErrMalformed)
	}

	kind, tag := classify(fields)
	var f Frame
	switch kind {
	case KindChat:
		f = &ChatFrame{}
	case KindApplication:
		f = &ApplicationFrame{}
	case KindSession:
		f = &SessionFrame{}
	case KindEvent:
		f = &EventFrame{}
	default:
		return &UnknownFrame{Tag: tag, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	if err := Validate(f); err != nil {
		return nil, err
	}
	return f, nil
}

func classify(fields map[string]json.RawMessage) (Kind, string) {
	if raw, ok := fields[discriminantField]; ok {
		var tag string
		if err := json.Unmarshal(raw, &tag); err == nil {
			switch k := Kind(tag); k {
			case KindChat, KindApplication, KindSession, KindEvent:
				return k, tag
			}
			return KindUnknown, tag
		}
	}
	switch {
	case has(fields, "messageType"):
		return KindChat, ""
	case has(fields, "applyInfo"):
		return KindApplication, ""
	case has(fields, "metaSessionType"):
		return KindSession, ""
	case has(fields, "eventType"), has(fields, "behaviourType"):
		return KindEvent, ""
	}
	return KindUnknown, ""
}

func has(fields map[string]json.RawMessage, key string) bool {
	_, ok := fields[key]
	return ok
}

// Validate reports ErrMalformed when a frame lacks the fields its variant
// needs to be stored.
func Validate(f Frame) error {
	switch v := f.(type) {
	case *ChatFrame:
		if v.SessionID == "" || v.SequenceID == "" {
			return fmt.Errorf("%w: chat frame without sessionId/sequenceId", ErrMalformed)
		}
		if v.MessageType <= 0 {
			return fmt.Errorf("%w: chat frame with messageType %d", ErrMalformed, v.MessageType)
		}
	case *ApplicationFrame:
		if v.ApplyID == "" && (v.ApplyUserID == "" || v.TargetID == "") {
			return fmt.Errorf("%w: application frame without applyId or applicant/target", ErrMalformed)
		}
	case *SessionFrame:
		if v.SessionID == "" {
			return fmt.Errorf("%w: session frame without sessionId", ErrMalformed)
		}
	case *EventFrame:
		if v.EventType == "" && v.BehaviourType == "" {
			return fmt.Errorf("%w: event frame without eventType/behaviourType", ErrMalformed)
		}
	}
	return nil
}

package store

import "fmt"

// ContactType distinguishes one-to-one contacts from groups.
type ContactType int

const (
	ContactUser  ContactType = 1
	ContactGroup ContactType = 2
)

func (c ContactType) String() string {
	switch c {
	case ContactUser:
		return "user"
	case ContactGroup:
		return "group"
	default:
		return fmt.Sprintf("contact_type(%d)", int(c))
	}
}

// SessionStatus marks whether a session is still live on the server.
type SessionStatus int

const (
	SessionDeprecated SessionStatus = 0
	SessionActive     SessionStatus = 1
)

// Session is one conversation thread.
type Session struct {
	SessionID      string
	ContactID      string
	ContactType    ContactType
	ContactName    string
	ContactAvatar  string
	LastMsgContent string
	LastMsgTime    int64
	UnreadCount    int
	IsPinned       bool
	IsMuted        bool
	Status         SessionStatus
	MemberCount    int
	MyRole         int
	UpdatedAt      int64
}

// Record converts the session to a column record.
func (s *Session) Record() Record {
	return Record{
		"sessionId":      s.SessionID,
		"contactId":      s.ContactID,
		"contactType":    int(s.ContactType),
		"contactName":    s.ContactName,
		"contactAvatar":  s.ContactAvatar,
		"lastMsgContent": s.LastMsgContent,
		"lastMsgTime":    s.LastMsgTime,
		"unreadCount":    s.UnreadCount,
		"isPinned":       s.IsPinned,
		"isMuted":        s.IsMuted,
		"status":         int(s.Status),
		"memberCount":    s.MemberCount,
		"myRole":         s.MyRole,
		"updatedAt":      s.UpdatedAt,
	}
}

// SessionFromRecord builds a session from a sessions row.
func SessionFromRecord(r Record) Session {
	return Session{
		SessionID:      r.String("sessionId"),
		ContactID:      r.String("contactId"),
		ContactType:    ContactType(r.Int("contactType")),
		ContactName:    r.String("contactName"),
		ContactAvatar:  r.String("contactAvatar"),
		LastMsgContent: r.String("lastMsgContent"),
		LastMsgTime:    r.Int64("lastMsgTime"),
		UnreadCount:    r.Int("unreadCount"),
		IsPinned:       r.Bool("isPinned"),
		IsMuted:        r.Bool("isMuted"),
		Status:         SessionStatus(r.Int("status")),
		MemberCount:    r.Int("memberCount"),
		MyRole:         r.Int("myRole"),
		UpdatedAt:      r.Int64("updatedAt"),
	}
}

// MsgType is the payload kind of a chat message.
type MsgType int

const (
	MsgText  MsgType = 1
	MsgImage MsgType = 2
	MsgVoice MsgType = 3
	MsgVideo MsgType = 4
	MsgFile  MsgType = 5
)

func (t MsgType) String() string {
	switch t {
	case MsgText:
		return "text"
	case MsgImage:
		return "image"
	case MsgVoice:
		return "voice"
	case MsgVideo:
		return "video"
	case MsgFile:
		return "file"
	default:
		return "unknown"
	}
}

// Preview returns the text shown as a session's last message.
func (t MsgType) Preview(text string) string {
	switch t {
	case MsgText:
		return text
	case MsgImage:
		return "[image]"
	case MsgVoice:
		return "[voice]"
	case MsgVideo:
		return "[video]"
	case MsgFile:
		return "[file]"
	default:
		return text
	}
}

// Message is one chat message, unique on (SessionID, SequenceID).
type Message struct {
	ID         int64
	SessionID  string
	SequenceID string
	MsgID      string
	SenderID   string
	SenderName string
	MsgType    MsgType
	Text       string
	ExtData    string
	SendTime   int64
	IsRead     bool
	IsRecalled bool
	CreatedAt  int64
}

// Record converts the message to a column record. The surrogate id is left
// to the database.
func (m *Message) Record() Record {
	ext := m.ExtData
	if ext == "" {
		ext = "{}"
	}
	return Record{
		"sessionId":  m.SessionID,
		"sequenceId": m.SequenceID,
		"msgId":      m.MsgID,
		"senderId":   m.SenderID,
		"senderName": m.SenderName,
		"msgType":    int(m.MsgType),
		"text":       m.Text,
		"extData":    ext,
		"sendTime":   m.SendTime,
		"isRead":     m.IsRead,
		"isRecalled": m.IsRecalled,
		"createdAt":  m.CreatedAt,
	}
}

// MessageFromRecord builds a message from a messages row.
func MessageFromRecord(r Record) Message {
	return Message{
		ID:         r.Int64("id"),
		SessionID:  r.String("sessionId"),
		SequenceID: r.String("sequenceId"),
		MsgID:      r.String("msgId"),
		SenderID:   r.String("senderId"),
		SenderName: r.String("senderName"),
		MsgType:    MsgType(r.Int("msgType")),
		Text:       r.String("text"),
		ExtData:    r.String("extData"),
		SendTime:   r.Int64("sendTime"),
		IsRead:     r.Bool("isRead"),
		IsRecalled: r.Bool("isRecalled"),
		CreatedAt:  r.Int64("createdAt"),
	}
}

// ApplicationStatus is the lifecycle of a contact application.
type ApplicationStatus int

const (
	ApplicationPending   ApplicationStatus = 0
	ApplicationApproved  ApplicationStatus = 1
	ApplicationRejected  ApplicationStatus = 2
	ApplicationCancelled ApplicationStatus = 3
)

// Application is a friend request or group join request.
type Application struct {
	ApplyID       string
	ApplyUserID   string
	TargetID      string
	ContactType   ContactType
	Status        ApplicationStatus
	ApplyInfo     string
	LastApplyTime int64
}

// Key returns the apply id, or the applicant/target/type triple when the
// server did not assign one.
func (a *Application) Key() string {
	if a.ApplyID != "" {
		return a.ApplyID
	}
	return fmt.Sprintf("%s:%s:%d", a.ApplyUserID, a.TargetID, int(a.ContactType))
}

// Record converts the application to a column record keyed by Key().
func (a *Application) Record() Record {
	return Record{
		"applyId":       a.Key(),
		"applyUserId":   a.ApplyUserID,
		"targetId":      a.TargetID,
		"contactType":   int(a.ContactType),
		"status":        int(a.Status),
		"applyInfo":     a.ApplyInfo,
		"lastApplyTime": a.LastApplyTime,
	}
}

// ApplicationFromRecord builds an application from a contact_applications row.
func ApplicationFromRecord(r Record) Application {
	return Application{
		ApplyID:       r.String("applyId"),
		ApplyUserID:   r.String("applyUserId"),
		TargetID:      r.String("targetId"),
		ContactType:   ContactType(r.Int("contactType")),
		Status:        ApplicationStatus(r.Int("status")),
		ApplyInfo:     r.String("applyInfo"),
		LastApplyTime: r.Int64("lastApplyTime"),
	}
}

// AvatarStrategy selects which rendition of an avatar is wanted.
type AvatarStrategy string

const (
	AvatarThumb    AvatarStrategy = "thumb"
	AvatarOriginal AvatarStrategy = "original"
)

// Valid reports whether s is a known strategy.
func (s AvatarStrategy) Valid() bool {
	return s == AvatarThumb || s == AvatarOriginal
}

// Profile is cached identity metadata for a user or group.
type Profile struct {
	TargetID           string
	ContactType        ContactType
	Nickname           string
	NickVersion        int64
	AvatarVersion      int64
	AvatarOriginalPath string
	AvatarThumbPath    string
	LastNickUpdate     int64
	LastAvatarUpdate   int64
}

// AvatarPath returns the local file recorded for strategy.
func (p *Profile) AvatarPath(s AvatarStrategy) string {
	if s == AvatarOriginal {
		return p.AvatarOriginalPath
	}
	return p.AvatarThumbPath
}

// Record converts the profile to a column record.
func (p *Profile) Record() Record {
	return Record{
		"targetId":           p.TargetID,
		"contactType":        int(p.ContactType),
		"nickname":           p.Nickname,
		"nickVersion":        p.NickVersion,
		"avatarVersion":      p.AvatarVersion,
		"avatarOriginalPath": p.AvatarOriginalPath,
		"avatarThumbPath":    p.AvatarThumbPath,
		"lastNickUpdate":     p.LastNickUpdate,
		"lastAvatarUpdate":   p.LastAvatarUpdate,
	}
}

// ProfileFromRecord builds a profile from a profiles row.
func ProfileFromRecord(r Record) Profile {
	return Profile{
		TargetID:           r.String("targetId"),
		ContactType:        ContactType(r.Int("contactType")),
		Nickname:           r.String("nickname"),
		NickVersion:        r.Int64("nickVersion"),
		AvatarVersion:      r.Int64("avatarVersion"),
		AvatarOriginalPath: r.String("avatarOriginalPath"),
		AvatarThumbPath:    r.String("avatarThumbPath"),
		LastNickUpdate:     r.Int64("lastNickUpdate"),
		LastAvatarUpdate:   r.Int64("lastAvatarUpdate"),
	}
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	SessionID    string
	TargetID     string
	ContactType  ContactType
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	CreatedAt    int64
}

package remote

import (
	"encoding/json"

	"github.com/matheus3301/imsync/internal/wire"
)

type envelope struct {
	Success bool            `json:"success"`
	ErrCode wire.Text       `json:"errCode"`
	ErrMsg  string          `json:"errMsg"`
	Data    json.RawMessage `json:"data"`
}

// Contact is one entry of the authoritative contact list.
type Contact struct {
	SessionID   wire.Text `json:"sessionId"`
	ContactID   wire.Text `json:"contactId"`
	ContactType int       `json:"contactType"`
	MyRole      int       `json:"myRole"`
}

type contactList struct {
	ContactList []Contact `json:"contactList"`
}

// Application is one pulled contact application.
type Application struct {
	ApplyID       wire.Text `json:"applyId"`
	ApplyUserID   wire.Text `json:"applyUserId"`
	TargetID      wire.Text `json:"targetId"`
	ContactType   int       `json:"contactType"`
	Status        int       `json:"status"`
	ApplyInfo     wire.Text `json:"applyInfo"`
	LastApplyTime int64     `json:"lastApplyTime"`
}

// ApplicationPage is one page of the cursor-paginated application pull.
type ApplicationPage struct {
	List   []Application `json:"list"`
	Cursor wire.Text     `json:"cursor"`
	IsLast bool          `json:"isLast"`
}

// Mailbox is one batch of messages delivered while offline.
type Mailbox struct {
	MessageList []wire.ChatFrame `json:"messageList"`
	HasMore     bool             `json:"hasMore"`
}

// BaseInfo is the display data of a user or group returned by the batched
// base-info endpoints.
type BaseInfo struct {
	TargetID      wire.Text `json:"targetId"`
	Nickname      string    `json:"nickname"`
	Avatar        string    `json:"avatar"`
	NickVersion   int64     `json:"nickVersion"`
	AvatarVersion int64     `json:"avatarVersion"`
	MemberCount   int       `json:"memberCount"`
	OriginalURL   string    `json:"originalAvatarUrl"`
	ThumbURL      string    `json:"thumbedAvatarUrl"`
}

// UserMeta is the per-user metadata document kept in object storage.
type UserMeta struct {
	Nickname          string `json:"nickname"`
	NickVersion       int64  `json:"nickVersion"`
	ThumbedAvatarURL  string `json:"thumbedAvatarUrl"`
	OriginalAvatarURL string `json:"originalAvatarUrl"`
	AvatarVersion     int64  `json:"avatarVersion"`
}

package relay

import (
	"github.com/goccy/go-json"
)

// 协作房间的 socket 事件名，与前端保持一致。
const (
	EventJoinStory    = "join-story"
	EventActiveUsers  = "active-users"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventTextChange   = "text-change"
	EventCursorChange = "cursor-change"
)

// Envelope 是每一帧 WebSocket 文本消息的外层结构。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	StoryID  string `json:"storyId"`
	Username string `json:"username"`
	UserID   string `json:"userId"`
}

// UserSummary 是 active-users 快照中的一项。
type UserSummary struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PresencePayload 用于 user-joined / user-left。
type PresencePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	SocketID string `json:"socketId"`
}

// TextChange 携带整章正文；中继时补上发送者身份。
type TextChange struct {
	Content      string `json:"content"`
	ChapterIndex int    `json:"chapterIndex"`
	StoryID      string `json:"storyId"`
	UserID       string `json:"userId,omitempty"`
	Username     string `json:"username,omitempty"`
}

// CursorChange 的 position 原样转发，服务端不解释其结构。
type CursorChange struct {
	Position     json.RawMessage `json:"position"`
	ChapterIndex int             `json:"chapterIndex"`
	StoryID      string          `json:"storyId"`
	UserID       string          `json:"userId,omitempty"`
	Username     string          `json:"username,omitempty"`
	SocketID     string          `json:"socketId,omitempty"`
}

// Encode 把事件和负载编码成一帧。
func Encode(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(frame, &env)
	return env, err
}

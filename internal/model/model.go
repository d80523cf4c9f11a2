package model

import (
	"strconv"
	"time"
)

// ChatType distinguishes one-to-one chats from group chats.
type ChatType string

const (
	Direct ChatType = "direct"
	Group  ChatType = "group"
)

// MessageType is the payload kind of a message.
type MessageType string

const (
	Text    MessageType = "text"
	Photo   MessageType = "photo"
	Video   MessageType = "video"
	Audio   MessageType = "audio"
	Sticker MessageType = "sticker"
	File    MessageType = "file"
)

// IsMedia reports whether the message carries an uploaded payload rather than text.
func (t MessageType) IsMedia() bool {
	switch t {
	case Photo, Video, Audio, Sticker, File:
		return true
	}
	return false
}

// SendStatus tracks a locally originated message through delivery.
type SendStatus string

const (
	StatusNone    SendStatus = ""
	StatusPending SendStatus = "pending"
	StatusSent    SendStatus = "sent"
	StatusFailed  SendStatus = "failed"
)

// Member is a chat participant.
type Member struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// LastMessage is the denormalized summary shown in the chat list.
type LastMessage struct {
	Text      string      `json:"text"`
	Type      MessageType `json:"message_type,omitempty"`
	SenderID  int64       `json:"sender_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Chat represents a conversation as known to the client.
type Chat struct {
	ID          int64        `json:"id"`
	Title       string       `json:"title"`
	Type        ChatType     `json:"type"`
	Avatar      string       `json:"avatar,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
	UnreadCount int          `json:"unread_count"`
	Members     []Member     `json:"members,omitempty"`
}

// Message represents one chat message, either server-confirmed (ID != 0)
// or a local optimistic entry identified by TempID.
type Message struct {
	ID              int64       `json:"id,omitempty"`
	TempID          string      `json:"temp_id,omitempty"`
	ClientMessageID string      `json:"client_message_id,omitempty"`
	ChatID          int64       `json:"chat_id"`
	SenderID        int64       `json:"sender_id"`
	SenderName      string      `json:"sender_name,omitempty"`
	Type            MessageType `json:"message_type"`
	Content         string      `json:"content"`
	FileURL         string      `json:"file_url,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	EditedAt        *time.Time  `json:"edited_at,omitempty"`
	ReplyToID       *int64      `json:"reply_to_id,omitempty"`
	IsRead          bool        `json:"is_read"`
	IsModerated     bool        `json:"is_moderated,omitempty"`
	Status          SendStatus  `json:"status,omitempty"`
}

// Pending reports whether the message has not been confirmed by the server yet.
func (m Message) Pending() bool {
	return m.ID == 0
}

// Key returns the authoritative identity of the message: the server id once
// known, the local temp id before that.
func (m Message) Key() string {
	if m.ID != 0 {
		return strconv.FormatInt(m.ID, 10)
	}
	return "tmp:" + m.TempID
}

// MatchesCorrelation reports whether id is one of the message's local correlation ids.
func (m Message) MatchesCorrelation(id string) bool {
	if id == "" {
		return false
	}
	return m.ClientMessageID == id || m.TempID == id
}

// PreviewText is the chat list summary for a message: raw text for text
// messages, a placeholder label for media.
func PreviewText(t MessageType, content string) string {
	switch t {
	case Photo:
		return "Photo"
	case Video:
		return "Video"
	case Audio:
		return "Voice message"
	case Sticker:
		return "Sticker"
	case File:
		return "File"
	default:
		return content
	}
}

// Summary builds the chat list summary for m.
func (m Message) Summary() *LastMessage {
	return &LastMessage{
		Text:      PreviewText(m.Type, m.Content),
		Type:      m.Type,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
	}
}

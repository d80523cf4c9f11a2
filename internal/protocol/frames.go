package protocol

import "github.com/matheus3301/msync/internal/model"

// Inbound frame types.
const (
	TypeConnected      Type = "connected"
	TypeError          Type = "error"
	TypePing           Type = "ping"
	TypeChats          Type = "chats"
	TypeMessages       Type = "messages"
	TypeNewMessage     Type = "new_message"
	TypeMessageSent    Type = "message_sent"
	TypeTyping         Type = "typing_indicator"
	TypeTypingEnded    Type = "typing_indicator_end"
	TypeMessageRead    Type = "message_read"
	TypeMessageDeleted Type = "message_deleted"
	TypeUnreadCounts   Type = "unread_counts"
	TypeUserStatus     Type = "user_status"
	TypeDeliveryAck    Type = "delivery_ack"
	TypeReadAck        Type = "read_ack"
)

// Frame is one decoded inbound frame. The set of implementations is closed:
// only types in this package satisfy it.
type Frame interface {
	FrameType() Type
	inbound()
}

// User identifies the authenticated account in a connected frame.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Connected is the server's handshake acknowledgment.
type Connected struct {
	Message        string         `json:"message"`
	User           User           `json:"user"`
	DeviceID       string         `json:"device_id"`
	ConnectionInfo map[string]any `json:"connection_info,omitempty"`
	ServerStats    map[string]any `json:"server_stats,omitempty"`
}

// Error is an explicit error frame.
type Error struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Reconnect bool   `json:"reconnect"`
}

// authFailureCodes are error codes that mean the credential was refused.
var authFailureCodes = map[string]bool{
	"AUTH_FAILED":     true,
	"AUTH_REQUIRED":   true,
	"INVALID_TOKEN":   true,
	"TOKEN_EXPIRED":   true,
	"SESSION_EXPIRED": true,
}

// IsAuthFailure reports whether the error frame rejects the credential.
func (e *Error) IsAuthFailure() bool {
	return authFailureCodes[e.Code]
}

// Ping is a server keepalive probe.
type Ping struct {
	Timestamp float64 `json:"timestamp"`
	PingID    string  `json:"ping_id"`
}

// Chats is a chat list snapshot.
type Chats struct {
	Chats    []model.Chat `json:"chats"`
	Timezone string       `json:"timezone,omitempty"`
}

// Messages is one page of a chat's history.
type Messages struct {
	ChatID    int64           `json:"chat_id"`
	Messages  []model.Message `json:"messages"`
	Timezone  string          `json:"timezone,omitempty"`
	CacheInfo map[string]any  `json:"cache_info,omitempty"`
}

// NewMessage is a pushed message, possibly the echo of our own send.
type NewMessage struct {
	ChatID                       int64         `json:"chatId"`
	Message                      model.Message `json:"message"`
	ClientMessageID              string        `json:"client_message_id,omitempty"`
	TempID                       string        `json:"temp_id,omitempty"`
	RequiresDeliveryConfirmation bool          `json:"requires_delivery_confirmation,omitempty"`
	DeliveryID                   string        `json:"delivery_id,omitempty"`
}

// CorrelationIDs returns the non-empty correlation ids carried by the push.
func (f *NewMessage) CorrelationIDs() []string {
	return nonEmpty(f.ClientMessageID, f.TempID, f.Message.ClientMessageID, f.Message.TempID)
}

// MessageSent acknowledges one of our sends.
type MessageSent struct {
	MessageID       int64  `json:"messageId"`
	ClientMessageID string `json:"clientMessageId"`
	TempID          string `json:"tempId"`
	ChatID          int64  `json:"chatId"`
	Timestamp       string `json:"timestamp,omitempty"`
	DeliveryStatus  string `json:"delivery_status,omitempty"`
}

// CorrelationIDs returns the non-empty correlation ids carried by the ack.
func (f *MessageSent) CorrelationIDs() []string {
	return nonEmpty(f.ClientMessageID, f.TempID)
}

// Typing is typing_indicator (Active) or typing_indicator_end.
type Typing struct {
	Active   bool   `json:"-"`
	ChatID   int64  `json:"chatId"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// MessageRead reports a message read by a participant.
type MessageRead struct {
	MessageID int64 `json:"messageId"`
	ChatID    int64 `json:"chatId"`
	UserID    int64 `json:"userId,omitempty"`
}

// MessageDeleted reports a deleted message.
type MessageDeleted struct {
	MessageID int64 `json:"messageId"`
	ChatID    int64 `json:"chatId"`
}

// UnreadCounts is an authoritative unread snapshot keyed by chat id.
type UnreadCounts struct {
	Counts map[int64]int
}

// Info covers informational frames (presence, delivery and read acks) whose
// loss does not affect correctness.
type Info struct {
	Kind Type
	Raw  []byte
}

func (*Connected) FrameType() Type      { return TypeConnected }
func (*Error) FrameType() Type          { return TypeError }
func (*Ping) FrameType() Type           { return TypePing }
func (*Chats) FrameType() Type          { return TypeChats }
func (*Messages) FrameType() Type       { return TypeMessages }
func (*NewMessage) FrameType() Type     { return TypeNewMessage }
func (*MessageSent) FrameType() Type    { return TypeMessageSent }
func (*MessageRead) FrameType() Type    { return TypeMessageRead }
func (*MessageDeleted) FrameType() Type { return TypeMessageDeleted }
func (*UnreadCounts) FrameType() Type   { return TypeUnreadCounts }
func (f *Info) FrameType() Type         { return f.Kind }

func (f *Typing) FrameType() Type {
	if f.Active {
		return TypeTyping
	}
	return TypeTypingEnded
}

func (*Connected) inbound()      {}
func (*Error) inbound()          {}
func (*Ping) inbound()           {}
func (*Chats) inbound()          {}
func (*Messages) inbound()       {}
func (*NewMessage) inbound()     {}
func (*MessageSent) inbound()    {}
func (*Typing) inbound()         {}
func (*MessageRead) inbound()    {}
func (*MessageDeleted) inbound() {}
func (*UnreadCounts) inbound()   {}
func (*Info) inbound()           {}

func nonEmpty(ids ...string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

package protocol

import (
	"encoding/json"
	"fmt"
)

// Type is the value of the top-level "type" discriminator carried by every frame.
type Type string

// Outbound command types.
const (
	TypeAuth                 Type = "auth"
	TypeGetChats             Type = "get_chats"
	TypeGetMessages          Type = "get_messages"
	TypeSendMessage          Type = "send_message"
	TypeTypingStart          Type = "typing_start"
	TypeTypingEnd            Type = "typing_end"
	TypeReadReceipt          Type = "read_receipt"
	TypeDeleteNotice         Type = "message_deleted"
	TypeDeliveryConfirmation Type = "delivery_confirmation"
	TypePong                 Type = "pong"
)

// Command is an outbound frame.
type Command interface {
	CommandType() Type
}

// ClientInfo describes this client in the auth handshake.
type ClientInfo struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
	Device   string `json:"device"`
}

// Auth is the handshake sent right after the socket opens.
type Auth struct {
	Type       Type       `json:"type"`
	Token      string     `json:"token"`
	DeviceID   string     `json:"device_id"`
	ClientInfo ClientInfo `json:"client_info"`
}

func NewAuth(token, deviceID string, info ClientInfo) *Auth {
	return &Auth{Type: TypeAuth, Token: token, DeviceID: deviceID, ClientInfo: info}
}

func (c *Auth) CommandType() Type { return TypeAuth }

// GetChats requests a chat list snapshot.
type GetChats struct {
	Type Type `json:"type"`
}

func NewGetChats() *GetChats {
	return &GetChats{Type: TypeGetChats}
}

func (c *GetChats) CommandType() Type { return TypeGetChats }

// GetMessages requests one page of a chat's history. BeforeID is the
// pagination cursor; ForceRefresh bypasses the server-side cache.
type GetMessages struct {
	Type         Type   `json:"type"`
	ChatID       int64  `json:"chat_id"`
	Limit        int    `json:"limit"`
	BeforeID     *int64 `json:"before_id,omitempty"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`
}

func NewGetMessages(chatID int64, limit int, beforeID *int64, forceRefresh bool) *GetMessages {
	return &GetMessages{
		Type:         TypeGetMessages,
		ChatID:       chatID,
		Limit:        limit,
		BeforeID:     beforeID,
		ForceRefresh: forceRefresh,
	}
}

func (c *GetMessages) CommandType() Type { return TypeGetMessages }

// SendMessage sends a text message. ClientMessageID and TempID come back in
// the server's echo so the optimistic entry can be reconciled.
type SendMessage struct {
	Type            Type   `json:"type"`
	ChatID          int64  `json:"chatId"`
	Text            string `json:"text"`
	ReplyToID       *int64 `json:"replyToId,omitempty"`
	ClientMessageID string `json:"clientMessageId"`
	TempID          string `json:"tempId"`
}

func NewSendMessage(chatID int64, text string, replyToID *int64, clientMessageID, tempID string) *SendMessage {
	return &SendMessage{
		Type:            TypeSendMessage,
		ChatID:          chatID,
		Text:            text,
		ReplyToID:       replyToID,
		ClientMessageID: clientMessageID,
		TempID:          tempID,
	}
}

func (c *SendMessage) CommandType() Type { return TypeSendMessage }

// TypingNotice is typing_start or typing_end.
type TypingNotice struct {
	Type   Type  `json:"type"`
	ChatID int64 `json:"chatId"`
}

func NewTypingStart(chatID int64) *TypingNotice {
	return &TypingNotice{Type: TypeTypingStart, ChatID: chatID}
}

func NewTypingEnd(chatID int64) *TypingNotice {
	return &TypingNotice{Type: TypeTypingEnd, ChatID: chatID}
}

func (c *TypingNotice) CommandType() Type { return c.Type }

// ReadReceipt fans a read mark out to the user's other sessions.
type ReadReceipt struct {
	Type      Type  `json:"type"`
	MessageID int64 `json:"messageId"`
	ChatID    int64 `json:"chatId"`
}

func NewReadReceipt(chatID, messageID int64) *ReadReceipt {
	return &ReadReceipt{Type: TypeReadReceipt, MessageID: messageID, ChatID: chatID}
}

func (c *ReadReceipt) CommandType() Type { return TypeReadReceipt }

// DeleteNotice announces a deletion already performed over REST.
type DeleteNotice struct {
	Type      Type  `json:"type"`
	MessageID int64 `json:"messageId"`
	ChatID    int64 `json:"chatId"`
}

func NewDeleteNotice(chatID, messageID int64) *DeleteNotice {
	return &DeleteNotice{Type: TypeDeleteNotice, MessageID: messageID, ChatID: chatID}
}

func (c *DeleteNotice) CommandType() Type { return TypeDeleteNotice }

// DeliveryConfirmation acknowledges a push that asked for one.
type DeliveryConfirmation struct {
	Type       Type   `json:"type"`
	DeliveryID string `json:"delivery_id"`
	MessageID  int64  `json:"messageId"`
	ChatID     int64  `json:"chatId"`
}

func NewDeliveryConfirmation(deliveryID string, chatID, messageID int64) *DeliveryConfirmation {
	return &DeliveryConfirmation{
		Type:       TypeDeliveryConfirmation,
		DeliveryID: deliveryID,
		MessageID:  messageID,
		ChatID:     chatID,
	}
}

func (c *DeliveryConfirmation) CommandType() Type { return TypeDeliveryConfirmation }

// Pong answers a server ping, echoing its id and timestamp.
type Pong struct {
	Type      Type    `json:"type"`
	Timestamp float64 `json:"timestamp"`
	PingID    string  `json:"ping_id"`
}

func NewPong(p *Ping) *Pong {
	return &Pong{Type: TypePong, Timestamp: p.Timestamp, PingID: p.PingID}
}

func (c *Pong) CommandType() Type { return TypePong }

// Encode serializes a command into a JSON text frame.
func Encode(cmd Command) ([]byte, error) {
	if cmd == nil || cmd.CommandType() == "" {
		return nil, fmt.Errorf("encode: command without type")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	return data, nil
}

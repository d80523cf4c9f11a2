package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter on the namespace before the dot.
const (
	// Connection lifecycle, published by the transport and the status machine.
	ConnStatusChanged = "conn.status_changed"
	ConnConnected     = "conn.connected"
	ConnDisconnected  = "conn.disconnected"
	ConnGaveUp        = "conn.gave_up"
	ConnServerError   = "conn.server_error"

	AuthRejected = "auth.rejected"

	// Realtime pushes routed from decoded frames.
	RTChats          = "rt.chats"
	RTMessages       = "rt.messages"
	RTNewMessage     = "rt.new_message"
	RTMessageSent    = "rt.message_sent"
	RTTyping         = "rt.typing"
	RTMessageRead    = "rt.message_read"
	RTMessageDeleted = "rt.message_deleted"
	RTUnreadCounts   = "rt.unread_counts"
	RTInfo           = "rt.info"

	// Synchronizer output for front ends.
	ChatListUpdated = "chatlist.updated"

	ConversationOpened     = "conversation.opened"
	ConversationClosed     = "conversation.closed"
	ConversationUpdated    = "conversation.updated"
	ConversationSendQueued = "conversation.send_queued"
	ConversationSendAck    = "conversation.send_ack"
	ConversationSendFailed = "conversation.send_failed"
	ConversationTyping     = "conversation.typing"

	// Cache writes by the sync engine.
	SyncMessagesStored = "sync.messages_stored"
	SyncChatsStored    = "sync.chats_stored"
)

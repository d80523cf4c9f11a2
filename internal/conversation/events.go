package conversation

import (
	"slices"
	"time"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/protocol"
	"go.uber.org/zap"
)

func (s *Synchronizer) handleRealtime(evt bus.Event) {
	switch f := evt.Payload.(type) {
	case *protocol.Messages:
		s.onMessages(f)
	case *protocol.NewMessage:
		s.onNewMessage(f)
	case *protocol.MessageSent:
		s.onMessageSent(f)
	case *protocol.MessageRead:
		s.onMessageRead(f)
	case *protocol.MessageDeleted:
		s.onMessageDeleted(f)
	case *protocol.Typing:
		s.onTyping(f)
	}
}

// handleConnected refreshes the open conversation after every handshake:
// a load that was waiting on the connection, or messages missed while
// offline.
func (s *Synchronizer) handleConnected(evt bus.Event) {
	if f, ok := evt.Payload.(*protocol.Connected); ok && f.User.ID != 0 {
		s.userID = f.User.ID
	}
	if s.chatID == 0 {
		return
	}
	s.awaitConnect = false
	s.requestPage(nil, false)
}

func (s *Synchronizer) onNewMessage(f *protocol.NewMessage) {
	m := f.Message
	if m.ChatID == 0 {
		m.ChatID = f.ChatID
	}
	if p := s.pending.match(f.CorrelationIDs()...); p != nil {
		s.confirm(p, m)
		return
	}
	if m.SenderID != 0 && m.SenderID == s.userID {
		if p := s.pending.matchContent(m.ChatID, m.Content); p != nil {
			s.confirm(p, m)
			return
		}
	}
	if m.ChatID != s.chatID || s.chatID == 0 {
		return
	}
	if _, ok := s.typing[m.SenderID]; ok {
		delete(s.typing, m.SenderID)
		s.emitTyping()
	}
	if s.indexByID(m.ID) >= 0 {
		s.logger.Debug("duplicate message push", zap.Int64("message_id", m.ID))
		return
	}
	if m.SenderID != s.userID {
		m.IsRead = true
		s.sendReceipt(m.ChatID, m.ID)
	}
	s.insertConfirmed(m)
	s.publish()
}

func (s *Synchronizer) onMessageSent(f *protocol.MessageSent) {
	p := s.pending.match(f.CorrelationIDs()...)
	if p == nil {
		return
	}
	if f.MessageID == 0 {
		s.logger.Debug("message_sent without id", zap.String("client_message_id", f.ClientMessageID))
		return
	}
	msg := p.local
	msg.ID = f.MessageID
	if f.Timestamp != "" {
		if ts, err := model.ParseTime(f.Timestamp); err == nil {
			msg.CreatedAt = ts
		}
	}
	s.confirm(p, msg)
}

func (s *Synchronizer) onMessageRead(f *protocol.MessageRead) {
	if f.ChatID != s.chatID || s.chatID == 0 {
		return
	}
	if i := s.indexByID(f.MessageID); i >= 0 && !s.messages[i].IsRead {
		s.messages[i].IsRead = true
		s.publish()
	}
}

func (s *Synchronizer) onMessageDeleted(f *protocol.MessageDeleted) {
	if f.ChatID != s.chatID || s.chatID == 0 {
		return
	}
	if i := s.indexByID(f.MessageID); i >= 0 {
		s.messages = slices.Delete(s.messages, i, i+1)
		s.publish()
	}
}

func (s *Synchronizer) onTyping(f *protocol.Typing) {
	if f.ChatID != s.chatID || s.chatID == 0 || f.UserID == s.userID {
		return
	}
	if !f.Active {
		if _, ok := s.typing[f.UserID]; ok {
			delete(s.typing, f.UserID)
			s.emitTyping()
		}
		return
	}
	name := f.Username
	if name == "" {
		name = "someone"
	}
	until := time.Now().Add(s.opts.TypingExpiry)
	s.typing[f.UserID] = typist{name: name, until: until}
	chatID, userID := s.chatID, f.UserID
	time.AfterFunc(s.opts.TypingExpiry, func() {
		s.enqueue(func() { s.expireTyping(chatID, userID) })
	})
	s.emitTyping()
}

func (s *Synchronizer) expireTyping(chatID, userID int64) {
	if chatID != s.chatID {
		return
	}
	t, ok := s.typing[userID]
	if !ok || time.Now().Before(t.until) {
		return
	}
	delete(s.typing, userID)
	s.emitTyping()
}

func (s *Synchronizer) emitTyping() {
	s.publish()
	s.bus.Emit(bus.ConversationTyping, TypingState{ChatID: s.chatID, Users: s.typingNames()})
}

// sendReceipt marks a pushed message read on the server: over the socket
// when connected, otherwise over REST.
func (s *Synchronizer) sendReceipt(chatID, msgID int64) {
	if s.transport.IsConnected() {
		if err := s.transport.Send(protocol.NewReadReceipt(chatID, msgID)); err == nil {
			return
		}
	}
	ctx := s.ctx
	go func() {
		if err := s.rest.MarkRead(ctx, chatID, msgID); err != nil {
			s.logger.Warn("read receipt over REST failed", zap.Int64("message_id", msgID), zap.Error(err))
		}
	}()
}

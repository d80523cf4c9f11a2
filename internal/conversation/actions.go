package conversation

import (
	"context"
	"fmt"
	"slices"

	"github.com/matheus3301/msync/internal/protocol"
	"go.uber.org/zap"
)

func (s *Synchronizer) activeChat(ctx context.Context) (int64, error) {
	var chatID int64
	err := s.call(ctx, func() error {
		if s.chatID == 0 {
			return ErrNoConversation
		}
		chatID = s.chatID
		return nil
	})
	return chatID, err
}

// MarkRead marks a message read locally, then tells the server over REST
// and, when connected, over the socket so other sessions see it. Both are
// attempted. The local mark is kept even if they fail; the REST error is
// returned.
func (s *Synchronizer) MarkRead(ctx context.Context, msgID int64) error {
	var chatID int64
	err := s.call(ctx, func() error {
		if s.chatID == 0 {
			return ErrNoConversation
		}
		chatID = s.chatID
		if i := s.indexByID(msgID); i >= 0 && !s.messages[i].IsRead {
			s.messages[i].IsRead = true
			s.publish()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.cache.MarkMessageRead(msgID); err != nil {
		s.logger.Warn("cache read mark", zap.Error(err))
	}

	restErr := s.rest.MarkRead(ctx, chatID, msgID)
	if restErr != nil {
		s.logger.Warn("mark read over REST failed", zap.Int64("message_id", msgID), zap.Error(restErr))
		restErr = fmt.Errorf("mark read %d: %w", msgID, restErr)
	}
	if s.transport.IsConnected() {
		if err := s.transport.Send(protocol.NewReadReceipt(chatID, msgID)); err != nil {
			s.logger.Warn("read receipt over socket failed", zap.Int64("message_id", msgID), zap.Error(err))
		}
	}
	return restErr
}

// Delete removes a message on the server, notifies other sessions when
// connected, and only then drops it locally. On REST failure nothing changes
// locally and the error is returned.
func (s *Synchronizer) Delete(ctx context.Context, msgID int64) error {
	chatID, err := s.activeChat(ctx)
	if err != nil {
		return err
	}
	if err := s.rest.DeleteMessage(ctx, chatID, msgID); err != nil {
		return fmt.Errorf("delete message %d: %w", msgID, err)
	}
	if s.transport.IsConnected() {
		if err := s.transport.Send(protocol.NewDeleteNotice(chatID, msgID)); err != nil {
			s.logger.Warn("delete notice over socket failed", zap.Int64("message_id", msgID), zap.Error(err))
		}
	}
	if err := s.cache.DeleteMessage(chatID, msgID); err != nil {
		s.logger.Warn("cache delete", zap.Error(err))
	}
	return s.call(ctx, func() error {
		if s.chatID != chatID {
			return nil
		}
		if i := s.indexByID(msgID); i >= 0 {
			s.messages = slices.Delete(s.messages, i, i+1)
			s.publish()
		}
		return nil
	})
}

// StartTyping tells the other participants the user is typing.
func (s *Synchronizer) StartTyping(ctx context.Context) error {
	chatID, err := s.activeChat(ctx)
	if err != nil {
		return err
	}
	return s.transport.Send(protocol.NewTypingStart(chatID))
}

// StopTyping ends a StartTyping.
func (s *Synchronizer) StopTyping(ctx context.Context) error {
	chatID, err := s.activeChat(ctx)
	if err != nil {
		return err
	}
	return s.transport.Send(protocol.NewTypingEnd(chatID))
}

package conversation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/msync/internal/apierr"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/protocol"
	"github.com/matheus3301/msync/internal/restapi"
	"go.uber.org/zap"
)

// pruneAfter is how long resolved sends are remembered for late echoes.
const pruneAfter = 10 * time.Minute

// SendText appends an optimistic message to the open conversation and sends
// it over the socket, or over REST when the socket is down. The returned
// message carries the correlation ids; the outcome arrives as a
// conversation.send_ack or conversation.send_failed event.
func (s *Synchronizer) SendText(ctx context.Context, text string, replyToID *int64) (model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return model.Message{}, ErrEmptyMessage
	}
	var out model.Message
	err := s.call(ctx, func() error {
		if s.chatID == 0 {
			return ErrNoConversation
		}
		p := s.track(model.Text, text, replyToID, true)
		out = p.local

		cmd := protocol.NewSendMessage(p.chatID, text, replyToID, p.clientID, p.tempID)
		if s.transport.IsConnected() {
			if err := s.transport.Send(cmd); err == nil {
				return nil
			}
		}
		chatID := p.chatID
		ctx := s.ctx
		go func() {
			msg, err := s.rest.SendMessage(ctx, chatID, text, replyToID)
			s.enqueue(func() { s.restResult(p, msg, err) })
		}()
		return nil
	})
	return out, err
}

// SendMedia uploads a photo, video, audio or file over REST. An optimistic
// placeholder is shown until the upload returns.
func (s *Synchronizer) SendMedia(ctx context.Context, up restapi.Upload) (model.Message, error) {
	if !up.Type.IsMedia() {
		return model.Message{}, fmt.Errorf("send media: unsupported type %q", up.Type)
	}
	var out model.Message
	err := s.call(ctx, func() error {
		if s.chatID == 0 {
			return ErrNoConversation
		}
		// Uploads are bounded by the REST timeout, not the send timeout.
		p := s.track(up.Type, up.FileName, up.ReplyToID, false)
		out = p.local

		chatID := p.chatID
		ctx := s.ctx
		go func() {
			msg, err := s.rest.UploadMedia(ctx, chatID, up)
			s.enqueue(func() { s.restResult(p, msg, err) })
		}()
		return nil
	})
	return out, err
}

// track creates the optimistic entry, appends it and journals it.
func (s *Synchronizer) track(typ model.MessageType, content string, replyToID *int64, timed bool) *pendingSend {
	p := &pendingSend{
		clientID: uuid.NewString(),
		tempID:   "tmp-" + uuid.NewString(),
		chatID:   s.chatID,
		state:    sendPending,
	}
	p.local = model.Message{
		TempID:          p.tempID,
		ClientMessageID: p.clientID,
		ChatID:          p.chatID,
		SenderID:        s.userID,
		Type:            typ,
		Content:         content,
		CreatedAt:       time.Now().UTC(),
		ReplyToID:       replyToID,
		Status:          model.StatusPending,
	}
	if timed {
		clientID := p.clientID
		p.timer = time.AfterFunc(s.opts.SendTimeout, func() {
			s.enqueue(func() { s.expire(clientID) })
		})
	}
	s.pending.add(p)
	s.messages = append(s.messages, p.local)

	s.bus.Emit(bus.ConversationSendQueued, SendQueued{
		ChatID:          p.chatID,
		ClientMessageID: p.clientID,
		TempID:          p.tempID,
		Text:            content,
		ReplyToID:       replyToID,
	})
	s.publish()
	return p
}

func (s *Synchronizer) restResult(p *pendingSend, msg model.Message, err error) {
	if err != nil {
		s.fail(p, err, sendFailed)
		return
	}
	if msg.ChatID == 0 {
		msg.ChatID = p.chatID
	}
	if p.state != sendPending {
		// Timed out meanwhile; the message exists on the server after all.
		s.acceptMessage(msg)
		return
	}
	s.confirm(p, msg)
}

// confirm replaces the optimistic entry with the server's message.
func (s *Synchronizer) confirm(p *pendingSend, msg model.Message) {
	if msg.ChatID == 0 {
		msg.ChatID = p.chatID
	}
	msg.TempID = ""
	msg.ClientMessageID = p.clientID
	msg.Status = model.StatusSent
	s.pending.settle(p, sendConfirmed)

	if p.chatID == s.chatID {
		local := s.indexByCorrelation(p.clientID)
		dup := s.indexByID(msg.ID)
		switch {
		case local >= 0 && dup >= 0:
			s.messages = slices.Delete(s.messages, local, local+1)
		case local >= 0:
			s.messages[local] = msg
		case dup >= 0:
			s.messages[dup] = msg
		default:
			s.insertConfirmed(msg)
		}
		s.publish()
	}
	if msg.ID != 0 {
		if err := s.cache.UpsertMessages([]model.Message{msg}); err != nil {
			s.logger.Warn("cache sent message", zap.Error(err))
		}
	}

	s.logger.Debug("send confirmed", zap.String("client_message_id", p.clientID), zap.Int64("message_id", msg.ID))
	s.bus.Emit(bus.ConversationSendAck, SendAck{
		ChatID:          p.chatID,
		ClientMessageID: p.clientID,
		TempID:          p.tempID,
		Message:         msg,
	})
	s.pending.prune(time.Now().Add(-pruneAfter))
}

// fail rolls the optimistic entry back.
func (s *Synchronizer) fail(p *pendingSend, err error, state sendState) {
	if p.state != sendPending {
		return
	}
	s.pending.settle(p, state)
	if p.chatID == s.chatID {
		if i := s.indexByCorrelation(p.clientID); i >= 0 {
			s.messages = slices.Delete(s.messages, i, i+1)
		}
		s.lastErr = err
		s.publish()
	}

	s.logger.Warn("send failed",
		zap.String("client_message_id", p.clientID),
		zap.Stringer("state", p.state),
		zap.Error(err),
	)
	s.bus.Emit(bus.ConversationSendFailed, SendFailed{
		ChatID:          p.chatID,
		ClientMessageID: p.clientID,
		TempID:          p.tempID,
		Err:             err,
	})
}

// expire times out a send that never got an echo. The latest page is
// reloaded bypassing the server cache, in case the message was stored but
// the ack lost.
func (s *Synchronizer) expire(clientID string) {
	p := s.pending.match(clientID)
	if p == nil {
		return
	}
	s.fail(p, apierr.ErrSendTimeout, sendTimedOut)
	if p.chatID == s.chatID {
		s.requestPage(nil, true)
	}
}

// acceptMessage adds a confirmed message to the open conversation unless it
// is already present.
func (s *Synchronizer) acceptMessage(m model.Message) {
	if m.ChatID != s.chatID || s.chatID == 0 || m.ID == 0 {
		return
	}
	if s.indexByID(m.ID) >= 0 {
		return
	}
	s.insertConfirmed(m)
	s.publish()
}

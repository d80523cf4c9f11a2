package conversation

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/protocol"
	"go.uber.org/zap"
)

// Open makes chatID the active conversation. Cached messages are shown at
// once while the latest page is requested over the socket, or over REST when
// the socket is down. Responses for a previously open chat are ignored.
func (s *Synchronizer) Open(ctx context.Context, chatID int64) error {
	if chatID <= 0 {
		return fmt.Errorf("open chat %d: invalid id", chatID)
	}
	return s.call(ctx, func() error {
		if s.chatID != 0 && s.chatID != chatID {
			s.bus.Emit(bus.ConversationClosed, s.chatID)
		}
		s.reset(chatID)

		cached, err := s.cache.ListMessages(chatID, 0, s.opts.PageSize)
		if err != nil {
			s.logger.Warn("read cached messages", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		s.messages = append(cached, s.pending.localsFor(chatID)...)
		s.loading = true

		s.bus.Emit(bus.ConversationOpened, chatID)
		s.requestPage(nil, false)
		s.publish()
		return nil
	})
}

// Close leaves the active conversation.
func (s *Synchronizer) Close(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.chatID == 0 {
			return nil
		}
		s.bus.Emit(bus.ConversationClosed, s.chatID)
		s.reset(0)
		s.publish()
		return nil
	})
}

func (s *Synchronizer) reset(chatID int64) {
	s.gen++
	s.chatID = chatID
	s.messages = nil
	s.loading = false
	s.loadingOlder = false
	s.olderBefore = 0
	s.hasMore = false
	s.awaitConnect = false
	s.lastErr = nil
	clear(s.typing)
}

// LoadOlder requests the page before the oldest confirmed message. It does
// nothing while another load is running or once history is exhausted.
func (s *Synchronizer) LoadOlder(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.chatID == 0 {
			return ErrNoConversation
		}
		if s.loading || s.loadingOlder || !s.hasMore {
			return nil
		}
		oldest := s.oldestID()
		if oldest == 0 {
			return nil
		}
		s.loadingOlder = true
		s.olderBefore = oldest
		s.requestPage(&oldest, false)
		s.publish()
		return nil
	})
}

// requestPage asks for one page of the active chat over the socket, or over
// REST when the socket cannot take it.
func (s *Synchronizer) requestPage(before *int64, force bool) {
	chatID, gen, limit := s.chatID, s.gen, s.opts.PageSize
	if s.transport.IsConnected() {
		err := s.transport.Send(protocol.NewGetMessages(chatID, limit, before, force))
		if err == nil {
			return
		}
		s.logger.Debug("socket page request failed, using REST", zap.Error(err))
	}
	ctx := s.ctx
	go func() {
		msgs, err := s.rest.ListMessages(ctx, chatID, limit, before, force)
		s.enqueue(func() { s.restPage(gen, chatID, before != nil, msgs, err) })
	}()
}

func (s *Synchronizer) restPage(gen uint64, chatID int64, older bool, msgs []model.Message, err error) {
	if gen != s.gen || chatID != s.chatID {
		s.logger.Debug("dropping stale page", zap.Int64("chat_id", chatID))
		return
	}
	if err == nil {
		for i := range msgs {
			if msgs[i].ChatID == 0 {
				msgs[i].ChatID = chatID
			}
		}
		if cerr := s.cache.UpsertMessages(msgs); cerr != nil {
			s.logger.Warn("cache page", zap.Error(cerr))
		}
		s.applyPage(msgs, older)
		return
	}

	s.logger.Warn("message page over REST failed", zap.Int64("chat_id", chatID), zap.Error(err))
	s.lastErr = err
	switch {
	case older:
		s.loadingOlder = false
		s.olderBefore = 0
	case !s.loading:
		// A background refresh; nothing waits on it.
	case s.transport.IsConnected():
		if serr := s.transport.Send(protocol.NewGetMessages(chatID, s.opts.PageSize, nil, false)); serr != nil {
			s.loading = false
		}
	default:
		// The page is requested again on conn.connected.
		s.awaitConnect = true
		s.connect(gen)
	}
	s.publish()
}

// connect starts the transport. If that fails outright, the load waiting on
// it is abandoned.
func (s *Synchronizer) connect(gen uint64) {
	ctx := s.ctx
	go func() {
		err := s.transport.Connect(ctx)
		if err == nil {
			return
		}
		s.enqueue(func() {
			if gen != s.gen || !s.awaitConnect {
				return
			}
			s.awaitConnect = false
			s.loading = false
			s.lastErr = err
			s.publish()
		})
	}()
}

// applyPage merges one page into the list. Older pages extend history;
// latest pages are authoritative over the id range they cover.
func (s *Synchronizer) applyPage(page []model.Message, older bool) {
	page = slices.Clone(page)
	slices.SortFunc(page, func(a, b model.Message) int { return cmp.Compare(a.ID, b.ID) })

	// Our own sends can come back in a page before their ack.
	for _, m := range page {
		if p := s.pending.match(m.ClientMessageID, m.TempID); p != nil {
			s.confirm(p, m)
		}
	}

	full := len(page) >= s.opts.PageSize
	if older {
		s.loadingOlder = false
		s.olderBefore = 0
		s.hasMore = full
	} else {
		if s.loading {
			s.hasMore = full
		}
		s.loading = false
		s.awaitConnect = false
		s.dropMissing(page)
	}
	for _, m := range page {
		if m.ID != 0 {
			s.insertConfirmed(m)
		}
	}
	s.lastErr = nil
	s.publish()
}

// dropMissing removes confirmed messages inside the page's id range that the
// page no longer contains.
func (s *Synchronizer) dropMissing(page []model.Message) {
	if len(page) == 0 {
		return
	}
	lo, hi := page[0].ID, page[len(page)-1].ID
	present := make(map[int64]bool, len(page))
	for _, m := range page {
		present[m.ID] = true
	}
	s.messages = slices.DeleteFunc(s.messages, func(m model.Message) bool {
		return m.ID >= lo && m.ID <= hi && m.ID != 0 && !present[m.ID]
	})
}

func (s *Synchronizer) onMessages(f *protocol.Messages) {
	if f.ChatID != s.chatID || s.chatID == 0 {
		s.logger.Debug("dropping page for inactive chat", zap.Int64("chat_id", f.ChatID))
		return
	}
	s.applyPage(f.Messages, s.isOlderPage(f.Messages))
}

// isOlderPage tells an answer to LoadOlder from a latest page requested while
// it was in flight (reconnect, send timeout). Socket pages carry no cursor,
// so an older page is one lying entirely below the requested before_id.
func (s *Synchronizer) isOlderPage(page []model.Message) bool {
	if !s.loadingOlder || s.olderBefore == 0 {
		return false
	}
	for _, m := range page {
		if m.ID >= s.olderBefore {
			return false
		}
	}
	return true
}

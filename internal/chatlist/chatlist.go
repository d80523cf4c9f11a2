package chatlist

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/protocol"
	"go.uber.org/zap"
)

// Transport is the realtime connection as seen by the chat list.
type Transport interface {
	Send(cmd protocol.Command) error
	IsConnected() bool
	Connect(ctx context.Context) error
}

// Fetcher is the REST fallback for the chat list.
type Fetcher interface {
	ListChats(ctx context.Context) ([]model.Chat, error)
}

// Cache holds the chat list of a previous run.
type Cache interface {
	ListChats() ([]model.Chat, error)
}

// Identity resolves the local user.
type Identity interface {
	UserID() int64
}

// Synchronizer keeps the sorted chat list. All mutation happens on its own
// goroutine; readers get copies.
type Synchronizer struct {
	transport Transport
	rest      Fetcher
	cache     Cache
	self      Identity
	bus       *bus.Bus
	logger    *zap.Logger
	debounce  time.Duration

	ops    chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the loop goroutine.
	chats      []model.Chat
	loaded     bool
	refreshing bool
	active     int64
	userID     int64
	pushed     map[int64][]int64 // recent pushed message ids per chat
	query      string
	applied    string
	applyTimer *time.Timer
	applyC     <-chan time.Time

	mu       sync.RWMutex
	all      []model.Chat
	filtered []model.Chat
	filter   string
}

// New creates a chat list synchronizer. debounce delays filter recomputation.
func New(t Transport, rest Fetcher, cache Cache, self Identity, b *bus.Bus, debounce time.Duration, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		transport: t,
		rest:      rest,
		cache:     cache,
		self:      self,
		bus:       b,
		logger:    logger,
		debounce:  debounce,
		ops:       make(chan func()),
		done:      make(chan struct{}),
	}
}

// Start subscribes to realtime and conversation events and runs the loop.
func (s *Synchronizer) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.userID = s.self.UserID()
	// One queue so a push is never handled ahead of the handshake that
	// identifies us.
	events, unsub := s.bus.SubscribeReliable("rt.", bus.ConnConnected, "conversation.")

	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case op := <-s.ops:
				op()
			case evt := <-events:
				switch {
				case evt.Kind == bus.ConnConnected:
					s.handleConnected(evt)
				case strings.HasPrefix(evt.Kind, "conversation."):
					s.handleConversation(evt)
				default:
					s.handleRealtime(evt)
				}
			case <-s.applyC:
				s.applyFilter()
			case <-s.ctx.Done():
				if s.applyTimer != nil {
					s.applyTimer.Stop()
				}
				return
			}
		}
	}()
}

// Stop ends the loop and waits for it.
func (s *Synchronizer) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// post runs f on the loop and waits until it has run.
func (s *Synchronizer) post(ctx context.Context, f func()) error {
	ran := make(chan struct{})
	select {
	case s.ops <- func() { f(); close(ran) }:
	case <-s.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load shows whatever snapshot is already known, from memory or from the
// cache of a previous run, then asks for a fresh one: over the socket when
// connected, otherwise over REST. A REST failure triggers a connect; the
// transport requests the chat list itself once authenticated.
func (s *Synchronizer) Load(ctx context.Context) error {
	return s.post(ctx, func() {
		if !s.loaded && len(s.chats) == 0 {
			cached, err := s.cache.ListChats()
			if err != nil {
				s.logger.Warn("read cached chats", zap.Error(err))
			} else if len(cached) > 0 {
				s.chats = cached
				s.sortChats()
				s.publish()
			}
		}
		s.requestSnapshot()
	})
}

func (s *Synchronizer) requestSnapshot() {
	if s.transport.IsConnected() {
		if err := s.transport.Send(protocol.NewGetChats()); err == nil {
			s.refreshing = true
			return
		}
	}
	s.refreshing = true
	ctx := s.ctx
	go func() {
		chats, err := s.rest.ListChats(ctx)
		if err != nil {
			s.logger.Warn("chat list over REST failed", zap.Error(err))
			_ = s.post(ctx, func() { s.refreshing = false })
			if err := s.transport.Connect(ctx); err != nil {
				s.logger.Debug("connect after REST failure", zap.Error(err))
			}
			return
		}
		_ = s.post(ctx, func() { s.applySnapshot(chats) })
	}()
}

// SetFilter changes the title filter. The filtered view is recomputed once
// input has been idle for the debounce interval.
func (s *Synchronizer) SetFilter(ctx context.Context, q string) error {
	return s.post(ctx, func() {
		s.query = q
		if s.applyTimer != nil {
			s.applyTimer.Stop()
		}
		s.applyTimer = time.NewTimer(s.debounce)
		s.applyC = s.applyTimer.C
	})
}

// Chats returns the full list, most recently active first.
func (s *Synchronizer) Chats() []model.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.all)
}

// Filtered returns the list narrowed by the current filter, and the filter.
func (s *Synchronizer) Filtered() ([]model.Chat, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.filtered), s.filter
}

// Chat returns one cached chat.
func (s *Synchronizer) Chat(id int64) (model.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.all {
		if c.ID == id {
			return c, true
		}
	}
	return model.Chat{}, false
}

func (s *Synchronizer) handleRealtime(evt bus.Event) {
	switch f := evt.Payload.(type) {
	case *protocol.Chats:
		s.applySnapshot(f.Chats)
	case *protocol.NewMessage:
		s.applyNewMessage(f.ChatID, f.Message, evt.Timestamp)
	case *protocol.UnreadCounts:
		s.applyUnread(f.Counts)
	}
}

func (s *Synchronizer) handleConnected(evt bus.Event) {
	if f, ok := evt.Payload.(*protocol.Connected); ok && f.User.ID != 0 {
		s.userID = f.User.ID
	}
}

func (s *Synchronizer) handleConversation(evt bus.Event) {
	switch evt.Kind {
	case bus.ConversationOpened:
		id, ok := evt.Payload.(int64)
		if !ok {
			return
		}
		s.active = id
		if i := s.index(id); i >= 0 && s.chats[i].UnreadCount != 0 {
			s.chats[i].UnreadCount = 0
			s.publish()
		}
	case bus.ConversationClosed:
		s.active = 0
	}
}

// applySnapshot replaces the cache wholesale.
func (s *Synchronizer) applySnapshot(chats []model.Chat) {
	s.chats = slices.Clone(chats)
	for i := range s.chats {
		s.chats[i].UnreadCount = max(s.chats[i].UnreadCount, 0)
	}
	s.loaded = true
	s.refreshing = false
	s.sortChats()
	s.publish()
	s.logger.Debug("chat list snapshot applied", zap.Int("chats", len(s.chats)))
}

func (s *Synchronizer) applyNewMessage(chatID int64, m model.Message, seen time.Time) {
	i := s.index(chatID)
	if i < 0 {
		if !s.refreshing && s.transport.IsConnected() {
			if err := s.transport.Send(protocol.NewGetChats()); err == nil {
				s.refreshing = true
			}
		}
		return
	}
	if s.seenPush(chatID, m.ID) {
		s.logger.Debug("duplicate push ignored", zap.Int64("chat_id", chatID), zap.Int64("message_id", m.ID))
		return
	}
	c := &s.chats[i]
	if m.CreatedAt.IsZero() {
		m.CreatedAt = seen
	}
	c.LastMessage = m.Summary()
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
	if m.SenderID != s.userID && chatID != s.active {
		c.UnreadCount++
	}
	s.sortChats()
	s.publish()
}

// recentPushes bounds how many message ids are remembered per chat for
// spotting redelivered pushes.
const recentPushes = 32

// seenPush records id for chatID and reports whether it was already applied.
func (s *Synchronizer) seenPush(chatID, id int64) bool {
	if id == 0 {
		return false
	}
	recent := s.pushed[chatID]
	if slices.Contains(recent, id) {
		return true
	}
	if len(recent) == recentPushes {
		recent = recent[1:]
	}
	if s.pushed == nil {
		s.pushed = make(map[int64][]int64)
	}
	s.pushed[chatID] = append(recent, id)
	return false
}

// applyUnread overwrites counts for chats present in both the snapshot and
// the cache. The snapshot wins over local increments.
func (s *Synchronizer) applyUnread(counts map[int64]int) {
	changed := false
	for i := range s.chats {
		n, ok := counts[s.chats[i].ID]
		if !ok {
			continue
		}
		n = max(n, 0)
		if s.chats[i].UnreadCount != n {
			s.chats[i].UnreadCount = n
			changed = true
		}
	}
	if changed {
		s.publish()
	}
}

func (s *Synchronizer) applyFilter() {
	s.applyC = nil
	s.applyTimer = nil
	s.applied = s.query
	s.publish()
}

func (s *Synchronizer) index(id int64) int {
	return slices.IndexFunc(s.chats, func(c model.Chat) bool { return c.ID == id })
}

func (s *Synchronizer) sortChats() {
	slices.SortStableFunc(s.chats, func(a, b model.Chat) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
}

// publish copies the cache for readers and announces it.
func (s *Synchronizer) publish() {
	all := slices.Clone(s.chats)
	filtered := Filter(all, s.applied)

	s.mu.Lock()
	s.all = all
	s.filtered = filtered
	s.filter = s.applied
	s.mu.Unlock()

	s.bus.Emit(bus.ChatListUpdated, slices.Clone(all))
}

// Filter returns the chats whose title contains q, ignoring case.
func Filter(chats []model.Chat, q string) []model.Chat {
	q = strings.TrimSpace(q)
	if q == "" {
		return chats
	}
	q = strings.ToLower(q)
	out := make([]model.Chat, 0, len(chats))
	for _, c := range chats {
		if strings.Contains(strings.ToLower(c.Title), q) {
			out = append(out, c)
		}
	}
	return out
}

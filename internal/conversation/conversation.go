package conversation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/protocol"
	"github.com/matheus3301/msync/internal/restapi"
	"go.uber.org/zap"
)

var (
	ErrNoConversation = errors.New("no conversation open")
	ErrEmptyMessage   = errors.New("message is empty")
)

// Transport is the realtime connection as seen by a conversation.
type Transport interface {
	Send(cmd protocol.Command) error
	IsConnected() bool
	Connect(ctx context.Context) error
}

// Backend is the REST fallback. *restapi.Client satisfies it.
type Backend interface {
	ListMessages(ctx context.Context, chatID int64, limit int, beforeID *int64, forceRefresh bool) ([]model.Message, error)
	SendMessage(ctx context.Context, chatID int64, text string, replyToID *int64) (model.Message, error)
	UploadMedia(ctx context.Context, chatID int64, up restapi.Upload) (model.Message, error)
	MarkRead(ctx context.Context, chatID, messageID int64) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

// Cache is the local message store. *store.DB satisfies it.
type Cache interface {
	ListMessages(chatID, beforeID int64, limit int) ([]model.Message, error)
	UpsertMessages(msgs []model.Message) error
	DeleteMessage(chatID, id int64) error
	MarkMessageRead(id int64) error
}

// Identity resolves the local user.
type Identity interface {
	UserID() int64
}

// Options tunes a Synchronizer.
type Options struct {
	PageSize     int
	SendTimeout  time.Duration
	TypingExpiry time.Duration
}

// View is a copy of the open conversation.
type View struct {
	ChatID       int64
	Messages     []model.Message
	Loading      bool
	LoadingOlder bool
	HasMore      bool
	Typing       []string
	LastError    error
}

// Event payloads published under conversation.*.
type (
	SendQueued struct {
		ChatID          int64
		ClientMessageID string
		TempID          string
		Text            string
		ReplyToID       *int64
	}
	SendAck struct {
		ChatID          int64
		ClientMessageID string
		TempID          string
		Message         model.Message
	}
	SendFailed struct {
		ChatID          int64
		ClientMessageID string
		TempID          string
		Err             error
	}
	TypingState struct {
		ChatID int64
		Users  []string
	}
)

type typist struct {
	name  string
	until time.Time
}

// Synchronizer owns the history of the one open conversation and every
// optimistic send. State is mutated only on its loop goroutine.
type Synchronizer struct {
	transport Transport
	rest      Backend
	cache     Cache
	self      Identity
	bus       *bus.Bus
	logger    *zap.Logger
	opts      Options

	ops    chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the loop goroutine.
	chatID       int64
	gen          uint64
	messages     []model.Message
	loading      bool
	loadingOlder bool
	olderBefore  int64 // cursor of the outstanding older-page request
	hasMore      bool
	awaitConnect bool
	lastErr      error
	typing       map[int64]typist
	pending      *pendingTable
	userID       int64

	mu   sync.RWMutex
	view View
}

// New creates a conversation synchronizer.
func New(t Transport, rest Backend, cache Cache, self Identity, b *bus.Bus, opts Options, logger *zap.Logger) *Synchronizer {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = 6 * time.Second
	}
	return &Synchronizer{
		transport: t,
		rest:      rest,
		cache:     cache,
		self:      self,
		bus:       b,
		logger:    logger,
		opts:      opts,
		ops:       make(chan func()),
		done:      make(chan struct{}),
		typing:    make(map[int64]typist),
		pending:   newPendingTable(),
	}
}

// Start subscribes to realtime events and runs the loop.
func (s *Synchronizer) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.userID = s.self.UserID()
	events, unsub := s.bus.SubscribeReliable("rt.", bus.ConnConnected)

	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case op := <-s.ops:
				op()
			case evt := <-events:
				if evt.Kind == bus.ConnConnected {
					s.handleConnected(evt)
				} else {
					s.handleRealtime(evt)
				}
			case <-s.ctx.Done():
				for _, p := range s.pending.byID {
					s.pending.settle(p, p.state)
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

// View returns a copy of the open conversation.
func (s *Synchronizer) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.view
	v.Messages = slices.Clone(v.Messages)
	v.Typing = slices.Clone(v.Typing)
	return v
}

// enqueue hands f to the loop without waiting for it to run.
func (s *Synchronizer) enqueue(f func()) {
	select {
	case s.ops <- f:
	case <-s.done:
	}
}

// call runs f on the loop and returns its error.
func (s *Synchronizer) call(ctx context.Context, f func() error) error {
	var err error
	ran := make(chan struct{})
	select {
	case s.ops <- func() { err = f(); close(ran) }:
	case <-s.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish copies the state for readers and announces it.
func (s *Synchronizer) publish() {
	v := View{
		ChatID:       s.chatID,
		Messages:     slices.Clone(s.messages),
		Loading:      s.loading,
		LoadingOlder: s.loadingOlder,
		HasMore:      s.hasMore,
		Typing:       s.typingNames(),
		LastError:    s.lastErr,
	}
	s.mu.Lock()
	s.view = v
	s.mu.Unlock()
	s.bus.Emit(bus.ConversationUpdated, v)
}

func (s *Synchronizer) typingNames() []string {
	if len(s.typing) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.typing))
	for _, t := range s.typing {
		names = append(names, t.name)
	}
	slices.Sort(names)
	return names
}

func (s *Synchronizer) indexByID(id int64) int {
	if id == 0 {
		return -1
	}
	return slices.IndexFunc(s.messages, func(m model.Message) bool { return m.ID == id })
}

func (s *Synchronizer) indexByCorrelation(id string) int {
	return slices.IndexFunc(s.messages, func(m model.Message) bool { return m.Pending() && m.MatchesCorrelation(id) })
}

// insertConfirmed places m among the confirmed messages by id, ahead of any
// optimistic tail. An existing entry with the same id is replaced.
func (s *Synchronizer) insertConfirmed(m model.Message) {
	if i := s.indexByID(m.ID); i >= 0 {
		s.messages[i] = m
		return
	}
	i := slices.IndexFunc(s.messages, func(x model.Message) bool { return x.Pending() || x.ID > m.ID })
	if i < 0 {
		s.messages = append(s.messages, m)
		return
	}
	s.messages = slices.Insert(s.messages, i, m)
}

// oldestID is the id of the oldest confirmed message, or 0.
func (s *Synchronizer) oldestID() int64 {
	var oldest int64
	for _, m := range s.messages {
		if m.ID != 0 && (oldest == 0 || m.ID < oldest) {
			oldest = m.ID
		}
	}
	return oldest
}

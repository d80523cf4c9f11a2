package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/protocol"
	"github.com/matheus3301/msync/internal/store"
	"go.uber.org/zap"
)

// DefaultFlushInterval is how often the latest chat list is written out.
const DefaultFlushInterval = 500 * time.Millisecond

// Stored is the payload of the sync.* events.
type Stored struct {
	ChatID int64
	Count  int
}

// Engine mirrors realtime state into the local cache so the next start can
// show chats and messages before the network answers. It subscribes to the
// "rt." pushes and to chat list updates; writes are idempotent.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	marks  *Checkpoints
	logger *zap.Logger
	flush  time.Duration
	cancel context.CancelFunc
	done   chan struct{}

	// Latest chat list not yet written; only touched by the loop.
	chats []model.Chat
	dirty bool
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		marks:  NewCheckpoints(db),
		logger: logger,
		flush:  DefaultFlushInterval,
	}
}

// Checkpoints exposes the engine's sync checkpoints.
func (e *Engine) Checkpoints() *Checkpoints { return e.marks }

// Start subscribes to the bus and begins ingesting.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	rt, unsubRT := e.bus.SubscribeReliable("rt.")
	lists, unsubLists := e.bus.SubscribeReliable(bus.ChatListUpdated)

	go func() {
		defer close(e.done)
		defer unsubRT()
		defer unsubLists()
		ticker := time.NewTicker(e.flush)
		defer ticker.Stop()

		for {
			select {
			case evt := <-rt:
				e.handleEvent(evt)
			case evt := <-lists:
				if chats, ok := evt.Payload.([]model.Chat); ok {
					e.chats, e.dirty = chats, true
				}
			case <-ticker.C:
				e.flushChats()
			case <-ctx.Done():
				e.flushChats()
				return
			}
		}
	}()
}

// Stop stops the engine after writing any pending chat list.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch f := evt.Payload.(type) {
	case *protocol.Messages:
		if err := e.IngestPage(f.ChatID, f.Messages); err != nil {
			e.logger.Error("failed to ingest page", zap.Error(err), zap.Int64("chat_id", f.ChatID))
		}
	case *protocol.NewMessage:
		m := f.Message
		if m.ChatID == 0 {
			m.ChatID = f.ChatID
		}
		if err := e.IngestMessage(m); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.Int64("message_id", m.ID))
		}
	case *protocol.MessageRead:
		if err := e.db.MarkMessageRead(f.MessageID); err != nil {
			e.logger.Error("failed to store read mark", zap.Error(err), zap.Int64("message_id", f.MessageID))
		}
	case *protocol.MessageDeleted:
		if err := e.db.DeleteMessage(f.ChatID, f.MessageID); err != nil {
			e.logger.Error("failed to delete message", zap.Error(err), zap.Int64("message_id", f.MessageID))
		}
	}
}

// IngestMessage stores one pushed message (idempotent).
func (e *Engine) IngestMessage(m model.Message) error {
	if m.Pending() {
		return nil
	}
	if err := e.db.UpsertMessages([]model.Message{m}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	e.bus.Emit(bus.SyncMessagesStored, Stored{ChatID: m.ChatID, Count: 1})
	return nil
}

// IngestPage stores a page of history in one transaction.
func (e *Engine) IngestPage(chatID int64, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := make([]model.Message, len(msgs))
	copy(batch, msgs)
	for i := range batch {
		if batch[i].ChatID == 0 {
			batch[i].ChatID = chatID
		}
	}
	if err := e.db.UpsertMessages(batch); err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	if err := e.marks.Touch(MessagesSyncedAt(chatID)); err != nil {
		e.logger.Warn("failed to update checkpoint", zap.Error(err))
	}
	e.logger.Debug("page ingested", zap.Int64("chat_id", chatID), zap.Int("messages", len(batch)))
	e.bus.Emit(bus.SyncMessagesStored, Stored{ChatID: chatID, Count: len(batch)})
	return nil
}

// IngestChats replaces the cached chat list.
func (e *Engine) IngestChats(chats []model.Chat) error {
	if err := e.db.ReplaceChats(chats); err != nil {
		return fmt.Errorf("replace chats: %w", err)
	}
	if err := e.marks.Touch(ChatsSyncedAt); err != nil {
		e.logger.Warn("failed to update checkpoint", zap.Error(err))
	}
	e.bus.Emit(bus.SyncChatsStored, Stored{Count: len(chats)})
	return nil
}

func (e *Engine) flushChats() {
	if !e.dirty {
		return
	}
	e.dirty = false
	if err := e.IngestChats(e.chats); err != nil {
		e.logger.Error("failed to store chat list", zap.Error(err), zap.Int("count", len(e.chats)))
	}
}

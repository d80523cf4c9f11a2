package outbox

import (
	"context"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/conversation"
	"github.com/matheus3301/msync/internal/store"
	"go.uber.org/zap"
)

// InterruptedReason is recorded on sends left pending by a previous run.
const InterruptedReason = "interrupted: client exited before the server confirmed"

// Journal records every locally originated send in the outbox table, from
// the optimistic append to its ack or failure. Sending itself is done by the
// conversation synchronizer.
type Journal struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJournal creates a new outbox journal.
func NewJournal(db *store.DB, b *bus.Bus, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start fails entries a previous run left pending, then follows the
// conversation's send events.
func (j *Journal) Start(ctx context.Context) {
	if n, err := j.db.FailStaleOutbox(InterruptedReason); err != nil {
		j.logger.Error("failed to close stale outbox entries", zap.Error(err))
	} else if n > 0 {
		j.logger.Info("stale outbox entries failed", zap.Int64("count", n))
	}

	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	ch, unsub := j.bus.SubscribeReliable("conversation.send_")

	go func() {
		defer close(j.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				j.record(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the journal.
func (j *Journal) Stop() {
	if j.cancel != nil {
		j.cancel()
		<-j.done
	}
}

func (j *Journal) record(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case conversation.SendQueued:
		err := j.db.QueueOutbox(&store.OutboxEntry{
			ClientMsgID: p.ClientMessageID,
			TempID:      p.TempID,
			ChatID:      p.ChatID,
			Body:        p.Text,
			ReplyToID:   p.ReplyToID,
		})
		if err != nil {
			j.logger.Error("failed to journal send", zap.Error(err), zap.String("client_msg_id", p.ClientMessageID))
		}
	case conversation.SendAck:
		if err := j.db.MarkOutboxSent(p.ClientMessageID, p.Message.ID); err != nil {
			j.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", p.ClientMessageID))
		}
	case conversation.SendFailed:
		msg := "unknown error"
		if p.Err != nil {
			msg = p.Err.Error()
		}
		if err := j.db.MarkOutboxFailed(p.ClientMessageID, msg); err != nil {
			j.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_msg_id", p.ClientMessageID))
		}
	}
}

// Pending returns the sends still awaiting confirmation.
func (j *Journal) Pending() ([]store.OutboxEntry, error) {
	return j.db.ListOutbox(store.OutboxPending)
}

// Failed returns the sends that were rolled back.
func (j *Journal) Failed() ([]store.OutboxEntry, error) {
	return j.db.ListOutbox(store.OutboxFailed)
}

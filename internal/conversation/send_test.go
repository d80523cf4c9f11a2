package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/msync/internal/apierr"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/protocol"
	"github.com/matheus3301/msync/internal/restapi"
)

func pendingCount(v View) int {
	n := 0
	for _, m := range v.Messages {
		if m.Pending() {
			n++
		}
	}
	return n
}

// countLogical counts entries that are, or resolved from, the given send.
func countLogical(v View, clientID string, serverID int64) int {
	n := 0
	for _, m := range v.Messages {
		if m.ClientMessageID == clientID || (serverID != 0 && m.ID == serverID) {
			n++
		}
	}
	return n
}

func nextEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestSocketSendReconciledByNewMessage(t *testing.T) {
	h := newHarness(t, true, Options{})
	events, unsub := h.bus.SubscribeReliable("conversation.send")
	defer unsub()
	h.openLoaded(t, 1, msgs(1, 1, 2))

	local, err := h.sync.SendText(context.Background(), "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if local.ClientMessageID == "" || local.TempID == "" || local.Status != model.StatusPending {
		t.Fatalf("optimistic message = %+v", local)
	}
	v := h.sync.View()
	if last := v.Messages[len(v.Messages)-1]; last.TempID != local.TempID {
		t.Errorf("optimistic entry not at tail: %+v", last)
	}

	sends := h.transport.commands(protocol.TypeSendMessage)
	if len(sends) != 1 {
		t.Fatalf("send_message sent %d times", len(sends))
	}
	cmd := sends[0].(*protocol.SendMessage)
	if cmd.ClientMessageID != local.ClientMessageID || cmd.TempID != local.TempID || cmd.ChatID != 1 {
		t.Errorf("command = %+v", cmd)
	}

	echo := &protocol.NewMessage{
		ChatID:          1,
		ClientMessageID: local.ClientMessageID,
		Message:         model.Message{ID: 500, ChatID: 1, SenderID: me, Type: model.Text, Content: "hello"},
	}
	h.bus.Emit(bus.RTNewMessage, echo)
	waitFor(t, "reconciled", func() bool { return pendingCount(h.sync.View()) == 0 })

	// The same push again, as a duplicate delivery without correlation.
	h.bus.Emit(bus.RTNewMessage, &protocol.NewMessage{ChatID: 1, Message: echo.Message})
	h.bus.Emit(bus.RTMessageRead, &protocol.MessageRead{ChatID: 1, MessageID: 1})
	waitFor(t, "flush", func() bool { return h.sync.View().Messages[0].IsRead })

	v = h.sync.View()
	if n := countLogical(v, local.ClientMessageID, 500); n != 1 {
		t.Errorf("logical message appears %d times: %+v", n, v.Messages)
	}
	if last := v.Messages[len(v.Messages)-1]; last.ID != 500 || last.Status != model.StatusSent {
		t.Errorf("resolved entry = %+v", last)
	}

	ack := nextEvent(t, events, bus.ConversationSendAck).Payload.(SendAck)
	if ack.ClientMessageID != local.ClientMessageID || ack.Message.ID != 500 {
		t.Errorf("ack = %+v", ack)
	}
	if len(h.transport.commands(protocol.TypeReadReceipt)) != 0 {
		t.Error("own message echo triggered a read receipt")
	}
}

func TestSocketSendReconciledByMessageSent(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.openLoaded(t, 1, nil)

	local, err := h.sync.SendText(context.Background(), "hi", nil)
	if err != nil {
		t.Fatal(err)
	}
	h.bus.Emit(bus.RTMessageSent, &protocol.MessageSent{
		MessageID:       501,
		ClientMessageID: local.ClientMessageID,
		TempID:          local.TempID,
		ChatID:          1,
		Timestamp:       "2026-03-01T12:00:00Z",
	})
	waitFor(t, "ack", func() bool { return pendingCount(h.sync.View()) == 0 })

	// The broadcast echo carries no correlation id.
	h.bus.Emit(bus.RTNewMessage, &protocol.NewMessage{
		ChatID:  1,
		Message: model.Message{ID: 501, ChatID: 1, SenderID: me, Type: model.Text, Content: "hi"},
	})
	h.bus.Emit(bus.RTMessageRead, &protocol.MessageRead{ChatID: 1, MessageID: 501})
	waitFor(t, "flush", func() bool {
		v := h.sync.View()
		return len(v.Messages) > 0 && v.Messages[0].IsRead
	})

	v := h.sync.View()
	if len(v.Messages) != 1 || v.Messages[0].ID != 501 {
		t.Fatalf("messages = %+v", v.Messages)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !v.Messages[0].CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want server timestamp", v.Messages[0].CreatedAt)
	}
}

func TestEchoWithoutCorrelationMatchesByContent(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.openLoaded(t, 1, nil)

	if _, err := h.sync.SendText(context.Background(), "same text", nil); err != nil {
		t.Fatal(err)
	}
	h.bus.Emit(bus.RTNewMessage, &protocol.NewMessage{
		ChatID:  1,
		Message: model.Message{ID: 77, ChatID: 1, SenderID: me, Type: model.Text, Content: "same text"},
	})
	waitFor(t, "matched", func() bool { return pendingCount(h.sync.View()) == 0 })
	if v := h.sync.View(); len(v.Messages) != 1 {
		t.Errorf("messages = %+v", v.Messages)
	}
}

func TestRESTSendReplacesInPlace(t *testing.T) {
	h := newHarness(t, false, Options{})
	h.rest.pages = func(chatID int64, _ *int64, _ bool) ([]model.Message, error) {
		return msgs(chatID, 1, 2), nil
	}
	h.rest.send = func(chatID int64, text string) (model.Message, error) {
		return model.Message{ID: 600, ChatID: chatID, SenderID: me, Type: model.Text, Content: text}, nil
	}
	h.open(t, 1)
	waitFor(t, "loaded", func() bool { return !h.sync.View().Loading })

	local, err := h.sync.SendText(context.Background(), "via rest", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "REST ack", func() bool { return pendingCount(h.sync.View()) == 0 })

	v := h.sync.View()
	if got := ids(v); len(got) != 3 || got[2] != 600 {
		t.Errorf("ids = %v", got)
	}
	if v.Messages[2].ClientMessageID != local.ClientMessageID {
		t.Error("resolved entry lost its correlation id")
	}
	if len(h.transport.commands(protocol.TypeSendMessage)) != 0 {
		t.Error("socket used while disconnected")
	}

	cached, err := h.db.ListMessages(1, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 3 {
		t.Errorf("cache holds %d messages, want 3", len(cached))
	}
}

func TestRESTSendFailureRollsBack(t *testing.T) {
	h := newHarness(t, false, Options{})
	events, unsub := h.bus.SubscribeReliable(bus.ConversationSendFailed)
	defer unsub()
	h.rest.send = func(int64, string) (model.Message, error) {
		return model.Message{}, apierr.ErrRateLimited
	}
	h.open(t, 1)
	waitFor(t, "loaded", func() bool { return !h.sync.View().Loading })

	local, err := h.sync.SendText(context.Background(), "doomed", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "rollback", func() bool { return countLogical(h.sync.View(), local.ClientMessageID, 0) == 0 })

	failed := nextEvent(t, events, bus.ConversationSendFailed).Payload.(SendFailed)
	if failed.ClientMessageID != local.ClientMessageID || !errors.Is(failed.Err, apierr.ErrRateLimited) {
		t.Errorf("failure = %+v", failed)
	}
	if !errors.Is(h.sync.View().LastError, apierr.ErrRateLimited) {
		t.Errorf("LastError = %v", h.sync.View().LastError)
	}
}

func TestSendTimeoutRollsBackAndForcesReload(t *testing.T) {
	h := newHarness(t, true, Options{SendTimeout: 30 * time.Millisecond})
	events, unsub := h.bus.SubscribeReliable(bus.ConversationSendFailed)
	defer unsub()
	h.openLoaded(t, 1, msgs(1, 1, 1))

	local, err := h.sync.SendText(context.Background(), "lost", nil)
	if err != nil {
		t.Fatal(err)
	}
	failed := nextEvent(t, events, bus.ConversationSendFailed).Payload.(SendFailed)
	if !errors.Is(failed.Err, apierr.ErrSendTimeout) {
		t.Errorf("failure = %v, want ErrSendTimeout", failed.Err)
	}
	if n := pendingCount(h.sync.View()); n != 0 {
		t.Errorf("%d optimistic entries left after timeout", n)
	}

	waitFor(t, "forced reload", func() bool {
		for _, c := range h.transport.commands(protocol.TypeGetMessages) {
			if c.(*protocol.GetMessages).ForceRefresh {
				return true
			}
		}
		return false
	})

	// The message did reach the server; the reload brings it back once.
	h.bus.Emit(bus.RTMessageSent, &protocol.MessageSent{MessageID: 2, ClientMessageID: local.ClientMessageID, ChatID: 1})
	page := append(msgs(1, 1, 1), model.Message{ID: 2, ChatID: 1, SenderID: me, Type: model.Text, Content: "lost"})
	h.page(1, page)
	waitFor(t, "reloaded", func() bool { return len(h.sync.View().Messages) == 2 })
	h.bus.Emit(bus.RTNewMessage, &protocol.NewMessage{ChatID: 1, Message: page[1]})
	h.bus.Emit(bus.RTMessageRead, &protocol.MessageRead{ChatID: 1, MessageID: 1})
	waitFor(t, "flush", func() bool { return h.sync.View().Messages[0].IsRead })
	if got := ids(h.sync.View()); len(got) != 2 {
		t.Errorf("ids = %v", got)
	}
}

func TestSendFallsBackToRESTWhenOffline(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.rest.send = func(chatID int64, text string) (model.Message, error) {
		return model.Message{ID: 9, ChatID: chatID, SenderID: me, Content: text}, nil
	}
	h.openLoaded(t, 1, nil)
	h.transport.setConnected(false)

	if _, err := h.sync.SendText(context.Background(), "x", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "REST ack", func() bool {
		v := h.sync.View()
		return len(v.Messages) == 1 && v.Messages[0].ID == 9
	})
}

func TestSendRejectsEmptyText(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.openLoaded(t, 1, nil)
	if _, err := h.sync.SendText(context.Background(), "  \n", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("SendText() error = %v", err)
	}
}

func TestPendingSurvivesChatSwitch(t *testing.T) {
	h := newHarness(t, true, Options{})
	events, unsub := h.bus.SubscribeReliable(bus.ConversationSendAck)
	defer unsub()
	h.openLoaded(t, 1, nil)

	local, err := h.sync.SendText(context.Background(), "first", nil)
	if err != nil {
		t.Fatal(err)
	}
	h.openLoaded(t, 2, nil)

	h.bus.Emit(bus.RTMessageSent, &protocol.MessageSent{MessageID: 40, ClientMessageID: local.ClientMessageID, ChatID: 1})
	ack := nextEvent(t, events, bus.ConversationSendAck).Payload.(SendAck)
	if ack.ChatID != 1 || ack.Message.ID != 40 {
		t.Errorf("ack = %+v", ack)
	}
	if len(h.sync.View().Messages) != 0 {
		t.Error("ack for chat 1 leaked into chat 2")
	}
}

func TestSendMediaUploadsOverREST(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.rest.upload = func(chatID int64, up restapi.Upload) (model.Message, error) {
		return model.Message{ID: 70, ChatID: chatID, SenderID: me, Type: up.Type, FileURL: "/files/" + up.FileName}, nil
	}
	h.openLoaded(t, 1, nil)

	local, err := h.sync.SendMedia(context.Background(), restapi.Upload{
		Type:     model.Photo,
		FileName: "cat.jpg",
		Content:  strings.NewReader("jpeg"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if local.Type != model.Photo {
		t.Errorf("placeholder type = %q", local.Type)
	}
	waitFor(t, "upload", func() bool {
		v := h.sync.View()
		return len(v.Messages) == 1 && v.Messages[0].ID == 70
	})
	if len(h.transport.commands(protocol.TypeSendMessage)) != 0 {
		t.Error("media went over the socket")
	}

	if _, err := h.sync.SendMedia(context.Background(), restapi.Upload{Type: model.Text}); err == nil {
		t.Error("SendMedia accepted a text upload")
	}
}

func TestMarkReadAttemptsBothPaths(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.rest.markErr = errors.New("500")
	h.openLoaded(t, 1, msgs(1, 1, 2))

	err := h.sync.MarkRead(context.Background(), 2)
	if err == nil {
		t.Fatal("MarkRead() should return the REST error")
	}
	if !h.sync.View().Messages[1].IsRead {
		t.Error("local read mark rolled back")
	}
	receipts := h.transport.commands(protocol.TypeReadReceipt)
	if len(receipts) != 1 || receipts[0].(*protocol.ReadReceipt).MessageID != 2 {
		t.Errorf("socket receipts = %+v", receipts)
	}
}

func TestDeleteRemovesOnlyAfterREST(t *testing.T) {
	h := newHarness(t, true, Options{})
	if err := h.db.UpsertMessages(msgs(1, 1, 2)); err != nil {
		t.Fatal(err)
	}
	h.rest.deleteErr = errors.New("403")
	h.openLoaded(t, 1, msgs(1, 1, 2))

	if err := h.sync.Delete(context.Background(), 1); err == nil {
		t.Fatal("Delete() should fail")
	}
	if len(h.sync.View().Messages) != 2 {
		t.Error("message removed despite REST failure")
	}
	if len(h.transport.commands(protocol.TypeDeleteNotice)) != 0 {
		t.Error("delete notice sent despite REST failure")
	}

	h.rest.mu.Lock()
	h.rest.deleteErr = nil
	h.rest.mu.Unlock()
	if err := h.sync.Delete(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if got := ids(h.sync.View()); len(got) != 1 || got[0] != 2 {
		t.Errorf("ids = %v", got)
	}
	if len(h.transport.commands(protocol.TypeDeleteNotice)) != 1 {
		t.Error("delete notice not sent")
	}
	cached, _ := h.db.ListMessages(1, 0, 10)
	if len(cached) != 1 {
		t.Errorf("cache holds %d messages, want 1", len(cached))
	}
}

func TestTypingCommands(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.openLoaded(t, 3, nil)
	ctx := context.Background()

	if err := h.sync.StartTyping(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.sync.StopTyping(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.transport.commands(protocol.TypeTypingStart)) != 1 || len(h.transport.commands(protocol.TypeTypingEnd)) != 1 {
		t.Error("typing frames not sent")
	}
}

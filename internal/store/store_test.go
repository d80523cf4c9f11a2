package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/msync/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 || result.From != 2 {
		t.Errorf("result = %+v, want 2 -> 2 (init + outbox)", result)
	}
}

func TestMigrateFreshDatabase(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed || result.From != 0 || result.Version != 2 {
		t.Errorf("result = %+v, want 0 -> 2 changed", result)
	}
}

func TestReplaceChatsRoundTrip(t *testing.T) {
	db := testDB(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	old := []model.Chat{{ID: 99, Title: "gone"}}
	if err := db.ReplaceChats(old); err != nil {
		t.Fatal(err)
	}

	fresh := []model.Chat{
		{ID: 1, Title: "older", Type: model.Direct, UpdatedAt: at},
		{
			ID: 2, Title: "newer", Type: model.Group, UpdatedAt: at.Add(time.Hour), UnreadCount: 4,
			LastMessage: &model.LastMessage{Text: "Photo", Type: model.Photo, SenderID: 5, CreatedAt: at.Add(time.Hour)},
			Members:     []model.Member{{ID: 5, Username: "bo"}},
		},
	}
	if err := db.ReplaceChats(fresh); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2 (snapshot replaces)", len(chats))
	}
	if chats[0].ID != 2 || chats[1].ID != 1 {
		t.Errorf("order = %d,%d, want 2,1", chats[0].ID, chats[1].ID)
	}
	c := chats[0]
	if c.UnreadCount != 4 || c.Type != model.Group || !c.UpdatedAt.Equal(at.Add(time.Hour)) {
		t.Errorf("chat = %+v", c)
	}
	if c.LastMessage == nil || c.LastMessage.Text != "Photo" || c.LastMessage.SenderID != 5 {
		t.Errorf("last message = %+v", c.LastMessage)
	}
	if len(c.Members) != 1 || c.Members[0].Username != "bo" {
		t.Errorf("members = %+v", c.Members)
	}
	if chats[1].LastMessage != nil {
		t.Errorf("chat without last message got %+v", chats[1].LastMessage)
	}
}

func TestGetChat(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&model.Chat{ID: 3, Title: "A"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertChat(&model.Chat{ID: 3, Title: "A2"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetChat(3)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Title != "A2" {
		t.Errorf("got %v, want A2", c)
	}

	c, err = db.GetChat(404)
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil for missing chat")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := model.Message{ID: 10, ChatID: 1, Content: "hello", Type: model.Text, CreatedAt: time.UnixMilli(1000)}
	if err := db.UpsertMessages([]model.Message{msg}); err != nil {
		t.Fatal(err)
	}
	msg.Content = "hello edited"
	pending := model.Message{TempID: "t", ChatID: 1, Content: "local only"}
	if err := db.UpsertMessages([]model.Message{msg, pending}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(1, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert, pending skipped)", len(msgs))
	}
	if msgs[0].Content != "hello edited" {
		t.Errorf("content = %q, want hello edited", msgs[0].Content)
	}
}

func TestListMessagesKeyset(t *testing.T) {
	db := testDB(t)

	var batch []model.Message
	for id := int64(1); id <= 120; id++ {
		batch = append(batch, model.Message{ID: id, ChatID: 7, Content: "m"})
	}
	batch = append(batch, model.Message{ID: 500, ChatID: 8, Content: "other chat"})
	if err := db.UpsertMessages(batch); err != nil {
		t.Fatal(err)
	}

	latest, err := db.ListMessages(7, 0, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 50 || latest[0].ID != 71 || latest[49].ID != 120 {
		t.Fatalf("latest page = %d msgs [%d..%d], want 50 [71..120]", len(latest), latest[0].ID, latest[len(latest)-1].ID)
	}

	older, err := db.ListMessages(7, latest[0].ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 50 || older[0].ID != 21 || older[49].ID != 70 {
		t.Errorf("older page = %d msgs [%d..%d], want 50 [21..70]", len(older), older[0].ID, older[len(older)-1].ID)
	}

	oldest, err := db.ListMessages(7, older[0].ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(oldest) != 20 {
		t.Errorf("oldest page = %d msgs, want 20", len(oldest))
	}
}

func TestDeleteAndMarkRead(t *testing.T) {
	db := testDB(t)
	reply := int64(1)
	if err := db.UpsertMessages([]model.Message{
		{ID: 1, ChatID: 2},
		{ID: 2, ChatID: 2, ReplyToID: &reply},
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkMessageRead(2); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessage(2, 1); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(2, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != 2 {
		t.Fatalf("messages = %+v, want only id 2", msgs)
	}
	if !msgs[0].IsRead {
		t.Error("IsRead = false after MarkMessageRead")
	}
	if msgs[0].ReplyToID == nil || *msgs[0].ReplyToID != 1 {
		t.Errorf("ReplyToID = %v, want 1", msgs[0].ReplyToID)
	}

	// A later upsert without the read flag must not clear it.
	if err := db.UpsertMessages([]model.Message{{ID: 2, ChatID: 2}}); err != nil {
		t.Fatal(err)
	}
	msgs, _ = db.ListMessages(2, 0, 10)
	if !msgs[0].IsRead {
		t.Error("read flag lost on re-upsert")
	}
}

func TestOutbox(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"c1", "c2", "c3"} {
		if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: id, TempID: "t-" + id, ChatID: 1, Body: "msg " + id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "c1", ChatID: 1}); err == nil {
		t.Error("duplicate client id should be rejected")
	}

	if err := db.MarkOutboxSent("c1", 500); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("c2", "timeout"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.ListOutbox(OutboxPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != "c3" || pending[0].TempID != "t-c3" {
		t.Fatalf("pending = %+v, want only c3", pending)
	}

	n, err := db.FailStaleOutbox("daemon restarted")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("FailStaleOutbox() = %d, want 1", n)
	}
	failed, err := db.ListOutbox(OutboxFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 {
		t.Errorf("failed = %d entries, want 2", len(failed))
	}
	sent, _ := db.ListOutbox(OutboxSent)
	if len(sent) != 1 || sent[0].ServerMsgID != 500 {
		t.Errorf("sent = %+v", sent)
	}
}

func TestDeviceIDIsStable(t *testing.T) {
	db := testDB(t)

	first, err := db.DeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if first == "" {
		t.Fatal("empty device id")
	}
	second, err := db.DeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("device id changed: %q -> %q", first, second)
	}
}

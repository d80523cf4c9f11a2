package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/msync/internal/apierr"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/conversation"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/restapi"
	"github.com/matheus3301/msync/internal/status"
	"github.com/matheus3301/msync/internal/store"
	"github.com/matheus3301/msync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeConn struct {
	mu    sync.Mutex
	state status.State
	err   error
}

func (f *fakeConn) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.state = status.Authenticated
	return nil
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	f.state = status.Disconnected
	f.mu.Unlock()
}

func (f *fakeConn) Status() transport.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transport.Snapshot{State: f.state}
}

type fakeChats struct {
	mu     sync.Mutex
	chats  []model.Chat
	filter string
	loads  int
}

func (f *fakeChats) Load(context.Context) error {
	f.mu.Lock()
	f.loads++
	f.mu.Unlock()
	return nil
}

func (f *fakeChats) SetFilter(_ context.Context, q string) error {
	f.mu.Lock()
	f.filter = q
	f.mu.Unlock()
	return nil
}

func (f *fakeChats) Chats() []model.Chat { return f.chats }

func (f *fakeChats) Chat(id int64) (model.Chat, bool) {
	for _, c := range f.chats {
		if c.ID == id {
			return c, true
		}
	}
	return model.Chat{}, false
}

func (f *fakeChats) Filtered() ([]model.Chat, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats, f.filter
}

type fakeConv struct {
	mu      sync.Mutex
	view    conversation.View
	sent    []string
	uploads []restapi.Upload
	deleted []int64
	typing  []bool
	delErr  error
}

func (f *fakeConv) Open(_ context.Context, chatID int64) error {
	f.mu.Lock()
	f.view = conversation.View{ChatID: chatID, Loading: true}
	f.mu.Unlock()
	return nil
}

func (f *fakeConv) Close(context.Context) error {
	f.mu.Lock()
	f.view = conversation.View{}
	f.mu.Unlock()
	return nil
}

func (f *fakeConv) LoadOlder(context.Context) error { return nil }

func (f *fakeConv) View() conversation.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeConv) SendText(_ context.Context, text string, _ *int64) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.view.ChatID == 0 {
		return model.Message{}, conversation.ErrNoConversation
	}
	if text == "" {
		return model.Message{}, conversation.ErrEmptyMessage
	}
	f.sent = append(f.sent, text)
	return model.Message{TempID: "tmp-1", ClientMessageID: "c-1", ChatID: f.view.ChatID, Content: text, Status: model.StatusPending}, nil
}

func (f *fakeConv) SendMedia(_ context.Context, up restapi.Upload) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, up)
	return model.Message{TempID: "tmp-2", Type: up.Type, Content: up.FileName}, nil
}

func (f *fakeConv) MarkRead(context.Context, int64) error { return nil }

func (f *fakeConv) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeConv) StartTyping(context.Context) error {
	f.mu.Lock()
	f.typing = append(f.typing, true)
	f.mu.Unlock()
	return nil
}

func (f *fakeConv) StopTyping(context.Context) error {
	f.mu.Lock()
	f.typing = append(f.typing, false)
	f.mu.Unlock()
	return nil
}

type fakeDirectory struct {
	personal []int64
	groups   []string
}

func (d *fakeDirectory) CreatePersonalChat(_ context.Context, userID int64) (model.Chat, error) {
	if userID == 404 {
		return model.Chat{}, &apierr.ServerError{Code: 404, Message: "user not found"}
	}
	d.personal = append(d.personal, userID)
	return model.Chat{ID: 100 + userID, Type: model.Direct}, nil
}

func (d *fakeDirectory) CreateGroupChat(_ context.Context, title string, memberIDs []int64) (model.Chat, error) {
	d.groups = append(d.groups, title)
	return model.Chat{ID: 500, Title: title, Type: model.Group}, nil
}

func (d *fakeDirectory) FileURL(path string) string {
	return "https://files.test" + path + "?session_key=k"
}

type fakeOutbox struct{ pending, failed int }

func (f fakeOutbox) Pending() ([]store.OutboxEntry, error) {
	return make([]store.OutboxEntry, f.pending), nil
}

func (f fakeOutbox) Failed() ([]store.OutboxEntry, error) {
	return make([]store.OutboxEntry, f.failed), nil
}

type fixture struct {
	client *Client
	bus    *bus.Bus
	conn   *fakeConn
	chats  *fakeChats
	conv   *fakeConv
	dir    *fakeDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:   bus.New(),
		conn:  &fakeConn{state: status.Disconnected},
		chats: &fakeChats{chats: []model.Chat{{ID: 1, Title: "Alpha"}, {ID: 2, Title: "Beta", UnreadCount: 3}}},
		conv:  &fakeConv{},
		dir:   &fakeDirectory{},
	}
	svc := NewControlService(Deps{
		Profile:      "test",
		Connection:   f.conn,
		ChatList:     f.chats,
		Conversation: f.conv,
		Outbox:       fakeOutbox{pending: 1, failed: 2},
		Directory:    f.dir,
		Bus:          f.bus,
	})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	f.client = NewClient(conn)
	t.Cleanup(func() { _ = f.client.Close() })
	return f
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)

	st, err := f.client.Status(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, "test", st.Profile)
	assert.Equal(t, status.Disconnected, st.State)
	assert.Equal(t, 2, st.ChatCount)
	assert.Equal(t, 1, st.PendingSends)
	assert.Equal(t, 2, st.FailedSends)
	assert.Nil(t, st.ChatsSyncedAt)
}

func TestConnectAndDisconnect(t *testing.T) {
	f := newFixture(t)

	var out map[string]string
	require.NoError(t, f.client.Call(ctx(t), MethodConnect, nil, &out))
	assert.Equal(t, string(status.Authenticated), out["state"])

	require.NoError(t, f.client.Call(ctx(t), MethodDisconnect, nil, &out))
	assert.Equal(t, string(status.Disconnected), out["state"])

	f.conn.err = apierr.ErrNotAuthenticated
	err := f.client.Call(ctx(t), MethodConnect, nil, nil)
	assert.Equal(t, codes.Unauthenticated, grpcstatus.Code(err))
}

func TestListChatsAndFilter(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.client.Call(ctx(t), MethodSetFilter, map[string]string{"query": "al"}, nil))
	list, err := f.client.ListChats(ctx(t), true)
	require.NoError(t, err)
	assert.Equal(t, "al", list.Filter)
	require.Len(t, list.Chats, 2)
	assert.Equal(t, 3, list.Chats[1].UnreadCount)
	assert.Equal(t, 1, f.chats.loads)
}

func TestGetChat(t *testing.T) {
	f := newFixture(t)

	var c model.Chat
	require.NoError(t, f.client.Call(ctx(t), MethodGetChat, map[string]int64{"chat_id": 2}, &c))
	assert.Equal(t, "Beta", c.Title)

	err := f.client.Call(ctx(t), MethodGetChat, map[string]int64{"chat_id": 9}, nil)
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))
}

func TestCreateChat(t *testing.T) {
	f := newFixture(t)

	var c model.Chat
	require.NoError(t, f.client.Call(ctx(t), MethodCreateChat, map[string]int64{"user_id": 7}, &c))
	assert.Equal(t, int64(107), c.ID)
	assert.Equal(t, []int64{7}, f.dir.personal)
	assert.Equal(t, 1, f.chats.loads, "list reloaded after create")

	require.NoError(t, f.client.Call(ctx(t), MethodCreateChat, map[string]any{"title": " Team ", "member_ids": []int64{2, 3}}, &c))
	assert.Equal(t, "Team", c.Title)

	err := f.client.Call(ctx(t), MethodCreateChat, map[string]string{"title": "lonely"}, nil)
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	err = f.client.Call(ctx(t), MethodCreateChat, map[string]int64{"user_id": 404}, nil)
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))
}

func TestConversationResolvesFileURLs(t *testing.T) {
	f := newFixture(t)
	f.conv.view = conversation.View{ChatID: 3, Messages: []model.Message{
		{ID: 1, ChatID: 3, Type: model.Photo, FileURL: "/media/a.jpg"},
		{ID: 2, ChatID: 3, Type: model.File, FileURL: "https://cdn.test/b.pdf"},
		{ID: 3, ChatID: 3, Type: model.Text, Content: "hi"},
	}}

	v, err := f.client.Conversation(ctx(t))
	require.NoError(t, err)
	require.Len(t, v.Messages, 3)
	assert.Equal(t, "https://files.test/media/a.jpg?session_key=k", v.Messages[0].FileURL)
	assert.Equal(t, "https://cdn.test/b.pdf", v.Messages[1].FileURL)
	assert.Empty(t, v.Messages[2].FileURL)
	assert.Equal(t, "/media/a.jpg", f.conv.view.Messages[0].FileURL, "source view untouched")
}

func TestOpenAndSend(t *testing.T) {
	f := newFixture(t)

	err := f.client.Call(ctx(t), MethodSendText, map[string]string{"text": "hi"}, nil)
	assert.Equal(t, codes.FailedPrecondition, grpcstatus.Code(err), "send before open")

	_, err = f.client.OpenChat(ctx(t), 0)
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	v, err := f.client.OpenChat(ctx(t), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.ChatID)
	assert.True(t, v.Loading)

	var m model.Message
	require.NoError(t, f.client.Call(ctx(t), MethodSendText, map[string]any{"text": "hi", "reply_to_id": 7}, &m))
	assert.Equal(t, "tmp-1", m.TempID)
	assert.Equal(t, int64(42), m.ChatID)
	assert.Equal(t, []string{"hi"}, f.conv.sent)

	err = f.client.Call(ctx(t), MethodSendText, map[string]string{"text": ""}, nil)
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
}

func TestSendFileDetectsType(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0600))

	var m model.Message
	require.NoError(t, f.client.Call(ctx(t), MethodSendFile, map[string]string{"path": path}, &m))
	assert.Equal(t, model.Photo, m.Type)
	require.Len(t, f.conv.uploads, 1)
	assert.Equal(t, "cat.png", f.conv.uploads[0].FileName)

	err := f.client.Call(ctx(t), MethodSendFile, map[string]string{"path": path, "message_type": "text"}, nil)
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
}

func TestDeleteMapsServerErrors(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.client.Call(ctx(t), MethodDeleteMessage, map[string]int64{"message_id": 1700000001}, nil))
	assert.Equal(t, []int64{1700000001}, f.conv.deleted)

	f.conv.delErr = &apierr.ServerError{Code: 403, Message: "not yours"}
	err := f.client.Call(ctx(t), MethodDeleteMessage, map[string]int64{"message_id": 2}, nil)
	assert.Equal(t, codes.PermissionDenied, grpcstatus.Code(err))

	err = f.client.Call(ctx(t), MethodDeleteMessage, nil, nil)
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
}

func TestSetTyping(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Call(ctx(t), MethodSetTyping, map[string]bool{"active": true}, nil))
	require.NoError(t, f.client.Call(ctx(t), MethodSetTyping, map[string]bool{"active": false}, nil))
	assert.Equal(t, []bool{true, false}, f.conv.typing)
}

func TestWatchEvents(t *testing.T) {
	f := newFixture(t)
	c, cancel := context.WithCancel(ctx(t))
	defer cancel()

	got := make(chan Envelope, 4)
	go func() {
		_ = f.client.Watch(c, "conversation.", func(env Envelope) error {
			got <- env
			return nil
		})
	}()

	// The subscription is registered asynchronously; keep emitting until
	// the first event arrives.
	failed := conversation.SendFailed{ChatID: 5, ClientMessageID: "c-9", Err: apierr.ErrSendTimeout}
	var env Envelope
	deadline := time.After(3 * time.Second)
loop:
	for {
		f.bus.Emit(bus.ChatListUpdated, []model.Chat{})
		f.bus.Emit(bus.ConversationSendFailed, failed)
		select {
		case env = <-got:
			break loop
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received")
		}
	}

	assert.Equal(t, bus.ConversationSendFailed, env.Kind)
	var payload struct {
		ChatID          int64  `json:"chat_id"`
		ClientMessageID string `json:"client_message_id"`
		Error           string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, int64(5), payload.ChatID)
	assert.Equal(t, "c-9", payload.ClientMessageID)
	assert.Equal(t, apierr.ErrSendTimeout.Error(), payload.Error)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{conversation.ErrNoConversation, codes.FailedPrecondition},
		{apierr.ErrAuthRejected, codes.Unauthenticated},
		{apierr.ErrTransportUnavailable, codes.Unavailable},
		{apierr.ErrRateLimited, codes.ResourceExhausted},
		{&apierr.ServerError{Code: 404}, codes.NotFound},
		{&apierr.ServerError{Code: 500}, codes.Internal},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, grpcstatus.Code(toStatus(tt.err)), "error %v", tt.err)
	}
}

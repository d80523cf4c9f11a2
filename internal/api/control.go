package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/conversation"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/restapi"
	"github.com/matheus3301/msync/internal/store"
	intsync "github.com/matheus3301/msync/internal/sync"
	"github.com/matheus3301/msync/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Connection is the realtime transport as seen by the control API.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect()
	Status() transport.Snapshot
}

// ChatLister is the chat list synchronizer.
type ChatLister interface {
	Load(ctx context.Context) error
	SetFilter(ctx context.Context, q string) error
	Chats() []model.Chat
	Filtered() ([]model.Chat, string)
	Chat(id int64) (model.Chat, bool)
}

// Directory is the REST surface for creating chats and resolving media.
type Directory interface {
	CreatePersonalChat(ctx context.Context, userID int64) (model.Chat, error)
	CreateGroupChat(ctx context.Context, title string, memberIDs []int64) (model.Chat, error)
	FileURL(path string) string
}

// Conversation is the conversation synchronizer.
type Conversation interface {
	Open(ctx context.Context, chatID int64) error
	Close(ctx context.Context) error
	LoadOlder(ctx context.Context) error
	View() conversation.View
	SendText(ctx context.Context, text string, replyToID *int64) (model.Message, error)
	SendMedia(ctx context.Context, up restapi.Upload) (model.Message, error)
	MarkRead(ctx context.Context, msgID int64) error
	Delete(ctx context.Context, msgID int64) error
	StartTyping(ctx context.Context) error
	StopTyping(ctx context.Context) error
}

// Outbox lists journaled sends.
type Outbox interface {
	Pending() ([]store.OutboxEntry, error)
	Failed() ([]store.OutboxEntry, error)
}

// Checkpoints reads sync checkpoints.
type Checkpoints interface {
	Get(key string) (time.Time, error)
}

// ControlService implements msync.v1.ControlService.
type ControlService struct {
	profile   string
	startedAt time.Time
	conn      Connection
	chats     ChatLister
	conv      Conversation
	outbox    Outbox
	marks     Checkpoints
	dir       Directory
	bus       *bus.Bus
	logger    *zap.Logger
}

// Deps groups the components the control service drives.
type Deps struct {
	Profile      string
	Connection   Connection
	ChatList     ChatLister
	Conversation Conversation
	Outbox       Outbox
	Checkpoints  Checkpoints
	Directory    Directory
	Bus          *bus.Bus
	Logger       *zap.Logger
}

// NewControlService creates the control service.
func NewControlService(d Deps) *ControlService {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlService{
		profile:   d.Profile,
		startedAt: time.Now(),
		conn:      d.Connection,
		chats:     d.ChatList,
		conv:      d.Conversation,
		outbox:    d.Outbox,
		marks:     d.Checkpoints,
		dir:       d.Directory,
		bus:       d.Bus,
		logger:    logger,
	}
}

func (s *ControlService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap := s.conn.Status()
	_, filter := s.chats.Filtered()
	st := Status{
		Profile:    s.profile,
		State:      snap.State,
		Attempt:    snap.Attempt,
		LastError:  errString(snap.LastError),
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
		ChatCount:  len(s.chats.Chats()),
		Filter:     filter,
		OpenChatID: s.conv.View().ChatID,
	}
	if s.marks != nil {
		if at, err := s.marks.Get(intsync.ChatsSyncedAt); err == nil && !at.IsZero() {
			st.ChatsSyncedAt = &at
		}
	}
	if s.outbox != nil {
		if pending, err := s.outbox.Pending(); err == nil {
			st.PendingSends = len(pending)
		}
		if failed, err := s.outbox.Failed(); err == nil {
			st.FailedSends = len(failed)
		}
	}
	return encode(st)
}

func (s *ControlService) ListChats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		Refresh bool `json:"refresh"`
	}
	if err := decode(req, &in); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "list chats: %v", err)
	}
	if in.Refresh {
		if err := s.chats.Load(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	chats, filter := s.chats.Filtered()
	return encode(ChatList{Chats: chats, Filter: filter})
}

func (s *ControlService) SetFilter(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := decode(req, &in); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "set filter: %v", err)
	}
	if err := s.chats.SetFilter(ctx, in.Query); err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]string{"query": in.Query})
}

func (s *ControlService) OpenChat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		ChatID int64 `json:"chat_id"`
	}
	if err := decode(req, &in); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "open chat: %v", err)
	}
	if in.ChatID <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_id is required")
	}
	if err := s.conv.Open(ctx, in.ChatID); err != nil {
		return nil, toStatus(err)
	}
	return encode(s.view())
}

// view is the open conversation with media paths resolved to fetchable URLs.
func (s *ControlService) view() View {
	v := viewToWire(s.conv.View())
	if s.dir == nil {
		return v
	}
	msgs := make([]model.Message, len(v.Messages))
	for i, m := range v.Messages {
		if m.FileURL != "" && !strings.Contains(m.FileURL, "://") {
			m.FileURL = s.dir.FileURL(m.FileURL)
		}
		msgs[i] = m
	}
	v.Messages = msgs
	return v
}

func (s *ControlService) GetChat(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		ChatID int64 `json:"chat_id"`
	}
	if err := decode(req, &in); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "get chat: %v", err)
	}
	c, ok := s.chats.Chat(in.ChatID)
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "chat %d not in list", in.ChatID)
	}
	return encode(c)
}

// CreateChat opens a direct chat when user_id is set, otherwise creates a
// group from title and member_ids. The chat list is reloaded afterwards.
func (s *ControlService) CreateChat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		UserID    int64   `json:"user_id"`
		Title     string  `json:"title"`
		MemberIDs []int64 `json:"member_ids"`
	}
	if err := decode(req, &in); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "create chat: %v", err)
	}
	if s.dir == nil {
		return nil, grpcstatus.Error(codes.Unimplemented, "chat creation unavailable")
	}

	var (
		c   model.Chat
		err error
	)
	switch {
	case in.UserID > 0:
		c, err = s.dir.CreatePersonalChat(ctx, in.UserID)
	case strings.TrimSpace(in.Title) != "" && len(in.MemberIDs) > 0:
		c, err = s.dir.CreateGroupChat(ctx, strings.TrimSpace(in.Title), in.MemberIDs)
	default:
		return nil, grpcstatus.Error(codes.InvalidArgument, "user_id or title with member_ids is required")
	}
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.chats.Load(ctx); err != nil {
		s.logger.Warn("chat list reload after create failed", zap.Int64("chat_id", c.ID), zap.Error(err))
	}
	return encode(c)
}

func (s *ControlService) CloseChat(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.conv.Close(ctx); err != nil {
		return nil, toStatus(err)
	}
	return encode(struct{}{})
}

func (s *ControlService) GetConversation(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encode(s.view())
}

func (s *ControlService) LoadOlder(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.conv.LoadOlder(ctx); err != nil {
		return nil, toStatus(err)
	}
	return encode(s.view())
}

func (s *ControlService) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		Text      string `json:"text"`
		ReplyToID *int64 `json:"reply_to_id"`
	}
	if err := decode(req, &in); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "send text: %v", err)
	}
	m, err := s.conv.SendText(ctx, in.Text, in.ReplyToID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(m)
}

// SendFile uploads a file from the daemon's filesystem. The file is read in
// full before the upload starts.
func (s *ControlService) SendFile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		Path      string            `json:"path"`
		Type      model.MessageType `json:"message_type"`
		ReplyToID *int64            `json:"reply_to_id"`
	}
	if err := decode(req, &in); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "send file: %v", err)
	}
	if in.Type == "" {
		in.Type = mediaTypeFor(in.Path)
	}
	if !in.Type.IsMedia() {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "send file: %q is not a media type", in.Type)
	}
	data, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "send file: %v", err)
	}
	m, err := s.conv.SendMedia(ctx, restapi.Upload{
		Type:      in.Type,
		FileName:  filepath.Base(in.Path),
		Content:   bytes.NewReader(data),
		ReplyToID: in.ReplyToID,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(m)
}

func mediaTypeFor(path string) model.MessageType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return model.Photo
	case ".mp4", ".mov", ".webm", ".mkv":
		return model.Video
	case ".mp3", ".ogg", ".m4a", ".wav", ".opus":
		return model.Audio
	default:
		return model.File
	}
}

func (s *ControlService) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := messageID(req)
	if err != nil {
		return nil, err
	}
	if err := s.conv.MarkRead(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return encode(struct{}{})
}

func (s *ControlService) DeleteMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := messageID(req)
	if err != nil {
		return nil, err
	}
	if err := s.conv.Delete(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return encode(struct{}{})
}

func messageID(req *structpb.Struct) (int64, error) {
	var in struct {
		MessageID int64 `json:"message_id"`
	}
	if err := decode(req, &in); err != nil {
		return 0, grpcstatus.Errorf(codes.InvalidArgument, "message_id: %v", err)
	}
	if in.MessageID <= 0 {
		return 0, grpcstatus.Error(codes.InvalidArgument, "message_id is required")
	}
	return in.MessageID, nil
}

func (s *ControlService) SetTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		Active bool `json:"active"`
	}
	if err := decode(req, &in); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "set typing: %v", err)
	}
	var err error
	if in.Active {
		err = s.conv.StartTyping(ctx)
	} else {
		err = s.conv.StopTyping(ctx)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(struct{}{})
}

func (s *ControlService) Connect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.conn.Connect(ctx); err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"state": s.conn.Status().State})
}

func (s *ControlService) Disconnect(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.conn.Disconnect()
	return encode(map[string]any{"state": s.conn.Status().State})
}

// WatchEvents streams bus events whose kind starts with the requested
// namespace (all events when empty). Slow watchers lose events rather than
// stall the daemon.
func (s *ControlService) WatchEvents(req *structpb.Struct, stream EventStream) error {
	var in struct {
		Namespace string `json:"namespace"`
	}
	if err := decode(req, &in); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "watch events: %v", err)
	}
	ch, unsub := s.bus.Subscribe(in.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env, err := envelope(evt)
			if err != nil {
				s.logger.Debug("event not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func envelope(evt bus.Event) (*structpb.Struct, error) {
	payload, err := json.Marshal(eventPayload(evt))
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", evt.Kind, err)
	}
	return encode(Envelope{Kind: evt.Kind, OccurredAt: evt.Timestamp, Payload: payload})
}

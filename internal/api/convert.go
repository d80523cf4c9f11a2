package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/msync/internal/apierr"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/conversation"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/status"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Status is the GetStatus response.
type Status struct {
	Profile       string       `json:"profile"`
	State         status.State `json:"state"`
	Attempt       int          `json:"attempt"`
	LastError     string       `json:"last_error,omitempty"`
	UptimeMs      int64        `json:"uptime_ms"`
	ChatCount     int          `json:"chat_count"`
	Filter        string       `json:"filter,omitempty"`
	OpenChatID    int64        `json:"open_chat_id,omitempty"`
	ChatsSyncedAt *time.Time   `json:"chats_synced_at,omitempty"`
	PendingSends  int          `json:"pending_sends"`
	FailedSends   int          `json:"failed_sends"`
}

// ChatList is the ListChats response.
type ChatList struct {
	Chats  []model.Chat `json:"chats"`
	Filter string       `json:"filter,omitempty"`
}

// View is the wire form of conversation.View.
type View struct {
	ChatID       int64           `json:"chat_id"`
	Messages     []model.Message `json:"messages"`
	Loading      bool            `json:"loading"`
	LoadingOlder bool            `json:"loading_older"`
	HasMore      bool            `json:"has_more"`
	Typing       []string        `json:"typing,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

// Envelope is one WatchEvents item.
type Envelope struct {
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func viewToWire(v conversation.View) View {
	out := View{
		ChatID:       v.ChatID,
		Messages:     v.Messages,
		Loading:      v.Loading,
		LoadingOlder: v.LoadingOlder,
		HasMore:      v.HasMore,
		Typing:       v.Typing,
	}
	if v.LastError != nil {
		out.LastError = apierr.UserMessage(v.LastError)
	}
	return out
}

// eventPayload makes bus payloads JSON friendly. Error values do not marshal
// on their own, so the types carrying one are flattened.
func eventPayload(evt bus.Event) any {
	switch p := evt.Payload.(type) {
	case conversation.View:
		return viewToWire(p)
	case conversation.SendFailed:
		return map[string]any{
			"chat_id":           p.ChatID,
			"client_message_id": p.ClientMessageID,
			"temp_id":           p.TempID,
			"error":             errString(p.Err),
		}
	case error:
		return map[string]string{"error": p.Error()}
	default:
		return p
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// encode converts a JSON-marshalable object into a Struct. Numbers travel
// as doubles, which is exact for ids below 2^53.
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return structpb.NewStruct(m)
}

// decode fills out from a Struct. encoding/json prints integral doubles
// without an exponent, so integer fields decode cleanly.
func decode(s *structpb.Struct, out any) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return json.Unmarshal(data, out)
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var serverErr *apierr.ServerError
	switch {
	case errors.Is(err, conversation.ErrNoConversation):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, conversation.ErrEmptyMessage):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, apierr.ErrNotAuthenticated), errors.Is(err, apierr.ErrAuthRejected):
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, apierr.ErrTransportUnavailable):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, apierr.ErrRateLimited):
		return grpcstatus.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, apierr.ErrSendTimeout):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &serverErr) && serverErr.Code == 404:
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.As(err, &serverErr) && serverErr.Code == 403:
		return grpcstatus.Error(codes.PermissionDenied, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/matheus3301/msync/internal/apierr"
)

// UnknownTypeError is returned by Decode for a well-formed frame whose type
// this client does not know. Callers log it and move on.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Type)
}

// IsUnknownType reports whether err is an UnknownTypeError.
func IsUnknownType(err error) bool {
	var ue *UnknownTypeError
	return errors.As(err, &ue)
}

// Decode parses one inbound text frame into its typed variant.
func Decode(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return nil, &apierr.DecodeError{What: "frame", Err: errors.New("invalid json")}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, &apierr.DecodeError{What: "frame", Err: errors.New("not an object")}
	}
	discr := root.Get("type")
	if discr.Type != gjson.String || discr.Str == "" {
		return nil, &apierr.DecodeError{What: "frame", Err: errors.New("missing type")}
	}

	t := Type(discr.Str)
	switch t {
	case TypeConnected:
		return decodeInto(t, data, &Connected{})
	case TypeError:
		return decodeInto(t, data, &Error{})
	case TypePing:
		return &Ping{
			Timestamp: root.Get("timestamp").Float(),
			PingID:    root.Get("ping_id").String(),
		}, nil
	case TypeChats:
		return decodeInto(t, data, &Chats{})
	case TypeMessages:
		f := &Messages{}
		if _, err := decodeInto(t, data, f); err != nil {
			return nil, err
		}
		for i := range f.Messages {
			if f.Messages[i].ChatID == 0 {
				f.Messages[i].ChatID = f.ChatID
			}
		}
		return f, nil
	case TypeNewMessage:
		f := &NewMessage{}
		if _, err := decodeInto(t, data, f); err != nil {
			return nil, err
		}
		switch {
		case f.ChatID == 0:
			f.ChatID = f.Message.ChatID
		case f.Message.ChatID == 0:
			f.Message.ChatID = f.ChatID
		}
		if f.ChatID == 0 || f.Message.ID == 0 {
			return nil, &apierr.DecodeError{What: string(t), Err: errors.New("missing chat or message id")}
		}
		return f, nil
	case TypeMessageSent:
		return decodeInto(t, data, &MessageSent{})
	case TypeTyping, TypeTypingEnded:
		f := &Typing{Active: t == TypeTyping}
		if _, err := decodeInto(t, data, f); err != nil {
			return nil, err
		}
		return f, nil
	case TypeMessageRead:
		return decodeInto(t, data, &MessageRead{})
	case TypeMessageDeleted:
		return decodeInto(t, data, &MessageDeleted{})
	case TypeUnreadCounts:
		return decodeUnread(root)
	case TypeUserStatus, TypeDeliveryAck, TypeReadAck:
		return &Info{Kind: t, Raw: append([]byte(nil), data...)}, nil
	default:
		return nil, &UnknownTypeError{Type: discr.Str}
	}
}

func decodeInto[F Frame](t Type, data []byte, f F) (Frame, error) {
	if err := json.Unmarshal(data, f); err != nil {
		return nil, &apierr.DecodeError{What: string(t), Err: err}
	}
	return f, nil
}

// decodeUnread reads counts keyed by stringified chat id. Entries with a
// non-numeric key or a non-numeric value are skipped; negatives clamp to 0.
func decodeUnread(root gjson.Result) (Frame, error) {
	counts := root.Get("counts")
	if !counts.IsObject() {
		return nil, &apierr.DecodeError{What: string(TypeUnreadCounts), Err: errors.New("counts is not an object")}
	}
	f := &UnreadCounts{Counts: make(map[int64]int)}
	counts.ForEach(func(k, v gjson.Result) bool {
		id, err := strconv.ParseInt(k.String(), 10, 64)
		if err != nil || v.Type != gjson.Number {
			return true
		}
		n := int(v.Int())
		if n < 0 {
			n = 0
		}
		f.Counts[id] = n
		return true
	})
	return f, nil
}

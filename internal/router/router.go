package router

import (
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/protocol"
	"go.uber.org/zap"
)

// Router turns decoded frames into bus events. It does NOT mutate any
// synchronizer state: the synchronizers subscribe to the bus independently.
type Router struct {
	bus    *bus.Bus
	logger *zap.Logger
	taps   []Tap
}

// Tap observes every decoded frame synchronously, before it is published.
// The transport uses a tap for session handling (pong, auth, delivery
// confirmation) so those side effects happen ahead of any subscriber.
type Tap func(protocol.Frame)

// New creates a new router.
func New(b *bus.Bus, logger *zap.Logger) *Router {
	return &Router{bus: b, logger: logger}
}

// AddTap registers t. Taps must be added before frames start flowing.
func (r *Router) AddTap(t Tap) {
	r.taps = append(r.taps, t)
}

// Kind maps a frame variant to the bus event kind it is published under.
// Ping returns "" because keepalive never leaves the transport.
func Kind(f protocol.Frame) string {
	switch f.(type) {
	case *protocol.Connected:
		return bus.ConnConnected
	case *protocol.Error:
		return bus.ConnServerError
	case *protocol.Ping:
		return ""
	case *protocol.Chats:
		return bus.RTChats
	case *protocol.Messages:
		return bus.RTMessages
	case *protocol.NewMessage:
		return bus.RTNewMessage
	case *protocol.MessageSent:
		return bus.RTMessageSent
	case *protocol.Typing:
		return bus.RTTyping
	case *protocol.MessageRead:
		return bus.RTMessageRead
	case *protocol.MessageDeleted:
		return bus.RTMessageDeleted
	case *protocol.UnreadCounts:
		return bus.RTUnreadCounts
	case *protocol.Info:
		return bus.RTInfo
	default:
		return ""
	}
}

// Route runs the taps and publishes f under its event kind. It returns the
// kind used, or "" if the frame is not routed. A panicking tap is logged and
// skipped.
func (r *Router) Route(f protocol.Frame) string {
	for _, t := range r.taps {
		r.runTap(t, f)
	}
	kind := Kind(f)
	if kind == "" {
		return ""
	}
	r.bus.Emit(kind, f)
	return kind
}

func (r *Router) runTap(t Tap, f protocol.Frame) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in frame tap", zap.Any("panic", p), zap.String("frame", string(f.FrameType())))
		}
	}()
	t(f)
}

// Handle decodes a raw text frame and routes it. Unknown types and malformed
// frames are logged and dropped; the returned frame is nil in that case.
func (r *Router) Handle(data []byte) protocol.Frame {
	f, err := protocol.Decode(data)
	if err != nil {
		if protocol.IsUnknownType(err) {
			r.logger.Debug("ignoring frame", zap.Error(err))
		} else {
			r.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		}
		return nil
	}
	r.Route(f)
	return f
}

package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a running daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial returns a client for the daemon listening on socketPath.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method. in may be nil; out may be nil to discard the
// response.
func (c *Client) Call(ctx context.Context, method string, in, out any) error {
	req := &structpb.Struct{}
	if in != nil {
		var err error
		if req, err = encode(in); err != nil {
			return err
		}
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(resp, out)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.Call(ctx, MethodGetStatus, nil, &st)
	return st, err
}

func (c *Client) ListChats(ctx context.Context, refresh bool) (ChatList, error) {
	var out ChatList
	err := c.Call(ctx, MethodListChats, map[string]bool{"refresh": refresh}, &out)
	return out, err
}

func (c *Client) OpenChat(ctx context.Context, chatID int64) (View, error) {
	var v View
	err := c.Call(ctx, MethodOpenChat, map[string]int64{"chat_id": chatID}, &v)
	return v, err
}

func (c *Client) Conversation(ctx context.Context) (View, error) {
	var v View
	err := c.Call(ctx, MethodGetConversation, nil, &v)
	return v, err
}

var streamDesc = &grpc.StreamDesc{StreamName: MethodWatchEvents, ServerStreams: true}

// Watch streams events under namespace to fn until ctx ends, the stream
// closes or fn returns an error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(Envelope) error) error {
	stream, err := c.conn.NewStream(ctx, streamDesc, fullMethod(MethodWatchEvents))
	if err != nil {
		return err
	}
	req, err := encode(map[string]string{"namespace": namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var env Envelope
		if err := decode(msg, &env); err != nil {
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}

package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. Requests and
// responses are google.protobuf.Struct values, so no generated code is
// needed on either side.
const ServiceName = "msync.v1.ControlService"

// Method names.
const (
	MethodGetStatus       = "GetStatus"
	MethodListChats       = "ListChats"
	MethodSetFilter       = "SetFilter"
	MethodGetChat         = "GetChat"
	MethodCreateChat      = "CreateChat"
	MethodOpenChat        = "OpenChat"
	MethodCloseChat       = "CloseChat"
	MethodGetConversation = "GetConversation"
	MethodLoadOlder       = "LoadOlder"
	MethodSendText        = "SendText"
	MethodSendFile        = "SendFile"
	MethodMarkRead        = "MarkRead"
	MethodDeleteMessage   = "DeleteMessage"
	MethodSetTyping       = "SetTyping"
	MethodConnect         = "Connect"
	MethodDisconnect      = "Disconnect"
	MethodWatchEvents     = "WatchEvents"
)

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type unaryFunc func(*ControlService, context.Context, *structpb.Struct) (*structpb.Struct, error)

// controlServer is the handler type checked by grpc.RegisterService.
type controlServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// ServiceDesc describes ControlService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, (*ControlService).GetStatus),
		unary(MethodListChats, (*ControlService).ListChats),
		unary(MethodSetFilter, (*ControlService).SetFilter),
		unary(MethodGetChat, (*ControlService).GetChat),
		unary(MethodCreateChat, (*ControlService).CreateChat),
		unary(MethodOpenChat, (*ControlService).OpenChat),
		unary(MethodCloseChat, (*ControlService).CloseChat),
		unary(MethodGetConversation, (*ControlService).GetConversation),
		unary(MethodLoadOlder, (*ControlService).LoadOlder),
		unary(MethodSendText, (*ControlService).SendText),
		unary(MethodSendFile, (*ControlService).SendFile),
		unary(MethodMarkRead, (*ControlService).MarkRead),
		unary(MethodDeleteMessage, (*ControlService).DeleteMessage),
		unary(MethodSetTyping, (*ControlService).SetTyping),
		unary(MethodConnect, (*ControlService).Connect),
		unary(MethodDisconnect, (*ControlService).Disconnect),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "msync/v1/control.proto",
}

// Register adds the control service to a gRPC server.
func Register(s *grpc.Server, svc *ControlService) {
	s.RegisterService(&ServiceDesc, svc)
}

func unary(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(*ControlService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*ControlService).WatchEvents(in, &eventStream{stream})
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

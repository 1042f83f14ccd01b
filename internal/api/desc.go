// Package api exposes the daemon to UI clients as a gRPC service over a Unix
// socket. Requests and responses are structpb.Struct documents so the
// service needs no generated stubs.
package api

import (
	"context"
	"slices"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "imsync.v1.SyncService"

// Method names.
const (
	MethodGetStatus        = "GetStatus"
	MethodListSessions     = "ListSessions"
	MethodListMessages     = "ListMessages"
	MethodListApplications = "ListApplications"
	MethodResolveAvatar    = "ResolveAvatar"
	MethodResolveNickname  = "ResolveNickname"
	MethodPinSession       = "PinSession"
	MethodMuteSession      = "MuteSession"
	MethodRenameSession    = "RenameSession"
	MethodMarkRead         = "MarkRead"
	MethodSendText         = "SendText"
	MethodReconcile        = "Reconcile"
	MethodReconnect        = "Reconnect"
	MethodWatchEvents      = "WatchEvents"
)

type unaryFunc func(*Service, context.Context, *structpb.Struct) (*structpb.Struct, error)

var unaryMethods = map[string]unaryFunc{
	MethodGetStatus:        (*Service).GetStatus,
	MethodListSessions:     (*Service).ListSessions,
	MethodListMessages:     (*Service).ListMessages,
	MethodListApplications: (*Service).ListApplications,
	MethodResolveAvatar:    (*Service).ResolveAvatar,
	MethodResolveNickname:  (*Service).ResolveNickname,
	MethodPinSession:       (*Service).PinSession,
	MethodMuteSession:      (*Service).MuteSession,
	MethodRenameSession:    (*Service).RenameSession,
	MethodMarkRead:         (*Service).MarkRead,
	MethodSendText:         (*Service).SendText,
	MethodReconcile:        (*Service).Reconcile,
	MethodReconnect:        (*Service).Reconnect,
}

// syncServer is the handler type checked by grpc.Server.RegisterService.
type syncServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

var watchStream = grpc.StreamDesc{
	StreamName:    MethodWatchEvents,
	ServerStreams: true,
	Handler: func(srv any, stream grpc.ServerStream) error {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return srv.(*Service).WatchEvents(in, stream)
	},
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
var ServiceDesc = buildDesc()

func buildDesc() grpc.ServiceDesc {
	names := make([]string, 0, len(unaryMethods))
	for name := range unaryMethods {
		names = append(names, name)
	}
	slices.Sort(names)

	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*syncServer)(nil),
		Streams:     []grpc.StreamDesc{watchStream},
		Metadata:    "imsync/v1/sync.proto",
	}
	for _, name := range names {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unaryHandler(name, unaryMethods[name]),
		})
	}
	return desc
}

func unaryHandler(name string, fn unaryFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(*Service)
		if interceptor == nil {
			return fn(svc, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return fn(svc, ctx, req.(*structpb.Struct))
		})
	}
}

// Register attaches svc to s.
func Register(s *grpc.Server, svc *Service) {
	s.RegisterService(&ServiceDesc, svc)
}

// Package rpc exposes the register operations and queue publish over gRPC.
// Messages are google.protobuf.Struct documents mirroring the HTTP bodies,
// so the service needs no generated code.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "durable.v1.Register"

// Full method names.
const (
	MethodGet     = "/" + ServiceName + "/Get"
	MethodBegin   = "/" + ServiceName + "/Begin"
	MethodCommit  = "/" + ServiceName + "/Commit"
	MethodPublish = "/" + ServiceName + "/Publish"
)

// RegisterServer is implemented by the service handlers.
type RegisterServer interface {
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Begin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Commit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Publish(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes durable.v1.Register for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RegisterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: unary(MethodGet, RegisterServer.Get)},
		{MethodName: "Begin", Handler: unary(MethodBegin, RegisterServer.Begin)},
		{MethodName: "Commit", Handler: unary(MethodCommit, RegisterServer.Commit)},
		{MethodName: "Publish", Handler: unary(MethodPublish, RegisterServer.Publish)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "durable/v1/register.proto",
}

type method func(RegisterServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(fullMethod string, call method) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RegisterServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RegisterServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

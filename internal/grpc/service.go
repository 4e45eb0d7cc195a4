package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The attendance services speak protobuf well-known types only, so the
// descriptors are declared here instead of generated from a .proto file.

const (
	QueryServiceName   = "attendance.v1.AttendanceQueryService"
	CommandServiceName = "attendance.v1.AttendanceCommandService"
)

type AttendanceQueryServiceServer interface {
	// GetSessionStats takes a session id and returns its state and counts.
	GetSessionStats(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// ListProxyAttempts takes a session id and returns its rejected scans.
	ListProxyAttempts(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
}

type AttendanceCommandServiceServer interface {
	// ResetStudentDevice takes {"student_id", "admin_id"}.
	ResetStudentDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ExpireStaleSessions takes a batch limit and returns how many ended.
	ExpireStaleSessions(context.Context, *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error)
}

func RegisterAttendanceQueryServiceServer(s grpc.ServiceRegistrar, srv AttendanceQueryServiceServer) {
	s.RegisterService(&queryServiceDesc, srv)
}

func RegisterAttendanceCommandServiceServer(s grpc.ServiceRegistrar, srv AttendanceCommandServiceServer) {
	s.RegisterService(&commandServiceDesc, srv)
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: QueryServiceName,
	HandlerType: (*AttendanceQueryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetSessionStats",
			Handler: unaryHandler(QueryServiceName, "GetSessionStats",
				func(srv any, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
					return srv.(AttendanceQueryServiceServer).GetSessionStats(ctx, in)
				}),
		},
		{
			MethodName: "ListProxyAttempts",
			Handler: unaryHandler(QueryServiceName, "ListProxyAttempts",
				func(srv any, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
					return srv.(AttendanceQueryServiceServer).ListProxyAttempts(ctx, in)
				}),
		},
	},
	Streams: []grpc.StreamDesc{},
}

var commandServiceDesc = grpc.ServiceDesc{
	ServiceName: CommandServiceName,
	HandlerType: (*AttendanceCommandServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ResetStudentDevice",
			Handler: unaryHandler(CommandServiceName, "ResetStudentDevice",
				func(srv any, ctx context.Context, in *structpb.Struct) (any, error) {
					return srv.(AttendanceCommandServiceServer).ResetStudentDevice(ctx, in)
				}),
		},
		{
			MethodName: "ExpireStaleSessions",
			Handler: unaryHandler(CommandServiceName, "ExpireStaleSessions",
				func(srv any, ctx context.Context, in *wrapperspb.Int32Value) (any, error) {
					return srv.(AttendanceCommandServiceServer).ExpireStaleSessions(ctx, in)
				}),
		},
	},
	Streams: []grpc.StreamDesc{},
}

type message[T any] interface {
	*T
}

// unaryHandler adapts a typed call to grpc.MethodDesc, running the
// server's interceptor chain the same way generated code does.
func unaryHandler[T any, P message[T]](service, method string, call func(any, context.Context, P) (any, error)) grpc.MethodHandler {
	fullMethod := "/" + service + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := P(new(T))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(P))
		})
	}
}

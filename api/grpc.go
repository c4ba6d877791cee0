package api

import (
	"context"
	"errors"

	"github.com/beka-birhanu/vinom-lobby-bridge/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// unaryMethod builds the descriptor of a unary method whose handler is fn.
func unaryMethod[Req, Res any](svc, name string, fn func(srv any, ctx context.Context, in *Req) (*Res, error)) grpc.MethodDesc {
	fullMethod := "/" + svc + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// dispatchError maps a failed hand-off to the dispatch queue to a status.
func dispatchError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, service.ErrQueueClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

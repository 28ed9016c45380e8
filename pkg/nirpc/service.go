package nirpc

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "nirio.Rio"

const (
	methodEnumerate    = "/" + serviceName + "/Enumerate"
	methodGetAttribute = "/" + serviceName + "/GetAttribute"
	methodPeek32       = "/" + serviceName + "/Peek32"
	methodPoke32       = "/" + serviceName + "/Poke32"
	methodDMA          = "/" + serviceName + "/DMA"
)

// RioServer is the server side of the Rio service.
type RioServer interface {
	Enumerate(context.Context, *EnumerateRequest) (*EnumerateResponse, error)
	GetAttribute(context.Context, *AttributeRequest) (*AttributeResponse, error)
	Peek32(context.Context, *PeekRequest) (*PeekResponse, error)
	Poke32(context.Context, *PokeRequest) (*PokeResponse, error)
	DMA(DMAServerStream) error
}

// DMAServerStream is the server end of a DMA channel stream.
type DMAServerStream interface {
	Send(*DMAFrame) error
	Recv() (*DMAFrame, error)
	Context() context.Context
}

// RegisterRioServer attaches srv to s.
func RegisterRioServer(s grpc.ServiceRegistrar, srv RioServer) {
	s.RegisterService(&rioServiceDesc, srv)
}

var rioServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RioServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enumerate", Handler: enumerateHandler},
		{MethodName: "GetAttribute", Handler: getAttributeHandler},
		{MethodName: "Peek32", Handler: peek32Handler},
		{MethodName: "Poke32", Handler: poke32Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "DMA",
			Handler:       dmaHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "nirio/rio",
}

func enumerateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EnumerateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RioServer).Enumerate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodEnumerate}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RioServer).Enumerate(ctx, req.(*EnumerateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getAttributeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AttributeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RioServer).GetAttribute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetAttribute}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RioServer).GetAttribute(ctx, req.(*AttributeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func peek32Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PeekRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RioServer).Peek32(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPeek32}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RioServer).Peek32(ctx, req.(*PeekRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func poke32Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PokeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RioServer).Poke32(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPoke32}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RioServer).Poke32(ctx, req.(*PokeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func dmaHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RioServer).DMA(&dmaServerStream{stream})
}

type dmaServerStream struct {
	grpc.ServerStream
}

func (s *dmaServerStream) Send(f *DMAFrame) error {
	return s.ServerStream.SendMsg(f)
}

func (s *dmaServerStream) Recv() (*DMAFrame, error) {
	f := new(DMAFrame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

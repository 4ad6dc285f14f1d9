package grpctransport

import (
	"context"

	"google.golang.org/grpc"
)

// Stub types for the gRPC Transport carrier.
// TODO: Replace with generated protobuf code once a .proto definition lands.

// DispatchRequest carries one inbound call across the wire.
type DispatchRequest struct {
	AgentID string
	Payload []byte
	Sender  string
	Tag     string
}

// DispatchResponse carries the dispatcher's JSON-RPC response bytes back.
type DispatchResponse struct {
	Payload []byte
}

// EveTransportClient is the client interface for the transport service.
type EveTransportClient interface {
	Dispatch(ctx context.Context, in *DispatchRequest, opts ...grpc.CallOption) (*DispatchResponse, error)
}

type eveTransportClient struct {
	cc grpc.ClientConnInterface
}

// NewEveTransportClient creates a new EveTransportClient.
func NewEveTransportClient(cc grpc.ClientConnInterface) EveTransportClient {
	return &eveTransportClient{cc}
}

func (c *eveTransportClient) Dispatch(ctx context.Context, in *DispatchRequest, opts ...grpc.CallOption) (*DispatchResponse, error) {
	out := new(DispatchResponse)
	if err := c.cc.Invoke(ctx, "/eve.Transport/Dispatch", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EveTransportServer is the server interface for the transport service.
type EveTransportServer interface {
	Dispatch(context.Context, *DispatchRequest) (*DispatchResponse, error)
}

// UnimplementedEveTransportServer provides a zero-value default.
type UnimplementedEveTransportServer struct{}

func (UnimplementedEveTransportServer) Dispatch(context.Context, *DispatchRequest) (*DispatchResponse, error) {
	return nil, nil
}

func _EveTransport_Dispatch_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DispatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EveTransportServer).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/eve.Transport/Dispatch"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EveTransportServer).Dispatch(ctx, req.(*DispatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterEveTransportServer registers the transport service with gRPC.
func RegisterEveTransportServer(s grpc.ServiceRegistrar, srv EveTransportServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "eve.Transport",
		HandlerType: (*EveTransportServer)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Dispatch",
				Handler:    _EveTransport_Dispatch_Handler,
			},
		},
		Metadata: "eve_transport.proto",
	}, srv)
}

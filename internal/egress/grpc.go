package egress

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultSubscriberDepth is the per-client frame backlog of the gRPC server.
const DefaultSubscriberDepth = 64

// RelayServer is the server API of the framerelay.Relay service.
type RelayServer interface {
	// Frames streams every relay frame until the client goes away.
	Frames(*emptypb.Empty, Relay_FramesServer) error
}

type Relay_FramesServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type relayFramesServer struct {
	grpc.ServerStream
}

func (x *relayFramesServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

func relayFramesHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(RelayServer).Frames(m, &relayFramesServer{stream})
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: "framerelay.Relay",
	HandlerType: (*RelayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Frames",
			Handler:       relayFramesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "framerelay/relay.proto",
}

func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&relayServiceDesc, srv)
}

// Server serves a Broadcaster's frames to gRPC clients.
type Server struct {
	b      *Broadcaster
	depth  int
	logger *zap.Logger
}

var _ RelayServer = (*Server)(nil)

func NewServer(b *Broadcaster, depth int, logger *zap.Logger) *Server {
	if depth <= 0 {
		depth = DefaultSubscriberDepth
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Server{b: b, depth: depth, logger: logger}
}

func (s *Server) Frames(_ *emptypb.Empty, stream Relay_FramesServer) error {
	sub, err := s.b.Subscribe(s.depth)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer sub.Close()

	s.logger.Info("frame subscriber connected")
	defer s.logger.Info("frame subscriber disconnected")

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := stream.Send(wrapperspb.Bytes(frame)); err != nil {
				return err
			}
		}
	}
}

// Client receives frames from a relay Server.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// FrameStream yields frames in order. Recv returns io.EOF once the server
// ends the stream.
type FrameStream struct {
	stream grpc.ClientStream
}

func (c *Client) Frames(ctx context.Context) (*FrameStream, error) {
	stream, err := c.cc.NewStream(ctx, &relayServiceDesc.Streams[0], "/framerelay.Relay/Frames")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{stream: stream}, nil
}

func (f *FrameStream) Recv() ([]byte, error) {
	m := new(wrapperspb.BytesValue)
	if err := f.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m.GetValue(), nil
}

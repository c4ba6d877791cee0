package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/beka-birhanu/vinom-lobby-bridge/network"
	"github.com/beka-birhanu/vinom-lobby-bridge/service/i"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const peerServiceName = "vinom.lobbybridge.v1.Peer"

// PeerAcceptor admits and removes dependent peers on the authority.
type PeerAcceptor interface {
	AcceptPeer(token uuid.UUID) (network.Welcome, error)
	DropPeer(token uuid.UUID) error
	WatchPeer(token uuid.UUID) (<-chan struct{}, error)
}

type peerService interface {
	Connect(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
	Disconnect(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Watch(*wrapperspb.BytesValue, grpc.ServerStream) error
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: peerServiceName,
	HandlerType: (*peerService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(peerServiceName, "Connect", func(srv any, ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
			return srv.(peerService).Connect(ctx, in)
		}),
		unaryMethod(peerServiceName, "Disconnect", func(srv any, ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
			return srv.(peerService).Disconnect(ctx, in)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Watch",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(wrapperspb.BytesValue)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(peerService).Watch(in, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "vinom/lobbybridge/v1/peer.proto",
}

// PeerServer is the authority side of the dependent peer handshake.
type PeerServer struct {
	acceptor PeerAcceptor
	logger   i.Logger
}

// RegisterPeerServer registers the peer service on gsr.
func RegisterPeerServer(gsr grpc.ServiceRegistrar, acceptor PeerAcceptor, logger i.Logger) error {
	if acceptor == nil || logger == nil {
		return errors.New("peer server needs an acceptor and a logger")
	}

	gsr.RegisterService(&peerServiceDesc, &PeerServer{acceptor: acceptor, logger: logger})
	return nil
}

func (s *PeerServer) Connect(ctx context.Context, r *wrapperspb.BytesValue) (*structpb.Struct, error) {
	token, err := uuid.FromBytes(r.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parsing peer token: %s", err)
	}

	w, err := s.acceptor.AcceptPeer(token)
	if err != nil {
		return nil, peerError(err)
	}
	s.logger.Info(fmt.Sprintf("accepted peer %s as client %d", token, w.ClientID))

	out, err := structpb.NewStruct(map[string]any{
		"client_id":      float64(w.ClientID),
		"server_addr":    w.ServerAddr,
		"server_pub_key": base64.StdEncoding.EncodeToString(w.ServerPubKey),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding welcome: %s", err)
	}
	return out, nil
}

func (s *PeerServer) Disconnect(ctx context.Context, r *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	token, err := uuid.FromBytes(r.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parsing peer token: %s", err)
	}
	if err := s.acceptor.DropPeer(token); err != nil {
		return nil, peerError(err)
	}
	s.logger.Info(fmt.Sprintf("peer %s left", token))
	return &emptypb.Empty{}, nil
}

// Watch holds the stream open while the peer stays admitted. A peer whose
// stream breaks is dropped.
func (s *PeerServer) Watch(r *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	token, err := uuid.FromBytes(r.GetValue())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "parsing peer token: %s", err)
	}
	gone, err := s.acceptor.WatchPeer(token)
	if err != nil {
		return peerError(err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		s.lost(token)
		return err
	}

	select {
	case <-gone:
		return nil
	case <-stream.Context().Done():
		s.lost(token)
		return stream.Context().Err()
	}
}

func (s *PeerServer) lost(token uuid.UUID) {
	if err := s.acceptor.DropPeer(token); err == nil {
		s.logger.Warning(fmt.Sprintf("peer %s lost", token))
	}
}

func peerError(err error) error {
	switch {
	case errors.Is(err, network.ErrNotHosting):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, network.ErrUnknownPeer):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// PeerDialer reaches remote authorities over the peer service. It keeps one
// connection per target until Disconnect or Close.
type PeerDialer struct {
	opts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

var _ network.Dialer = (*PeerDialer)(nil)

// NewPeerDialer creates a dialer. Without options connections are made
// without transport security.
func NewPeerDialer(opts ...grpc.DialOption) *PeerDialer {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &PeerDialer{opts: opts, conns: make(map[string]*grpc.ClientConn)}
}

func (d *PeerDialer) conn(target string) (*grpc.ClientConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cc, ok := d.conns[target]; ok {
		return cc, nil
	}

	cc, err := grpc.NewClient(target, d.opts...)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", target, err)
	}
	d.conns[target] = cc
	return cc, nil
}

// Connect asks the authority at target to admit token.
func (d *PeerDialer) Connect(ctx context.Context, target string, token uuid.UUID) (network.Welcome, error) {
	cc, err := d.conn(target)
	if err != nil {
		return network.Welcome{}, err
	}

	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, "/"+peerServiceName+"/Connect", wrapperspb.Bytes(token[:]), out); err != nil {
		return network.Welcome{}, fmt.Errorf("connecting to %s: %w", target, err)
	}

	fields := out.GetFields()
	key, err := base64.StdEncoding.DecodeString(fields["server_pub_key"].GetStringValue())
	if err != nil {
		return network.Welcome{}, fmt.Errorf("decoding server key: %w", err)
	}
	return network.Welcome{
		ClientID:     i.ClientID(fields["client_id"].GetNumberValue()),
		ServerAddr:   fields["server_addr"].GetStringValue(),
		ServerPubKey: key,
	}, nil
}

// Disconnect tells the authority at target that token left and drops the
// connection. A token the authority no longer knows counts as gone.
func (d *PeerDialer) Disconnect(ctx context.Context, target string, token uuid.UUID) error {
	cc, err := d.conn(target)
	if err != nil {
		return err
	}
	defer d.forget(target)

	err = cc.Invoke(ctx, "/"+peerServiceName+"/Disconnect", wrapperspb.Bytes(token[:]), new(emptypb.Empty))
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("disconnecting from %s: %w", target, err)
	}
	return nil
}

// Watch blocks until the authority at target ends token's session. It
// returns nil when the authority closes the stream.
func (d *PeerDialer) Watch(ctx context.Context, target string, token uuid.UUID) error {
	cc, err := d.conn(target)
	if err != nil {
		return err
	}

	stream, err := cc.NewStream(ctx, &peerServiceDesc.Streams[0], "/"+peerServiceName+"/Watch")
	if err != nil {
		return fmt.Errorf("watching %s: %w", target, err)
	}
	if err := stream.SendMsg(wrapperspb.Bytes(token[:])); err != nil {
		return fmt.Errorf("watching %s: %w", target, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("watching %s: %w", target, err)
	}
	for {
		if err := stream.RecvMsg(new(emptypb.Empty)); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("watching %s: %w", target, err)
		}
	}
}

func (d *PeerDialer) forget(target string) {
	d.mu.Lock()
	cc, ok := d.conns[target]
	delete(d.conns, target)
	d.mu.Unlock()

	if ok {
		_ = cc.Close()
	}
}

// Close drops every connection.
func (d *PeerDialer) Close() error {
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[string]*grpc.ClientConn)
	d.mu.Unlock()

	var errs []error
	for _, cc := range conns {
		errs = append(errs, cc.Close())
	}
	return errors.Join(errs...)
}

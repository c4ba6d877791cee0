package api

import (
	"context"
	"errors"

	"github.com/beka-birhanu/vinom-lobby-bridge/service/i"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const sessionServiceName = "vinom.lobbybridge.v1.Session"

type sessionService interface {
	Host(context.Context, *wrapperspb.Int32Value) (*emptypb.Empty, error)
	Join(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	JoinLobby(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Invite(context.Context, *wrapperspb.UInt64Value) (*emptypb.Empty, error)
	AcceptInvite(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	SetMemberData(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	LobbyInfo(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Disconnect(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	State(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: sessionServiceName,
	HandlerType: (*sessionService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(sessionServiceName, "Host", func(srv any, ctx context.Context, in *wrapperspb.Int32Value) (*emptypb.Empty, error) {
			return srv.(sessionService).Host(ctx, in)
		}),
		unaryMethod(sessionServiceName, "Join", func(srv any, ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
			return srv.(sessionService).Join(ctx, in)
		}),
		unaryMethod(sessionServiceName, "JoinLobby", func(srv any, ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
			return srv.(sessionService).JoinLobby(ctx, in)
		}),
		unaryMethod(sessionServiceName, "Invite", func(srv any, ctx context.Context, in *wrapperspb.UInt64Value) (*emptypb.Empty, error) {
			return srv.(sessionService).Invite(ctx, in)
		}),
		unaryMethod(sessionServiceName, "AcceptInvite", func(srv any, ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
			return srv.(sessionService).AcceptInvite(ctx, in)
		}),
		unaryMethod(sessionServiceName, "SetMemberData", func(srv any, ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
			return srv.(sessionService).SetMemberData(ctx, in)
		}),
		unaryMethod(sessionServiceName, "LobbyInfo", func(srv any, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
			return srv.(sessionService).LobbyInfo(ctx, in)
		}),
		unaryMethod(sessionServiceName, "Disconnect", func(srv any, ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error) {
			return srv.(sessionService).Disconnect(ctx, in)
		}),
		unaryMethod(sessionServiceName, "State", func(srv any, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
			return srv.(sessionService).State(ctx, in)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vinom/lobbybridge/v1/session.proto",
}

// SessionServer lets the engine integration layer drive the session
// bootstrapper. Bootstrapper calls run on its dispatcher; lobby calls go
// to the directory.
type SessionServer struct {
	bootstrapper i.SessionBootstrapper
	dispatcher   i.Dispatcher
	directory    i.LobbyDirectory
}

// RegisterSessionServer registers the session service on gsr.
func RegisterSessionServer(gsr grpc.ServiceRegistrar, b i.SessionBootstrapper, d i.Dispatcher, dir i.LobbyDirectory) error {
	if b == nil || d == nil || dir == nil {
		return errors.New("session server needs a bootstrapper, a dispatcher and a lobby directory")
	}

	gsr.RegisterService(&sessionServiceDesc, &SessionServer{
		bootstrapper: b,
		dispatcher:   d,
		directory:    dir,
	})
	return nil
}

func (s *SessionServer) Host(ctx context.Context, r *wrapperspb.Int32Value) (*emptypb.Empty, error) {
	if r.GetValue() <= 0 {
		return nil, status.Error(codes.InvalidArgument, "max members must be positive")
	}

	err := s.dispatcher.Do(ctx, func() { s.bootstrapper.StartHost(int(r.GetValue())) })
	if err != nil {
		return nil, dispatchError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *SessionServer) Join(ctx context.Context, r *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if r.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "target address is required")
	}

	// The closure can still run after Do returns on ctx.
	started := make(chan bool, 1)
	err := s.dispatcher.Do(ctx, func() { started <- s.bootstrapper.StartClient(r.GetValue()) })
	if err != nil {
		return nil, dispatchError(err)
	}
	return wrapperspb.Bool(<-started), nil
}

func (s *SessionServer) JoinLobby(ctx context.Context, r *wrapperspb.StringValue) (*emptypb.Empty, error) {
	id, err := uuid.Parse(r.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "lobby id: %s", err)
	}

	if err := s.dispatcher.Do(ctx, func() { s.bootstrapper.JoinLobby(id) }); err != nil {
		return nil, dispatchError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *SessionServer) Invite(ctx context.Context, r *wrapperspb.UInt64Value) (*emptypb.Empty, error) {
	if r.GetValue() == 0 {
		return nil, status.Error(codes.InvalidArgument, "user id is required")
	}

	l, err := s.currentLobby(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.directory.Invite(ctx, l.ID, i.UserID(r.GetValue())); err != nil {
		return nil, lobbyError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *SessionServer) AcceptInvite(ctx context.Context, r *wrapperspb.StringValue) (*emptypb.Empty, error) {
	id, err := uuid.Parse(r.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "lobby id: %s", err)
	}

	if err := s.directory.AcceptInvite(ctx, id); err != nil {
		return nil, lobbyError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *SessionServer) SetMemberData(ctx context.Context, r *structpb.Struct) (*emptypb.Empty, error) {
	key := r.GetFields()["key"].GetStringValue()
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}

	l, err := s.currentLobby(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.directory.SetMemberData(ctx, l.ID, key, r.GetFields()["value"].GetStringValue()); err != nil {
		return nil, lobbyError(err)
	}
	return &emptypb.Empty{}, nil
}

// LobbyInfo describes the lobby with the given id, or the session's own
// lobby when the id is empty.
func (s *SessionServer) LobbyInfo(ctx context.Context, r *wrapperspb.StringValue) (*structpb.Struct, error) {
	var id uuid.UUID
	if r.GetValue() == "" {
		l, err := s.currentLobby(ctx)
		if err != nil {
			return nil, err
		}
		id = l.ID
	} else {
		parsed, err := uuid.Parse(r.GetValue())
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "lobby id: %s", err)
		}
		id = parsed
	}

	l, err := s.directory.LobbyInfo(ctx, id)
	if err != nil {
		return nil, lobbyError(err)
	}
	out, err := structpb.NewStruct(lobbyFields(l))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding lobby: %s", err)
	}
	return out, nil
}

func (s *SessionServer) Disconnect(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.dispatcher.Do(ctx, s.bootstrapper.Disconnect); err != nil {
		return nil, dispatchError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *SessionServer) State(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.state(ctx)
	if err != nil {
		return nil, err
	}

	out, err := structpb.NewStruct(stateFields(st))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding state: %s", err)
	}
	return out, nil
}

func (s *SessionServer) state(ctx context.Context) (i.SessionState, error) {
	res := make(chan i.SessionState, 1)
	if err := s.dispatcher.Do(ctx, func() { res <- s.bootstrapper.State() }); err != nil {
		return nil, dispatchError(err)
	}
	return <-res, nil
}

// currentLobby returns the lobby of the session, failing when there is none.
func (s *SessionServer) currentLobby(ctx context.Context) (*i.Lobby, error) {
	st, err := s.state(ctx)
	if err != nil {
		return nil, err
	}
	l, ok := i.SessionLobby(st)
	if !ok {
		return nil, status.Error(codes.FailedPrecondition, "session has no lobby")
	}
	return l, nil
}

func stateFields(st i.SessionState) map[string]any {
	fields := map[string]any{"state": "none"}
	switch s := st.(type) {
	case i.Connecting:
		fields["state"] = "connecting"
		if s.Target != "" {
			fields["host"] = s.Target
		}
	case i.Active:
		fields["state"] = "active"
		if s.Host != "" {
			fields["host"] = s.Host
		}
	}

	if role := i.SessionRole(st); role != 0 {
		fields["role"] = role.String()
	}
	if l, ok := i.SessionLobby(st); ok {
		fields["lobby_id"] = l.ID.String()
		fields["members"] = len(l.Members)
		fields["max_members"] = l.MaxMembers
	}
	return fields
}

// SessionClient calls a remote session service.
type SessionClient struct {
	cc grpc.ClientConnInterface
}

// NewSessionClient wraps cc.
func NewSessionClient(cc grpc.ClientConnInterface) *SessionClient {
	return &SessionClient{cc: cc}
}

func (c *SessionClient) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+sessionServiceName+"/"+method, in, out)
}

// Host asks the node to host a lobby of maxMembers.
func (c *SessionClient) Host(ctx context.Context, maxMembers int32) error {
	return c.invoke(ctx, "Host", wrapperspb.Int32(maxMembers), new(emptypb.Empty))
}

// Join asks the node to connect to target. It returns whether the start
// was accepted.
func (c *SessionClient) Join(ctx context.Context, target string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.invoke(ctx, "Join", wrapperspb.String(target), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// JoinLobby asks the node to join the lobby and connect to its host.
func (c *SessionClient) JoinLobby(ctx context.Context, id uuid.UUID) error {
	return c.invoke(ctx, "JoinLobby", wrapperspb.String(id.String()), new(emptypb.Empty))
}

// Invite invites user into the node's current lobby.
func (c *SessionClient) Invite(ctx context.Context, user i.UserID) error {
	return c.invoke(ctx, "Invite", wrapperspb.UInt64(uint64(user)), new(emptypb.Empty))
}

// AcceptInvite accepts a pending invite into the lobby.
func (c *SessionClient) AcceptInvite(ctx context.Context, id uuid.UUID) error {
	return c.invoke(ctx, "AcceptInvite", wrapperspb.String(id.String()), new(emptypb.Empty))
}

// SetMemberData sets key on the node's entry in its current lobby.
func (c *SessionClient) SetMemberData(ctx context.Context, key, value string) error {
	in, err := structpb.NewStruct(map[string]any{"key": key, "value": value})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "SetMemberData", in, new(emptypb.Empty))
}

// LobbyInfo describes the lobby. uuid.Nil asks for the node's own lobby.
func (c *SessionClient) LobbyInfo(ctx context.Context, id uuid.UUID) (i.Lobby, error) {
	var in string
	if id != uuid.Nil {
		in = id.String()
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "LobbyInfo", wrapperspb.String(in), out); err != nil {
		return i.Lobby{}, err
	}
	return lobbyFrom(out.GetFields())
}

// Disconnect ends the node's session.
func (c *SessionClient) Disconnect(ctx context.Context) error {
	return c.invoke(ctx, "Disconnect", &emptypb.Empty{}, new(emptypb.Empty))
}

// State returns the node's session state as a map.
func (c *SessionClient) State(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "State", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/beka-birhanu/vinom-lobby-bridge/event"
	"github.com/beka-birhanu/vinom-lobby-bridge/matchmaking"
	"github.com/beka-birhanu/vinom-lobby-bridge/service/i"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	matchmakingServiceName = "vinom.lobbybridge.v1.Matchmaking"

	// watchBuffer is how many notices may wait for a slow watcher before
	// the registry blocks on it.
	watchBuffer = 64
)

// Notice kinds sent on the watch stream.
const (
	noticeReady              = "ready"
	noticeCreateDone         = "create_done"
	noticeJoinDone           = "join_done"
	noticeCreated            = "created"
	noticeEntered            = "entered"
	noticeMemberJoined       = "member_joined"
	noticeMemberLeft         = "member_left"
	noticeMemberDisconnected = "member_disconnected"
	noticeMemberDataChanged  = "member_data_changed"
	noticeInvited            = "invited"
	noticeJoinRequested      = "join_requested"
)

type matchmakingService interface {
	Watch(*structpb.Struct, grpc.ServerStream) error
	CreateLobby(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	JoinLobby(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	LeaveLobby(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	UpdateLobby(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SetMemberData(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Invite(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	AcceptInvite(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	LobbyInfo(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// requestMethod is a unary matchmaking method taking a struct request.
func requestMethod(name string, call func(matchmakingService, context.Context, *structpb.Struct) (*emptypb.Empty, error)) grpc.MethodDesc {
	return unaryMethod(matchmakingServiceName, name, func(srv any, ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
		return call(srv.(matchmakingService), ctx, in)
	})
}

var matchmakingServiceDesc = grpc.ServiceDesc{
	ServiceName: matchmakingServiceName,
	HandlerType: (*matchmakingService)(nil),
	Methods: []grpc.MethodDesc{
		requestMethod("CreateLobby", matchmakingService.CreateLobby),
		requestMethod("JoinLobby", matchmakingService.JoinLobby),
		requestMethod("LeaveLobby", matchmakingService.LeaveLobby),
		requestMethod("UpdateLobby", matchmakingService.UpdateLobby),
		requestMethod("SetMemberData", matchmakingService.SetMemberData),
		requestMethod("Invite", matchmakingService.Invite),
		requestMethod("AcceptInvite", matchmakingService.AcceptInvite),
		unaryMethod(matchmakingServiceName, "LobbyInfo", func(srv any, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
			return srv.(matchmakingService).LobbyInfo(ctx, in)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Watch",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(matchmakingService).Watch(in, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "vinom/lobbybridge/v1/matchmaking.proto",
}

// MatchmakingServer shares a lobby registry with remote nodes. A node is a
// registry user for as long as it holds a Watch stream; the stream carries
// its notifications and the completions of its create and join requests.
type MatchmakingServer struct {
	registry *matchmaking.Registry
	logger   i.Logger

	mu       sync.Mutex
	watchers map[i.UserID]*watcher
}

type watcher struct {
	client *matchmaking.Client
	logger i.Logger
	out    chan *structpb.Struct
	done   chan struct{}
}

// push queues a notice for the stream. Notices pushed after the stream
// ended are dropped.
func (w *watcher) push(fields map[string]any) {
	n, err := structpb.NewStruct(fields)
	if err != nil {
		w.logger.Error(fmt.Sprintf("encoding %v notice: %s", fields["kind"], err))
		return
	}
	select {
	case w.out <- n:
	case <-w.done:
	}
}

// RegisterMatchmakingServer registers the matchmaking service on gsr.
func RegisterMatchmakingServer(gsr grpc.ServiceRegistrar, registry *matchmaking.Registry, logger i.Logger) error {
	if registry == nil || logger == nil {
		return errors.New("matchmaking server needs a registry and a logger")
	}

	gsr.RegisterService(&matchmakingServiceDesc, &MatchmakingServer{
		registry: registry,
		logger:   logger,
		watchers: make(map[i.UserID]*watcher),
	})
	return nil
}

func (s *MatchmakingServer) Watch(r *structpb.Struct, stream grpc.ServerStream) error {
	self, err := memberFrom(r.GetFields())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "parsing member: %s", err)
	}

	w := &watcher{
		logger: s.logger,
		out:    make(chan *structpb.Struct, watchBuffer),
		done:   make(chan struct{}),
	}
	w.client = s.registry.Connect(self)

	var subs event.Group
	subs.Add(event.Func(w.client.Close))
	subs.Add(
		w.client.OnLobbyCreated(func(r i.Result, l i.Lobby) {
			w.push(map[string]any{"kind": noticeCreated, "result": int(r), "lobby": lobbyFields(l)})
		}),
		w.client.OnLobbyEntered(func(l i.Lobby) {
			w.push(map[string]any{"kind": noticeEntered, "lobby": lobbyFields(l)})
		}),
		w.client.OnMemberJoined(memberPush(w, noticeMemberJoined)),
		w.client.OnMemberLeft(memberPush(w, noticeMemberLeft)),
		w.client.OnMemberDisconnected(memberPush(w, noticeMemberDisconnected)),
		w.client.OnMemberDataChanged(memberPush(w, noticeMemberDataChanged)),
		w.client.OnInviteReceived(func(from i.Member, l i.Lobby) {
			w.push(map[string]any{"kind": noticeInvited, "lobby": lobbyFields(l), "member": memberFields(from)})
		}),
		w.client.OnJoinRequested(memberPush(w, noticeJoinRequested)),
	)

	s.mu.Lock()
	s.watchers[self.ID] = w
	s.mu.Unlock()
	defer func() {
		close(w.done)
		s.mu.Lock()
		if s.watchers[self.ID] == w {
			delete(s.watchers, self.ID)
		}
		s.mu.Unlock()
		subs.Release()
		s.logger.Info(fmt.Sprintf("%s stopped watching", self.Name))
	}()

	s.logger.Info(fmt.Sprintf("%s watching lobbies", self.Name))
	w.push(map[string]any{"kind": noticeReady})
	for {
		select {
		case n := <-w.out:
			if err := stream.SendMsg(n); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func memberPush(w *watcher, kind string) func(i.Lobby, i.Member) {
	return func(l i.Lobby, m i.Member) {
		w.push(map[string]any{"kind": kind, "lobby": lobbyFields(l), "member": memberFields(m)})
	}
}

// watcherFor returns the watcher of the request's user.
func (s *MatchmakingServer) watcherFor(f map[string]*structpb.Value) (*watcher, error) {
	user, err := parseUser(f["user_id"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watchers[user]
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "user %d is not watching", user)
	}
	return w, nil
}

// request resolves the watcher and lobby id a request names.
func (s *MatchmakingServer) request(r *structpb.Struct) (*watcher, uuid.UUID, map[string]*structpb.Value, error) {
	f := r.GetFields()
	w, err := s.watcherFor(f)
	if err != nil {
		return nil, uuid.Nil, nil, err
	}
	id, err := uuid.Parse(f["lobby_id"].GetStringValue())
	if err != nil {
		return nil, uuid.Nil, nil, status.Errorf(codes.InvalidArgument, "parsing lobby id: %s", err)
	}
	return w, id, f, nil
}

func (s *MatchmakingServer) CreateLobby(ctx context.Context, r *structpb.Struct) (*emptypb.Empty, error) {
	f := r.GetFields()
	w, err := s.watcherFor(f)
	if err != nil {
		return nil, err
	}

	req := f["request_id"].GetStringValue()
	w.client.CreateLobby(int(f["max_members"].GetNumberValue()), func(l i.Lobby, err error) {
		n := map[string]any{"kind": noticeCreateDone, "request_id": req}
		if err != nil {
			n["error"] = err.Error()
		} else {
			n["lobby"] = lobbyFields(l)
		}
		w.push(n)
	})
	return &emptypb.Empty{}, nil
}

func (s *MatchmakingServer) JoinLobby(ctx context.Context, r *structpb.Struct) (*emptypb.Empty, error) {
	w, id, f, err := s.request(r)
	if err != nil {
		return nil, err
	}

	req := f["request_id"].GetStringValue()
	w.client.JoinLobby(id, func(re i.RoomEnter) {
		w.push(map[string]any{"kind": noticeJoinDone, "request_id": req, "room_enter": int(re)})
	})
	return &emptypb.Empty{}, nil
}

func (s *MatchmakingServer) LeaveLobby(ctx context.Context, r *structpb.Struct) (*emptypb.Empty, error) {
	w, id, _, err := s.request(r)
	if err != nil {
		return nil, err
	}
	w.client.LeaveLobby(id)
	return &emptypb.Empty{}, nil
}

// UpdateLobby applies whichever of public, joinable and game_server the
// request carries.
func (s *MatchmakingServer) UpdateLobby(ctx context.Context, r *structpb.Struct) (*emptypb.Empty, error) {
	w, id, f, err := s.request(r)
	if err != nil {
		return nil, err
	}

	if v, ok := f["public"]; ok {
		if v.GetBoolValue() {
			w.client.SetPublic(id)
		} else {
			w.client.SetPrivate(id)
		}
	}
	if v, ok := f["joinable"]; ok {
		w.client.SetJoinable(id, v.GetBoolValue())
	}
	if v, ok := f["game_server"]; ok {
		w.client.SetGameServer(id, v.GetStringValue())
	}
	return &emptypb.Empty{}, nil
}

func (s *MatchmakingServer) SetMemberData(ctx context.Context, r *structpb.Struct) (*emptypb.Empty, error) {
	w, id, f, err := s.request(r)
	if err != nil {
		return nil, err
	}
	if err := w.client.SetMemberData(ctx, id, f["key"].GetStringValue(), f["value"].GetStringValue()); err != nil {
		return nil, lobbyError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *MatchmakingServer) Invite(ctx context.Context, r *structpb.Struct) (*emptypb.Empty, error) {
	w, id, f, err := s.request(r)
	if err != nil {
		return nil, err
	}
	invitee, err := parseUser(f["invitee"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := w.client.Invite(ctx, id, invitee); err != nil {
		return nil, lobbyError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *MatchmakingServer) AcceptInvite(ctx context.Context, r *structpb.Struct) (*emptypb.Empty, error) {
	w, id, _, err := s.request(r)
	if err != nil {
		return nil, err
	}
	if err := w.client.AcceptInvite(ctx, id); err != nil {
		return nil, lobbyError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *MatchmakingServer) LobbyInfo(ctx context.Context, r *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := uuid.Parse(r.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parsing lobby id: %s", err)
	}
	l, ok := s.registry.Lobby(id)
	if !ok {
		return nil, lobbyError(fmt.Errorf("%w: %s", matchmaking.ErrLobbyNotFound, id))
	}

	out, err := structpb.NewStruct(lobbyFields(l))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding lobby: %s", err)
	}
	return out, nil
}

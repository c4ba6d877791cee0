package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/beka-birhanu/vinom-lobby-bridge/event"
	"github.com/beka-birhanu/vinom-lobby-bridge/service"
	"github.com/beka-birhanu/vinom-lobby-bridge/service/i"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const matchmakingCallTimeout = 5 * time.Second

// ErrMatchmakingClosed fails requests still waiting when the watch stream
// ends.
var ErrMatchmakingClosed = errors.New("matchmaking connection closed")

var _ i.LobbyService = (*MatchmakingClient)(nil)

type createdNotice struct {
	result i.Result
	lobby  i.Lobby
}

type memberNotice struct {
	lobby  i.Lobby
	member i.Member
}

// MatchmakingClient is one user's handle on a remote matchmaking service.
// Requests that do not block go out in order on a background outbox, and
// their completions arrive on the watch stream, so a create completes before
// its created and entered notifications, as with an in-process client.
type MatchmakingClient struct {
	cc     grpc.ClientConnInterface
	self   i.Member
	logger i.Logger
	outbox *service.Queue
	ready  chan struct{}
	once   sync.Once

	mu      sync.Mutex
	nextReq uint64
	creates map[string]func(i.Lobby, error)
	joins   map[string]func(i.RoomEnter)

	created            event.Signal[createdNotice]
	entered            event.Signal[i.Lobby]
	memberJoined       event.Signal[memberNotice]
	memberLeft         event.Signal[memberNotice]
	memberDisconnected event.Signal[memberNotice]
	memberDataChanged  event.Signal[memberNotice]
	invited            event.Signal[memberNotice]
	joinRequested      event.Signal[memberNotice]
}

// NewMatchmakingClient creates a client for self. It does nothing until Run.
func NewMatchmakingClient(cc grpc.ClientConnInterface, self i.Member, logger i.Logger) *MatchmakingClient {
	return &MatchmakingClient{
		cc:      cc,
		self:    self,
		logger:  logger,
		outbox:  service.NewQueue(),
		ready:   make(chan struct{}),
		creates: make(map[string]func(i.Lobby, error)),
		joins:   make(map[string]func(i.RoomEnter)),
	}
}

// Ready is closed once the service has registered the user.
func (c *MatchmakingClient) Ready() <-chan struct{} {
	return c.ready
}

// Run watches the service until ctx is done or the stream ends. A client
// runs once; afterwards every request fails with ErrMatchmakingClosed.
func (c *MatchmakingClient) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.closePending()

	req, err := structpb.NewStruct(memberFields(c.self))
	if err != nil {
		return fmt.Errorf("encoding member: %w", err)
	}
	stream, err := c.cc.NewStream(ctx, &matchmakingServiceDesc.Streams[0], "/"+matchmakingServiceName+"/Watch")
	if err != nil {
		return fmt.Errorf("watching matchmaking: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("watching matchmaking: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("watching matchmaking: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Requests wait until the service knows the user.
		select {
		case <-c.ready:
		case <-gctx.Done():
			return nil
		}
		return c.outbox.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		for {
			n := new(structpb.Struct)
			if err := stream.RecvMsg(n); err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("receiving matchmaking notices: %w", err)
			}
			c.deliver(n.GetFields())
		}
	})
	return g.Wait()
}

// closePending stops the outbox and fails requests still waiting.
func (c *MatchmakingClient) closePending() {
	c.outbox.Close()

	c.mu.Lock()
	creates, joins := c.creates, c.joins
	c.creates = make(map[string]func(i.Lobby, error))
	c.joins = make(map[string]func(i.RoomEnter))
	c.mu.Unlock()

	for _, done := range creates {
		done(i.Lobby{}, ErrMatchmakingClosed)
	}
	for _, done := range joins {
		done(i.RoomEnterError)
	}
}

func (c *MatchmakingClient) deliver(f map[string]*structpb.Value) {
	kind := f["kind"].GetStringValue()
	switch kind {
	case noticeReady:
		c.once.Do(func() { close(c.ready) })
	case noticeCreateDone:
		done := c.takeCreate(f["request_id"].GetStringValue())
		if done == nil {
			return
		}
		if msg := f["error"].GetStringValue(); msg != "" {
			done(i.Lobby{}, errors.New(msg))
			return
		}
		l, err := lobbyFrom(f["lobby"].GetStructValue().GetFields())
		done(l, err)
	case noticeJoinDone:
		if done := c.takeJoin(f["request_id"].GetStringValue()); done != nil {
			done(i.RoomEnter(f["room_enter"].GetNumberValue()))
		}
	case noticeCreated:
		l, err := lobbyFrom(f["lobby"].GetStructValue().GetFields())
		if err != nil {
			c.logger.Error(fmt.Sprintf("decoding %s notice: %s", kind, err))
			return
		}
		c.created.Emit(createdNotice{result: i.Result(f["result"].GetNumberValue()), lobby: l})
	case noticeEntered:
		l, err := lobbyFrom(f["lobby"].GetStructValue().GetFields())
		if err != nil {
			c.logger.Error(fmt.Sprintf("decoding %s notice: %s", kind, err))
			return
		}
		c.entered.Emit(l)
	case noticeMemberJoined, noticeMemberLeft, noticeMemberDisconnected, noticeMemberDataChanged, noticeInvited, noticeJoinRequested:
		l, err := lobbyFrom(f["lobby"].GetStructValue().GetFields())
		if err != nil {
			c.logger.Error(fmt.Sprintf("decoding %s notice: %s", kind, err))
			return
		}
		m, err := memberFrom(f["member"].GetStructValue().GetFields())
		if err != nil {
			c.logger.Error(fmt.Sprintf("decoding %s notice: %s", kind, err))
			return
		}
		c.memberSignal(kind).Emit(memberNotice{lobby: l, member: m})
	default:
		c.logger.Warning(fmt.Sprintf("unknown matchmaking notice %q", kind))
	}
}

func (c *MatchmakingClient) memberSignal(kind string) *event.Signal[memberNotice] {
	switch kind {
	case noticeMemberJoined:
		return &c.memberJoined
	case noticeMemberLeft:
		return &c.memberLeft
	case noticeMemberDisconnected:
		return &c.memberDisconnected
	case noticeMemberDataChanged:
		return &c.memberDataChanged
	case noticeInvited:
		return &c.invited
	default:
		return &c.joinRequested
	}
}

func (c *MatchmakingClient) requestID() string {
	c.nextReq++
	return strconv.FormatUint(c.nextReq, 10)
}

func (c *MatchmakingClient) takeCreate(id string) func(i.Lobby, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	done := c.creates[id]
	delete(c.creates, id)
	return done
}

func (c *MatchmakingClient) takeJoin(id string) func(i.RoomEnter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	done := c.joins[id]
	delete(c.joins, id)
	return done
}

// send queues a request on the outbox. fail runs if the request cannot be
// delivered.
func (c *MatchmakingClient) send(method string, fields map[string]any, fail func(error)) {
	fields["user_id"] = formatUser(c.self.ID)
	req, err := structpb.NewStruct(fields)
	if err != nil {
		fail(fmt.Errorf("encoding %s: %w", method, err))
		return
	}

	err = c.outbox.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), matchmakingCallTimeout)
		defer cancel()
		if err := c.cc.Invoke(ctx, "/"+matchmakingServiceName+"/"+method, req, new(emptypb.Empty)); err != nil {
			fail(fmt.Errorf("%s: %w", method, err))
		}
	})
	if err != nil {
		fail(ErrMatchmakingClosed)
	}
}

func (c *MatchmakingClient) logFailure(err error) {
	c.logger.Warning(err.Error())
}

// call runs a blocking request.
func (c *MatchmakingClient) call(ctx context.Context, method string, fields map[string]any) error {
	fields["user_id"] = formatUser(c.self.ID)
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	if err := c.cc.Invoke(ctx, "/"+matchmakingServiceName+"/"+method, req, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Self returns the user behind the client.
func (c *MatchmakingClient) Self() i.Member {
	return c.self
}

func (c *MatchmakingClient) CreateLobby(maxMembers int, done func(i.Lobby, error)) {
	c.mu.Lock()
	id := c.requestID()
	c.creates[id] = done
	c.mu.Unlock()

	c.send("CreateLobby", map[string]any{"request_id": id, "max_members": maxMembers}, func(err error) {
		if done := c.takeCreate(id); done != nil {
			done(i.Lobby{}, err)
		}
	})
}

func (c *MatchmakingClient) JoinLobby(lobby uuid.UUID, done func(i.RoomEnter)) {
	c.mu.Lock()
	id := c.requestID()
	c.joins[id] = done
	c.mu.Unlock()

	c.send("JoinLobby", map[string]any{"request_id": id, "lobby_id": lobby.String()}, func(err error) {
		c.logFailure(err)
		if done := c.takeJoin(id); done != nil {
			done(i.RoomEnterError)
		}
	})
}

func (c *MatchmakingClient) LeaveLobby(id uuid.UUID) {
	c.send("LeaveLobby", map[string]any{"lobby_id": id.String()}, c.logFailure)
}

func (c *MatchmakingClient) SetPublic(id uuid.UUID) {
	c.send("UpdateLobby", map[string]any{"lobby_id": id.String(), "public": true}, c.logFailure)
}

func (c *MatchmakingClient) SetJoinable(id uuid.UUID, joinable bool) {
	c.send("UpdateLobby", map[string]any{"lobby_id": id.String(), "joinable": joinable}, c.logFailure)
}

func (c *MatchmakingClient) SetGameServer(id uuid.UUID, addr string) {
	c.send("UpdateLobby", map[string]any{"lobby_id": id.String(), "game_server": addr}, c.logFailure)
}

func (c *MatchmakingClient) Invite(ctx context.Context, id uuid.UUID, user i.UserID) error {
	return c.call(ctx, "Invite", map[string]any{"lobby_id": id.String(), "invitee": formatUser(user)})
}

func (c *MatchmakingClient) AcceptInvite(ctx context.Context, id uuid.UUID) error {
	return c.call(ctx, "AcceptInvite", map[string]any{"lobby_id": id.String()})
}

func (c *MatchmakingClient) SetMemberData(ctx context.Context, id uuid.UUID, key, value string) error {
	return c.call(ctx, "SetMemberData", map[string]any{"lobby_id": id.String(), "key": key, "value": value})
}

func (c *MatchmakingClient) LobbyInfo(ctx context.Context, id uuid.UUID) (i.Lobby, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+matchmakingServiceName+"/LobbyInfo", wrapperspb.String(id.String()), out); err != nil {
		return i.Lobby{}, fmt.Errorf("LobbyInfo: %w", err)
	}
	return lobbyFrom(out.GetFields())
}

func (c *MatchmakingClient) OnLobbyCreated(fn func(i.Result, i.Lobby)) event.Subscription {
	return c.created.Subscribe(func(n createdNotice) { fn(n.result, n.lobby) })
}

func (c *MatchmakingClient) OnLobbyEntered(fn func(i.Lobby)) event.Subscription {
	return c.entered.Subscribe(fn)
}

func (c *MatchmakingClient) OnMemberJoined(fn func(i.Lobby, i.Member)) event.Subscription {
	return c.memberJoined.Subscribe(func(n memberNotice) { fn(n.lobby, n.member) })
}

func (c *MatchmakingClient) OnMemberLeft(fn func(i.Lobby, i.Member)) event.Subscription {
	return c.memberLeft.Subscribe(func(n memberNotice) { fn(n.lobby, n.member) })
}

func (c *MatchmakingClient) OnMemberDisconnected(fn func(i.Lobby, i.Member)) event.Subscription {
	return c.memberDisconnected.Subscribe(func(n memberNotice) { fn(n.lobby, n.member) })
}

func (c *MatchmakingClient) OnMemberDataChanged(fn func(i.Lobby, i.Member)) event.Subscription {
	return c.memberDataChanged.Subscribe(func(n memberNotice) { fn(n.lobby, n.member) })
}

func (c *MatchmakingClient) OnInviteReceived(fn func(i.Member, i.Lobby)) event.Subscription {
	return c.invited.Subscribe(func(n memberNotice) { fn(n.member, n.lobby) })
}

func (c *MatchmakingClient) OnJoinRequested(fn func(i.Lobby, i.Member)) event.Subscription {
	return c.joinRequested.Subscribe(func(n memberNotice) { fn(n.lobby, n.member) })
}

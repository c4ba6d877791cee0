package service

import (
	"errors"
	"fmt"

	"github.com/beka-birhanu/vinom-lobby-bridge/event"
	"github.com/beka-birhanu/vinom-lobby-bridge/service/i"
	"github.com/google/uuid"
)

// ErrMissingDependency is returned when a Config field is nil.
var ErrMissingDependency = errors.New("missing dependency")

// Config holds the collaborators of a SessionBootstrapper.
type Config struct {
	Network     i.NetworkManager
	Matchmaking i.Matchmaking
	Dispatcher  i.Dispatcher
	Logger      i.Logger
}

// SessionBootstrapper bridges lobby notifications to the network manager.
//
// It is not safe for concurrent use. Every exported method must run on the
// Dispatcher given in Config; notifications from collaborators are posted to
// that same dispatcher, so no two handlers ever overlap.
type SessionBootstrapper struct {
	network i.NetworkManager
	lobbies i.Matchmaking
	queue   i.Dispatcher
	logger  i.Logger

	state i.SessionState
	// attempt increases on every start and teardown. Continuations and
	// network notifications carry the attempt they belong to and are
	// dropped once it is stale.
	attempt uint64
	// abandoned holds lobbies whose join completed after the session that
	// asked for it ended. Their entered notification must not start a client.
	abandoned map[uuid.UUID]struct{}

	sdk           event.Group
	peers         event.Group
	serverStarted event.Subscription
}

// NewSessionBootstrapper subscribes to the matchmaking notifications. The
// subscriptions are held until Close.
func NewSessionBootstrapper(c *Config) (*SessionBootstrapper, error) {
	if c == nil || c.Network == nil || c.Matchmaking == nil || c.Dispatcher == nil || c.Logger == nil {
		return nil, ErrMissingDependency
	}

	b := &SessionBootstrapper{
		network: c.Network,
		lobbies: c.Matchmaking,
		queue:   c.Dispatcher,
		logger:  c.Logger,
		state:   i.NoSession{},

		abandoned: make(map[uuid.UUID]struct{}),
	}

	mm := c.Matchmaking
	b.sdk.Add(
		mm.OnLobbyCreated(func(r i.Result, l i.Lobby) { b.queue.Post(func() { b.lobbyCreated(r, l) }) }),
		mm.OnLobbyEntered(func(l i.Lobby) { b.queue.Post(func() { b.lobbyEntered(l) }) }),
		mm.OnMemberJoined(func(l i.Lobby, m i.Member) { b.queue.Post(func() { b.memberJoined(l, m) }) }),
		mm.OnMemberLeft(func(l i.Lobby, m i.Member) { b.queue.Post(func() { b.memberLeft(l, m) }) }),
		mm.OnMemberDisconnected(func(l i.Lobby, m i.Member) { b.queue.Post(func() { b.memberDisconnected(l, m) }) }),
		mm.OnMemberDataChanged(func(l i.Lobby, m i.Member) { b.queue.Post(func() { b.memberDataChanged(l, m) }) }),
		mm.OnInviteReceived(func(from i.Member, l i.Lobby) { b.queue.Post(func() { b.inviteReceived(from, l) }) }),
		mm.OnJoinRequested(func(l i.Lobby, from i.Member) { b.queue.Post(func() { b.joinRequested(l, from) }) }),
	)
	return b, nil
}

// State returns the current session state.
func (b *SessionBootstrapper) State() i.SessionState {
	return b.state
}

// StartHost starts local network authority and then requests a lobby with
// room for maxMembers. The outcome is only reported through the log.
func (b *SessionBootstrapper) StartHost(maxMembers int) {
	if maxMembers <= 0 {
		b.logger.Error(fmt.Sprintf("invalid lobby size: %d", maxMembers))
		return
	}
	if _, idle := b.state.(i.NoSession); !idle {
		b.logger.Warning("host requested while a session is in progress")
		return
	}

	attempt := b.next()
	b.serverStarted = b.network.OnServerStarted(func() {
		b.queue.Post(func() { b.hostCreated(attempt) })
	})
	b.subscribePeers(attempt)

	if err := b.network.StartHost(); err != nil {
		b.logger.Error(fmt.Sprintf("starting host: %s", err))
		b.release()
		return
	}
	b.state = i.Connecting{Role: i.RoleHost}

	b.lobbies.CreateLobby(maxMembers, func(l i.Lobby, err error) {
		b.queue.Post(func() { b.lobbyReady(attempt, l, err) })
	})
}

// StartClient points the network layer at target and starts a dependent
// peer. It reports whether the network layer accepted the start.
func (b *SessionBootstrapper) StartClient(target string) bool {
	if target == "" {
		b.logger.Error("client start without a target address")
		return false
	}

	var lobby *i.Lobby
	switch st := b.state.(type) {
	case i.NoSession:
	case i.Connecting:
		if st.Role != i.RoleClient || st.Target != "" {
			b.logger.Warning("client requested while a session is in progress")
			return false
		}
		lobby = st.Lobby
	default:
		b.logger.Warning("client requested while a session is in progress")
		return false
	}

	attempt := b.next()
	b.subscribePeers(attempt)
	b.network.SetTargetAddress(target)

	if !b.network.StartClient() {
		b.logger.Error(fmt.Sprintf("client start rejected for %s", target))
		b.release()
		if lobby != nil {
			b.lobbies.LeaveLobby(lobby.ID)
		}
		b.state = i.NoSession{}
		return false
	}

	b.state = i.Connecting{Role: i.RoleClient, Lobby: lobby, Target: target}
	b.logger.Info(fmt.Sprintf("client started for %s", target))
	return true
}

// Disconnect leaves the lobby and shuts the network layer down. It does
// nothing when there is neither a session nor running network mode.
func (b *SessionBootstrapper) Disconnect() {
	_, idle := b.state.(i.NoSession)
	if idle && !b.network.IsHost() && !b.network.IsClient() {
		return
	}
	b.teardown()
	b.logger.Warning("disconnected")
}

// Close disconnects and releases the matchmaking subscriptions.
func (b *SessionBootstrapper) Close() {
	b.Disconnect()
	b.sdk.Release()
}

func (b *SessionBootstrapper) next() uint64 {
	b.attempt++
	return b.attempt
}

func (b *SessionBootstrapper) subscribePeers(attempt uint64) {
	b.peers.Add(
		b.network.OnClientConnected(func(id i.ClientID) {
			b.queue.Post(func() { b.clientConnected(attempt, id) })
		}),
		b.network.OnClientDisconnected(func(id i.ClientID) {
			b.queue.Post(func() { b.clientDisconnected(attempt, id) })
		}),
	)
}

func (b *SessionBootstrapper) release() {
	if b.serverStarted != nil {
		b.serverStarted.Unsubscribe()
		b.serverStarted = nil
	}
	b.peers.Release()
}

func (b *SessionBootstrapper) teardown() {
	b.next()
	if l, ok := i.SessionLobby(b.state); ok {
		b.lobbies.LeaveLobby(l.ID)
	}
	b.release()
	b.network.Shutdown()
	b.state = i.NoSession{}
}

func (b *SessionBootstrapper) hostCreated(attempt uint64) {
	if attempt != b.attempt || b.serverStarted == nil {
		return
	}
	b.serverStarted.Unsubscribe()
	b.serverStarted = nil
	b.logger.Warning("host created")
}

func (b *SessionBootstrapper) lobbyReady(attempt uint64, l i.Lobby, err error) {
	st, connecting := b.state.(i.Connecting)
	if attempt != b.attempt || !connecting || st.Role != i.RoleHost {
		if err == nil {
			b.logger.Warning(fmt.Sprintf("leaving lobby %s created after the session ended", l.ID))
			b.lobbies.LeaveLobby(l.ID)
		}
		return
	}
	if err != nil {
		b.logger.Error(fmt.Sprintf("creating lobby: %s", err))
		b.teardown()
		return
	}

	b.state = i.Active{Role: i.RoleHost, Lobby: &l}
	b.logger.Info(fmt.Sprintf("lobby %s ready for %d members", l.ID, l.MaxMembers))
}

func (b *SessionBootstrapper) lobbyCreated(r i.Result, l i.Lobby) {
	if r != i.ResultOK {
		b.logger.Error(fmt.Sprintf("failed to create lobby: %s", r))
		return
	}
	if !b.holds(i.RoleHost, l.ID) {
		b.logger.Warning(fmt.Sprintf("ignoring created lobby %s outside the session", l.ID))
		return
	}

	b.logger.Warning(fmt.Sprintf("lobby %s created", l.ID))
	b.lobbies.SetPublic(l.ID)
	b.lobbies.SetJoinable(l.ID, true)
	b.lobbies.SetGameServer(l.ID, l.Owner.Addr)
}

func (b *SessionBootstrapper) lobbyEntered(l i.Lobby) {
	if _, gone := b.abandoned[l.ID]; gone {
		delete(b.abandoned, l.ID)
		b.logger.Warning(fmt.Sprintf("ignoring entry to abandoned lobby %s", l.ID))
		return
	}
	if b.network.IsHost() || l.Owner.ID == b.lobbies.Self().ID {
		b.refresh(l)
		return
	}

	switch st := b.state.(type) {
	case i.Connecting:
		if st.Role != i.RoleClient {
			return
		}
		if st.Target != "" {
			b.logger.Warning(fmt.Sprintf("already connecting to %s", st.Target))
			return
		}
		if st.Lobby != nil && st.Lobby.ID != l.ID {
			b.logger.Warning(fmt.Sprintf("entered lobby %s while joining %s", l.ID, st.Lobby.ID))
			b.lobbies.LeaveLobby(l.ID)
			return
		}
	case i.Active:
		b.logger.Warning(fmt.Sprintf("entered lobby %s while a session is active", l.ID))
		return
	}

	b.state = i.Connecting{Role: i.RoleClient, Lobby: &l}
	b.StartClient(hostAddr(l))
}

// JoinLobby joins the lobby with id and, once entered, connects to its
// owner.
func (b *SessionBootstrapper) JoinLobby(id uuid.UUID) {
	b.join(i.Lobby{ID: id})
}

func (b *SessionBootstrapper) joinRequested(l i.Lobby, from i.Member) {
	b.logger.Info(fmt.Sprintf("join requested for lobby %s by %s", l.ID, from.Name))
	b.join(l)
}

func (b *SessionBootstrapper) join(l i.Lobby) {
	if _, idle := b.state.(i.NoSession); !idle {
		b.Disconnect()
	}

	delete(b.abandoned, l.ID)
	attempt := b.next()
	b.state = i.Connecting{Role: i.RoleClient, Lobby: &l}
	b.lobbies.JoinLobby(l.ID, func(r i.RoomEnter) {
		b.queue.Post(func() { b.lobbyJoined(attempt, l, r) })
	})
}

func (b *SessionBootstrapper) lobbyJoined(attempt uint64, l i.Lobby, r i.RoomEnter) {
	if attempt != b.attempt && !b.holds(i.RoleClient, l.ID) {
		if r == i.RoomEnterSuccess {
			b.logger.Warning(fmt.Sprintf("leaving lobby %s joined after the session ended", l.ID))
			b.abandoned[l.ID] = struct{}{}
			b.lobbies.LeaveLobby(l.ID)
		}
		return
	}
	if r == i.RoomEnterSuccess {
		b.logger.Info(fmt.Sprintf("joined %s lobby", ownerName(l)))
		return
	}

	b.logger.Error(fmt.Sprintf("failed to join lobby %s: %s", ownerName(l), r))
	if st, ok := b.state.(i.Connecting); ok && st.Target == "" {
		b.state = i.NoSession{}
	}
}

func (b *SessionBootstrapper) clientConnected(attempt uint64, id i.ClientID) {
	if attempt != b.attempt {
		return
	}
	b.logger.Info(fmt.Sprintf("client %d connected", id))

	if st, ok := b.state.(i.Connecting); ok && st.Role == i.RoleClient {
		b.state = i.Active{Role: i.RoleClient, Lobby: st.Lobby, Host: st.Target}
	}
}

func (b *SessionBootstrapper) clientDisconnected(attempt uint64, id i.ClientID) {
	if attempt != b.attempt {
		return
	}
	b.logger.Error(fmt.Sprintf("client %d disconnected", id))

	if i.SessionRole(b.state) == i.RoleClient {
		b.teardown()
	}
}

func (b *SessionBootstrapper) memberJoined(l i.Lobby, m i.Member) {
	b.refresh(l)
	b.logger.Info(fmt.Sprintf("%s joined lobby", m.Name))
}

func (b *SessionBootstrapper) memberLeft(l i.Lobby, m i.Member) {
	b.refresh(l)
	b.logger.Info(fmt.Sprintf("%s left lobby", m.Name))
}

func (b *SessionBootstrapper) memberDisconnected(l i.Lobby, m i.Member) {
	b.refresh(l)
	b.logger.Warning(fmt.Sprintf("%s lost connection to lobby", m.Name))
}

func (b *SessionBootstrapper) memberDataChanged(l i.Lobby, m i.Member) {
	b.refresh(l)
	b.logger.Info(fmt.Sprintf("%s changed lobby data", m.Name))
}

func (b *SessionBootstrapper) inviteReceived(from i.Member, l i.Lobby) {
	b.logger.Info(fmt.Sprintf("invited to %s from %s", l.ID, from.Name))
}

// hostAddr is where the lobby's network authority listens: the published
// game server, or the owner's address before one is published.
func hostAddr(l i.Lobby) string {
	if l.GameServer != "" {
		return l.GameServer
	}
	return l.Owner.Addr
}

// ownerName labels l by its owner, or by id when the owner is not known yet.
func ownerName(l i.Lobby) string {
	if l.Owner.Name != "" {
		return l.Owner.Name
	}
	return l.ID.String()
}

// holds reports whether the session has the given role and lobby.
func (b *SessionBootstrapper) holds(role i.Role, id uuid.UUID) bool {
	l, ok := i.SessionLobby(b.state)
	return ok && l.ID == id && i.SessionRole(b.state) == role
}

// refresh replaces the session's lobby snapshot when l is the same lobby.
func (b *SessionBootstrapper) refresh(l i.Lobby) {
	cur, ok := i.SessionLobby(b.state)
	if !ok || cur.ID != l.ID {
		return
	}
	switch st := b.state.(type) {
	case i.Connecting:
		st.Lobby = &l
		b.state = st
	case i.Active:
		st.Lobby = &l
		b.state = st
	}
}

package matchmaking

import (
	"context"
	"fmt"

	"github.com/beka-birhanu/vinom-lobby-bridge/event"
	"github.com/beka-birhanu/vinom-lobby-bridge/service/i"
	"github.com/google/uuid"
)

var _ i.LobbyService = (*Client)(nil)

type createdEvent struct {
	result i.Result
	lobby  i.Lobby
}

type memberEvent struct {
	lobby  i.Lobby
	member i.Member
}

// Client is one user's handle on the registry. Notifications are emitted on
// the goroutine that caused them.
type Client struct {
	registry *Registry
	self     i.Member

	created            event.Signal[createdEvent]
	entered            event.Signal[i.Lobby]
	memberJoined       event.Signal[memberEvent]
	memberLeft         event.Signal[memberEvent]
	memberDisconnected event.Signal[memberEvent]
	memberDataChanged  event.Signal[memberEvent]
	invited            event.Signal[memberEvent]
	joinRequested      event.Signal[memberEvent]
}

// Self returns the user behind the client.
func (c *Client) Self() i.Member {
	return c.self
}

// Close drops the client's user from the registry unless the user has
// connected again since.
func (c *Client) Close() {
	c.registry.drop(c.self.ID, c)
}

// CreateLobby creates a lobby owned by the client in the background. done
// runs first, followed by the created and entered notifications.
func (c *Client) CreateLobby(maxMembers int, done func(i.Lobby, error)) {
	r := c.registry
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()

		snap, result, err := r.create(c.self, maxMembers)
		done(snap, err)
		c.created.Emit(createdEvent{result: result, lobby: snap})
		if err == nil {
			c.entered.Emit(snap)
		}
	}()
}

func (r *Registry) create(owner i.Member, maxMembers int) (i.Lobby, i.Result, error) {
	if maxMembers <= 0 || maxMembers > MaxLobbyMembers {
		return i.Lobby{}, i.ResultInvalidParam, fmt.Errorf("%w: %d", ErrInvalidSize, maxMembers)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxLobbies > 0 && len(r.lobbies) >= r.maxLobbies {
		return i.Lobby{}, i.ResultLimitExceeded, ErrLobbyLimit
	}

	l := &lobby{
		id:         uuid.New(),
		owner:      owner.ID,
		maxMembers: maxMembers,
		members:    []i.Member{owner},
		joinable:   true,
		data:       make(map[i.UserID]map[string]string),
		invites:    make(map[i.UserID]i.UserID),
	}
	for {
		if _, taken := r.lobbies[l.id]; !taken {
			break
		}
		l.id = uuid.New()
	}
	r.lobbies[l.id] = l

	r.logger.Info(fmt.Sprintf("lobby %s created by %s for %d members", l.id, owner.Name, maxMembers))
	return l.snapshot(), i.ResultOK, nil
}

// JoinLobby enters the lobby in the background. On success done runs first,
// then the client is told it entered and the other members are told it
// joined.
func (c *Client) JoinLobby(id uuid.UUID, done func(i.RoomEnter)) {
	r := c.registry
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()

		snap, result, notes := r.join(c.self, id)
		done(result)
		if result != i.RoomEnterSuccess {
			return
		}
		c.entered.Emit(snap)
		for _, n := range notes {
			n.to.memberJoined.Emit(memberEvent{lobby: n.lobby, member: n.member})
		}
	}()
}

func (r *Registry) join(m i.Member, id uuid.UUID) (i.Lobby, i.RoomEnter, []notice) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lobbies[id]
	switch {
	case !ok:
		return i.Lobby{}, i.RoomEnterDoesntExist, nil
	case l.has(m.ID):
		return l.snapshot(), i.RoomEnterSuccess, nil
	case len(l.members) >= l.maxMembers:
		return i.Lobby{}, i.RoomEnterFull, nil
	case !l.joinable:
		return i.Lobby{}, i.RoomEnterNotAllowed, nil
	}
	if _, invited := l.invites[m.ID]; !l.public && !invited {
		return i.Lobby{}, i.RoomEnterNotAllowed, nil
	}

	others := r.noticesFor(l, i.Lobby{}, m)
	l.members = append(l.members, m)
	delete(l.invites, m.ID)
	snap := l.snapshot()
	for idx := range others {
		others[idx].lobby = snap
	}

	r.logger.Info(fmt.Sprintf("%s joined lobby %s", m.Name, l.id))
	return snap, i.RoomEnterSuccess, others
}

// LeaveLobby leaves the lobby. The remaining members are told the client
// left.
func (c *Client) LeaveLobby(id uuid.UUID) {
	r := c.registry
	r.mu.Lock()
	l, ok := r.lobbies[id]
	if !ok || !l.has(c.self.ID) {
		r.mu.Unlock()
		return
	}
	notes := r.removeMember(l, c.self)
	r.mu.Unlock()

	for _, n := range notes {
		n.to.memberLeft.Emit(memberEvent{lobby: n.lobby, member: n.member})
	}
}

// SetPublic lists the lobby as open to anyone holding its id. Only the owner
// may change it.
func (c *Client) SetPublic(id uuid.UUID) {
	c.update(id, func(l *lobby) { l.public = true })
}

// SetPrivate restricts the lobby to invited users.
func (c *Client) SetPrivate(id uuid.UUID) {
	c.update(id, func(l *lobby) { l.public = false })
}

// SetJoinable opens or closes the lobby to new members.
func (c *Client) SetJoinable(id uuid.UUID, joinable bool) {
	c.update(id, func(l *lobby) { l.joinable = joinable })
}

// SetGameServer publishes the address members connect to.
func (c *Client) SetGameServer(id uuid.UUID, addr string) {
	c.update(id, func(l *lobby) { l.gameServer = addr })
}

func (c *Client) update(id uuid.UUID, fn func(*lobby)) {
	r := c.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lobbies[id]
	if !ok {
		r.logger.Warning(fmt.Sprintf("update of unknown lobby %s", id))
		return
	}
	if l.owner != c.self.ID {
		r.logger.Warning(fmt.Sprintf("%s is not the owner of lobby %s", c.self.Name, id))
		return
	}
	fn(l)
}

// SetMemberData stores key=value for the client in the lobby and notifies
// every member, including the client.
func (c *Client) SetMemberData(_ context.Context, id uuid.UUID, key, value string) error {
	r := c.registry
	r.mu.Lock()
	l, ok := r.lobbies[id]
	if !ok {
		r.mu.Unlock()
		return ErrLobbyNotFound
	}
	if !l.has(c.self.ID) {
		r.mu.Unlock()
		return ErrNotMember
	}
	if l.data[c.self.ID] == nil {
		l.data[c.self.ID] = make(map[string]string)
	}
	l.data[c.self.ID][key] = value
	notes := r.noticesFor(l, l.snapshot(), c.self)
	r.mu.Unlock()

	for _, n := range notes {
		n.to.memberDataChanged.Emit(memberEvent{lobby: n.lobby, member: n.member})
	}
	return nil
}

// Invite sends user an invite to a lobby the client is in.
func (c *Client) Invite(_ context.Context, id uuid.UUID, user i.UserID) error {
	r := c.registry
	r.mu.Lock()
	l, ok := r.lobbies[id]
	if !ok {
		r.mu.Unlock()
		return ErrLobbyNotFound
	}
	if !l.has(c.self.ID) {
		r.mu.Unlock()
		return ErrNotMember
	}
	to, ok := r.clients[user]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownUser
	}
	l.invites[user] = c.self.ID
	snap := l.snapshot()
	r.mu.Unlock()

	to.invited.Emit(memberEvent{lobby: snap, member: c.self})
	return nil
}

// AcceptInvite turns a pending invite into a join request for the client.
func (c *Client) AcceptInvite(_ context.Context, id uuid.UUID) error {
	r := c.registry
	r.mu.RLock()
	l, ok := r.lobbies[id]
	if !ok {
		r.mu.RUnlock()
		return ErrLobbyNotFound
	}
	from, invited := l.invites[c.self.ID]
	if !invited {
		r.mu.RUnlock()
		return ErrNotInvited
	}
	var inviter i.Member
	for _, m := range l.members {
		if m.ID == from {
			inviter = m
		}
	}
	snap := l.snapshot()
	r.mu.RUnlock()

	c.joinRequested.Emit(memberEvent{lobby: snap, member: inviter})
	return nil
}

// LobbyInfo returns a snapshot of any lobby by id.
func (c *Client) LobbyInfo(_ context.Context, id uuid.UUID) (i.Lobby, error) {
	l, ok := c.registry.Lobby(id)
	if !ok {
		return i.Lobby{}, fmt.Errorf("%w: %s", ErrLobbyNotFound, id)
	}
	return l, nil
}

func (c *Client) OnLobbyCreated(fn func(i.Result, i.Lobby)) event.Subscription {
	return c.created.Subscribe(func(e createdEvent) { fn(e.result, e.lobby) })
}

func (c *Client) OnLobbyEntered(fn func(i.Lobby)) event.Subscription {
	return c.entered.Subscribe(fn)
}

func (c *Client) OnMemberJoined(fn func(i.Lobby, i.Member)) event.Subscription {
	return c.memberJoined.Subscribe(func(e memberEvent) { fn(e.lobby, e.member) })
}

func (c *Client) OnMemberLeft(fn func(i.Lobby, i.Member)) event.Subscription {
	return c.memberLeft.Subscribe(func(e memberEvent) { fn(e.lobby, e.member) })
}

func (c *Client) OnMemberDisconnected(fn func(i.Lobby, i.Member)) event.Subscription {
	return c.memberDisconnected.Subscribe(func(e memberEvent) { fn(e.lobby, e.member) })
}

func (c *Client) OnMemberDataChanged(fn func(i.Lobby, i.Member)) event.Subscription {
	return c.memberDataChanged.Subscribe(func(e memberEvent) { fn(e.lobby, e.member) })
}

func (c *Client) OnInviteReceived(fn func(i.Member, i.Lobby)) event.Subscription {
	return c.invited.Subscribe(func(e memberEvent) { fn(e.member, e.lobby) })
}

func (c *Client) OnJoinRequested(fn func(i.Lobby, i.Member)) event.Subscription {
	return c.joinRequested.Subscribe(func(e memberEvent) { fn(e.lobby, e.member) })
}

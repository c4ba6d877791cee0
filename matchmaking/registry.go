// Package matchmaking is an in-process lobby service. Each user talks to it
// through its own Client, which delivers lobby notifications for that user.
package matchmaking

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/beka-birhanu/vinom-lobby-bridge/service/i"
	"github.com/google/uuid"
)

// MaxLobbyMembers is the largest lobby the registry creates.
const MaxLobbyMembers = 250

// Matchmaking errors.
var (
	ErrLobbyNotFound = errors.New("lobby not found")
	ErrInvalidSize   = errors.New("invalid lobby size")
	ErrNotMember     = errors.New("not a lobby member")
	ErrUnknownUser   = errors.New("unknown user")
	ErrLobbyLimit    = errors.New("lobby limit reached")
	ErrNotInvited    = errors.New("no pending invite")
)

// Config configures a Registry.
type Config struct {
	Logger i.Logger

	// MaxLobbies caps concurrent lobbies. Zero means no cap.
	MaxLobbies int
}

// Registry owns every lobby and the clients connected to it.
type Registry struct {
	logger     i.Logger
	maxLobbies int

	mu      sync.RWMutex
	lobbies map[uuid.UUID]*lobby
	clients map[i.UserID]*Client
	pending sync.WaitGroup
}

type lobby struct {
	id         uuid.UUID
	owner      i.UserID
	maxMembers int
	members    []i.Member
	public     bool
	joinable   bool
	gameServer string
	data       map[i.UserID]map[string]string
	invites    map[i.UserID]i.UserID
}

// NewRegistry creates an empty registry.
func NewRegistry(c *Config) (*Registry, error) {
	if c == nil || c.Logger == nil {
		return nil, errors.New("matchmaking: logger is required")
	}
	return &Registry{
		logger:     c.Logger,
		maxLobbies: c.MaxLobbies,
		lobbies:    make(map[uuid.UUID]*lobby),
		clients:    make(map[i.UserID]*Client),
	}, nil
}

// Connect registers self and returns its client. Connecting the same user
// again replaces the previous client.
func (r *Registry) Connect(self i.Member) *Client {
	c := &Client{registry: r, self: self}

	r.mu.Lock()
	r.clients[self.ID] = c
	r.mu.Unlock()

	r.logger.Info(fmt.Sprintf("user %s (%d) connected", self.Name, self.ID))
	return c
}

// Drop removes a user abruptly, as if its connection to the service was
// lost. Remaining members are told the user disconnected.
func (r *Registry) Drop(user i.UserID) {
	r.drop(user, nil)
}

// drop removes user. When only is set the user is removed only while only
// is still its current client.
func (r *Registry) drop(user i.UserID, only *Client) {
	r.mu.Lock()
	c, ok := r.clients[user]
	if !ok || (only != nil && c != only) {
		r.mu.Unlock()
		return
	}
	delete(r.clients, user)

	var notes []notice
	for _, l := range r.lobbies {
		if !l.has(user) {
			continue
		}
		notes = append(notes, r.removeMember(l, c.self)...)
	}
	r.mu.Unlock()

	for _, n := range notes {
		n.to.memberDisconnected.Emit(memberEvent{lobby: n.lobby, member: n.member})
	}
	r.logger.Warning(fmt.Sprintf("user %s (%d) dropped", c.self.Name, user))
}

// Lobby returns a snapshot of the lobby with id.
func (r *Registry) Lobby(id uuid.UUID) (i.Lobby, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.lobbies[id]
	if !ok {
		return i.Lobby{}, false
	}
	return l.snapshot(), true
}

// Len reports how many lobbies exist.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lobbies)
}

// Wait blocks until in-flight create and join requests have completed.
func (r *Registry) Wait() {
	r.pending.Wait()
}

type notice struct {
	to     *Client
	lobby  i.Lobby
	member i.Member
}

// removeMember takes m out of l, hands ownership to the oldest remaining
// member and deletes l once empty. It returns one notice per remaining
// member. The caller holds r.mu.
func (r *Registry) removeMember(l *lobby, m i.Member) []notice {
	l.members = slices.DeleteFunc(l.members, func(x i.Member) bool { return x.ID == m.ID })
	delete(l.data, m.ID)
	delete(l.invites, m.ID)

	if len(l.members) == 0 {
		delete(r.lobbies, l.id)
		r.logger.Info(fmt.Sprintf("lobby %s closed", l.id))
		return nil
	}
	if l.owner == m.ID {
		l.owner = l.members[0].ID
		r.logger.Info(fmt.Sprintf("lobby %s now owned by %d", l.id, l.owner))
	}

	snap := l.snapshot()
	return r.noticesFor(l, snap, m)
}

// noticesFor addresses a notice about m to every connected member of l.
// The caller holds r.mu.
func (r *Registry) noticesFor(l *lobby, snap i.Lobby, m i.Member) []notice {
	notes := make([]notice, 0, len(l.members))
	for _, member := range l.members {
		if c, ok := r.clients[member.ID]; ok {
			notes = append(notes, notice{to: c, lobby: snap, member: m})
		}
	}
	return notes
}

func (l *lobby) has(user i.UserID) bool {
	return slices.ContainsFunc(l.members, func(m i.Member) bool { return m.ID == user })
}

func (l *lobby) snapshot() i.Lobby {
	snap := i.Lobby{
		ID:         l.id,
		MaxMembers: l.maxMembers,
		Members:    slices.Clone(l.members),
		Public:     l.public,
		Joinable:   l.joinable,
		GameServer: l.gameServer,
		MemberData: make(map[i.UserID]map[string]string, len(l.data)),
	}
	for _, m := range l.members {
		if m.ID == l.owner {
			snap.Owner = m
		}
	}
	for user, kv := range l.data {
		snap.MemberData[user] = maps.Clone(kv)
	}
	return snap
}

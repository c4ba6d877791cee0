package matchmaking

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/beka-birhanu/vinom-lobby-bridge/service/i"
	"github.com/google/uuid"
)

type nopLogger struct{}

func (nopLogger) Info(string)    {}
func (nopLogger) Warning(string) {}
func (nopLogger) Error(string)   {}

var (
	alice = i.Member{ID: 1, Name: "alice", Addr: "10.0.0.1:7070"}
	bob   = i.Member{ID: 2, Name: "bob", Addr: "10.0.0.2:7070"}
	carol = i.Member{ID: 3, Name: "carol", Addr: "10.0.0.3:7070"}
)

// recorder collects notifications delivered to one client.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) has(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == s {
			return true
		}
	}
	return false
}

func record(c *Client) *recorder {
	rec := &recorder{}
	c.OnLobbyCreated(func(r i.Result, l i.Lobby) { rec.add("created " + r.String()) })
	c.OnLobbyEntered(func(l i.Lobby) { rec.add("entered") })
	c.OnMemberJoined(func(l i.Lobby, m i.Member) { rec.add("joined " + m.Name) })
	c.OnMemberLeft(func(l i.Lobby, m i.Member) { rec.add("left " + m.Name) })
	c.OnMemberDisconnected(func(l i.Lobby, m i.Member) { rec.add("disconnected " + m.Name) })
	c.OnMemberDataChanged(func(l i.Lobby, m i.Member) { rec.add("data " + m.Name) })
	c.OnInviteReceived(func(m i.Member, l i.Lobby) { rec.add("invite " + m.Name) })
	c.OnJoinRequested(func(l i.Lobby, m i.Member) { rec.add("join-requested " + m.Name) })
	return rec
}

func newTestRegistry(t *testing.T, maxLobbies int) *Registry {
	t.Helper()
	r, err := NewRegistry(&Config{Logger: nopLogger{}, MaxLobbies: maxLobbies})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func createLobby(t *testing.T, r *Registry, c *Client, size int) i.Lobby {
	t.Helper()
	var got i.Lobby
	var gotErr error
	c.CreateLobby(size, func(l i.Lobby, err error) { got, gotErr = l, err })
	r.Wait()
	if gotErr != nil {
		t.Fatalf("create lobby: %v", gotErr)
	}
	return got
}

func joinLobby(r *Registry, c *Client, id uuid.UUID) i.RoomEnter {
	var got i.RoomEnter
	c.JoinLobby(id, func(re i.RoomEnter) { got = re })
	r.Wait()
	return got
}

func TestNewRegistryRequiresLogger(t *testing.T) {
	if _, err := NewRegistry(&Config{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestCreateLobby(t *testing.T) {
	r := newTestRegistry(t, 0)
	a := r.Connect(alice)
	rec := record(a)

	l := createLobby(t, r, a, 4)
	if l.Owner.ID != alice.ID || l.MaxMembers != 4 || len(l.Members) != 1 {
		t.Fatalf("unexpected lobby %+v", l)
	}
	if !rec.has("created OK") || !rec.has("entered") {
		t.Fatalf("expected created and entered, got %v", rec.events)
	}
	if _, ok := r.Lobby(l.ID); !ok {
		t.Fatal("lobby not registered")
	}
}

func TestCreateLobbyErrors(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		limit  int
		before int
		want   error
		result string
	}{
		{name: "zero size", size: 0, want: ErrInvalidSize, result: "created InvalidParam"},
		{name: "too large", size: MaxLobbyMembers + 1, want: ErrInvalidSize, result: "created InvalidParam"},
		{name: "limit", size: 2, limit: 1, before: 1, want: ErrLobbyLimit, result: "created LimitExceeded"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRegistry(t, tc.limit)
			a := r.Connect(alice)
			for n := 0; n < tc.before; n++ {
				createLobby(t, r, r.Connect(i.Member{ID: i.UserID(100 + n)}), 2)
			}
			rec := record(a)

			var gotErr error
			a.CreateLobby(tc.size, func(_ i.Lobby, err error) { gotErr = err })
			r.Wait()

			if !errors.Is(gotErr, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, gotErr)
			}
			if !rec.has(tc.result) || rec.has("entered") {
				t.Fatalf("unexpected notifications %v", rec.events)
			}
		})
	}
}

func TestJoinLobby(t *testing.T) {
	r := newTestRegistry(t, 0)
	a, b := r.Connect(alice), r.Connect(bob)
	l := createLobby(t, r, a, 2)
	a.SetPublic(l.ID)
	aRec, bRec := record(a), record(b)

	if got := joinLobby(r, b, l.ID); got != i.RoomEnterSuccess {
		t.Fatalf("expected success, got %s", got)
	}
	if !bRec.has("entered") || !aRec.has("joined bob") {
		t.Fatalf("unexpected notifications a=%v b=%v", aRec.events, bRec.events)
	}

	snap, _ := r.Lobby(l.ID)
	if !snap.HasMember(bob.ID) {
		t.Fatalf("bob not in lobby %+v", snap)
	}
	if got := joinLobby(r, r.Connect(carol), l.ID); got != i.RoomEnterFull {
		t.Fatalf("expected full, got %s", got)
	}
}

func TestJoinLobbyRejections(t *testing.T) {
	r := newTestRegistry(t, 0)
	a, b := r.Connect(alice), r.Connect(bob)

	if got := joinLobby(r, b, uuid.New()); got != i.RoomEnterDoesntExist {
		t.Fatalf("expected doesn't exist, got %s", got)
	}

	l := createLobby(t, r, a, 4)
	if got := joinLobby(r, b, l.ID); got != i.RoomEnterNotAllowed {
		t.Fatalf("private lobby must reject, got %s", got)
	}

	a.SetPublic(l.ID)
	a.SetJoinable(l.ID, false)
	if got := joinLobby(r, b, l.ID); got != i.RoomEnterNotAllowed {
		t.Fatalf("closed lobby must reject, got %s", got)
	}

	b.SetJoinable(l.ID, true)
	snap, _ := r.Lobby(l.ID)
	if snap.Joinable {
		t.Fatal("non-owner must not change the lobby")
	}
}

func TestInviteFlow(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, 0)
	a, b := r.Connect(alice), r.Connect(bob)
	l := createLobby(t, r, a, 4)
	bRec := record(b)

	if err := b.AcceptInvite(ctx, l.ID); !errors.Is(err, ErrNotInvited) {
		t.Fatalf("expected ErrNotInvited, got %v", err)
	}
	if err := a.Invite(ctx, l.ID, bob.ID); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := a.Invite(ctx, l.ID, 99); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	if err := b.AcceptInvite(ctx, l.ID); err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	if !bRec.has("invite alice") || !bRec.has("join-requested alice") {
		t.Fatalf("unexpected notifications %v", bRec.events)
	}

	if got := joinLobby(r, b, l.ID); got != i.RoomEnterSuccess {
		t.Fatalf("invited user must join a private lobby, got %s", got)
	}
}

func TestLeaveHandsOverOwnership(t *testing.T) {
	r := newTestRegistry(t, 0)
	a, b := r.Connect(alice), r.Connect(bob)
	l := createLobby(t, r, a, 4)
	a.SetPublic(l.ID)
	joinLobby(r, b, l.ID)
	bRec := record(b)

	a.LeaveLobby(l.ID)
	snap, ok := r.Lobby(l.ID)
	if !ok || snap.Owner.ID != bob.ID {
		t.Fatalf("expected bob to own the lobby, got %+v", snap)
	}
	if !bRec.has("left alice") {
		t.Fatalf("expected left notification, got %v", bRec.events)
	}

	b.LeaveLobby(l.ID)
	if r.Len() != 0 {
		t.Fatalf("expected empty lobby closed, got %d lobbies", r.Len())
	}
}

func TestDropNotifiesMembers(t *testing.T) {
	r := newTestRegistry(t, 0)
	a, b := r.Connect(alice), r.Connect(bob)
	l := createLobby(t, r, a, 4)
	a.SetPublic(l.ID)
	joinLobby(r, b, l.ID)
	aRec := record(a)

	r.Drop(bob.ID)
	if !aRec.has("disconnected bob") {
		t.Fatalf("expected disconnected notification, got %v", aRec.events)
	}
	snap, _ := r.Lobby(l.ID)
	if snap.HasMember(bob.ID) {
		t.Fatal("bob must be removed")
	}
}

func TestMemberDataAndGameServer(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, 0)
	a, b := r.Connect(alice), r.Connect(bob)
	l := createLobby(t, r, a, 4)
	a.SetGameServer(l.ID, alice.Addr)
	aRec := record(a)

	if err := a.SetMemberData(ctx, l.ID, "ready", "1"); err != nil {
		t.Fatalf("set member data: %v", err)
	}
	if err := b.SetMemberData(ctx, l.ID, "ready", "1"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	if !aRec.has("data alice") {
		t.Fatalf("expected data notification, got %v", aRec.events)
	}

	snap, err := b.LobbyInfo(ctx, l.ID)
	if err != nil {
		t.Fatalf("lobby info: %v", err)
	}
	if snap.GameServer != alice.Addr {
		t.Fatalf("expected published game server, got %q", snap.GameServer)
	}
	if snap.MemberData[alice.ID]["ready"] != "1" {
		t.Fatalf("expected member data, got %v", snap.MemberData)
	}
}

func TestLobbyInfoUnknown(t *testing.T) {
	r := newTestRegistry(t, 0)
	a := r.Connect(alice)
	if _, err := a.LobbyInfo(context.Background(), uuid.New()); !errors.Is(err, ErrLobbyNotFound) {
		t.Fatalf("expected ErrLobbyNotFound, got %v", err)
	}
}

func TestCloseKeepsReconnectedUser(t *testing.T) {
	r := newTestRegistry(t, 0)
	stale := r.Connect(alice)
	fresh := r.Connect(alice)
	l := createLobby(t, r, fresh, 2)

	stale.Close()
	if snap, ok := r.Lobby(l.ID); !ok || !snap.HasMember(alice.ID) {
		t.Fatalf("closing a replaced client must not drop the user, got %+v", snap)
	}

	fresh.Close()
	if r.Len() != 0 {
		t.Fatalf("expected lobby closed with its last member, got %d", r.Len())
	}
}

package service

import (
	"fmt"
	"strings"
	"sync"

	"github.com/beka-birhanu/vinom-lobby-bridge/event"
	"github.com/beka-birhanu/vinom-lobby-bridge/service/i"
	"github.com/google/uuid"
)

// journal records external calls from both fakes in one ordered list.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

func (j *journal) count(prefix string) int {
	n := 0
	for _, c := range j.list() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (j *journal) index(prefix string) int {
	for idx, c := range j.list() {
		if strings.HasPrefix(c, prefix) {
			return idx
		}
	}
	return -1
}

type fakeNetwork struct {
	j           *journal
	host        bool
	client      bool
	target      string
	hostErr     error
	rejectStart bool

	started      event.Signal[struct{}]
	connected    event.Signal[i.ClientID]
	disconnected event.Signal[i.ClientID]
}

func (n *fakeNetwork) StartHost() error {
	n.j.add("network.StartHost")
	if n.hostErr != nil {
		return n.hostErr
	}
	n.host = true
	n.started.Emit(struct{}{})
	return nil
}

func (n *fakeNetwork) StartClient() bool {
	n.j.add("network.StartClient %s", n.target)
	if n.rejectStart {
		return false
	}
	n.client = true
	return true
}

func (n *fakeNetwork) Shutdown() {
	n.j.add("network.Shutdown")
	n.host = false
	n.client = false
}

func (n *fakeNetwork) SetTargetAddress(addr string) {
	n.j.add("network.SetTargetAddress %s", addr)
	n.target = addr
}

func (n *fakeNetwork) IsHost() bool   { return n.host }
func (n *fakeNetwork) IsClient() bool { return n.client }

func (n *fakeNetwork) OnServerStarted(fn func()) event.Subscription {
	return n.started.Subscribe(func(struct{}) { fn() })
}

func (n *fakeNetwork) OnClientConnected(fn func(i.ClientID)) event.Subscription {
	return n.connected.Subscribe(fn)
}

func (n *fakeNetwork) OnClientDisconnected(fn func(i.ClientID)) event.Subscription {
	return n.disconnected.Subscribe(fn)
}

type fakeMatchmaking struct {
	j    *journal
	self i.Member

	creates []func(i.Lobby, error)
	joins   []func(i.RoomEnter)

	created           event.Signal[createdArgs]
	entered           event.Signal[i.Lobby]
	memberJoined      event.Signal[memberArgs]
	memberLeft        event.Signal[memberArgs]
	memberDropped     event.Signal[memberArgs]
	memberDataChanged event.Signal[memberArgs]
	invite            event.Signal[memberArgs]
	joinRequested     event.Signal[memberArgs]
}

type createdArgs struct {
	r i.Result
	l i.Lobby
}

type memberArgs struct {
	l i.Lobby
	m i.Member
}

func (m *fakeMatchmaking) Self() i.Member { return m.self }

func (m *fakeMatchmaking) CreateLobby(maxMembers int, done func(i.Lobby, error)) {
	m.j.add("mm.CreateLobby %d", maxMembers)
	m.creates = append(m.creates, done)
}

func (m *fakeMatchmaking) JoinLobby(id uuid.UUID, done func(i.RoomEnter)) {
	m.j.add("mm.JoinLobby %s", id)
	m.joins = append(m.joins, done)
}

func (m *fakeMatchmaking) LeaveLobby(id uuid.UUID) { m.j.add("mm.LeaveLobby %s", id) }
func (m *fakeMatchmaking) SetPublic(id uuid.UUID)  { m.j.add("mm.SetPublic %s", id) }

func (m *fakeMatchmaking) SetJoinable(id uuid.UUID, ok bool) {
	m.j.add("mm.SetJoinable %s %t", id, ok)
}

func (m *fakeMatchmaking) SetGameServer(id uuid.UUID, addr string) {
	m.j.add("mm.SetGameServer %s %s", id, addr)
}

func (m *fakeMatchmaking) OnLobbyCreated(fn func(i.Result, i.Lobby)) event.Subscription {
	return m.created.Subscribe(func(a createdArgs) { fn(a.r, a.l) })
}

func (m *fakeMatchmaking) OnLobbyEntered(fn func(i.Lobby)) event.Subscription {
	return m.entered.Subscribe(fn)
}

func (m *fakeMatchmaking) OnMemberJoined(fn func(i.Lobby, i.Member)) event.Subscription {
	return m.memberJoined.Subscribe(func(a memberArgs) { fn(a.l, a.m) })
}

func (m *fakeMatchmaking) OnMemberLeft(fn func(i.Lobby, i.Member)) event.Subscription {
	return m.memberLeft.Subscribe(func(a memberArgs) { fn(a.l, a.m) })
}

func (m *fakeMatchmaking) OnMemberDisconnected(fn func(i.Lobby, i.Member)) event.Subscription {
	return m.memberDropped.Subscribe(func(a memberArgs) { fn(a.l, a.m) })
}

func (m *fakeMatchmaking) OnMemberDataChanged(fn func(i.Lobby, i.Member)) event.Subscription {
	return m.memberDataChanged.Subscribe(func(a memberArgs) { fn(a.l, a.m) })
}

func (m *fakeMatchmaking) OnInviteReceived(fn func(i.Member, i.Lobby)) event.Subscription {
	return m.invite.Subscribe(func(a memberArgs) { fn(a.m, a.l) })
}

func (m *fakeMatchmaking) OnJoinRequested(fn func(i.Lobby, i.Member)) event.Subscription {
	return m.joinRequested.Subscribe(func(a memberArgs) { fn(a.l, a.m) })
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) log(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+msg)
}

func (l *recordingLogger) Info(msg string)    { l.log("INFO", msg) }
func (l *recordingLogger) Warning(msg string) { l.log("WARNING", msg) }
func (l *recordingLogger) Error(msg string)   { l.log("ERROR", msg) }

func (l *recordingLogger) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

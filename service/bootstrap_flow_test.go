package service_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/beka-birhanu/vinom-lobby-bridge/api"
	"github.com/beka-birhanu/vinom-lobby-bridge/matchmaking"
	"github.com/beka-birhanu/vinom-lobby-bridge/network"
	"github.com/beka-birhanu/vinom-lobby-bridge/service"
	"github.com/beka-birhanu/vinom-lobby-bridge/service/i"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const hostTarget = "passthrough:///bufnet"

type quietLogger struct{}

func (quietLogger) Info(string)    {}
func (quietLogger) Warning(string) {}
func (quietLogger) Error(string)   {}

type stubSocket struct{}

func (stubSocket) Serve()            {}
func (stubSocket) Stop()             {}
func (stubSocket) Addr() string      { return "127.0.0.1:9000" }
func (stubSocket) PublicKey() []byte { return []byte("pub") }

// node is one running bootstrapper with its own queue and network layer.
type node struct {
	q   *service.Queue
	net *network.Manager
	b   *service.SessionBootstrapper
}

func startNode(t *testing.T, mm i.Matchmaking, dialer network.Dialer) *node {
	t.Helper()
	nm, err := network.NewManager(&network.Config{
		NewSocket:   func() (network.AuthoritySocket, error) { return stubSocket{}, nil },
		Dialer:      dialer,
		DialTimeout: time.Second,
		Logger:      quietLogger{},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	q := service.NewQueue()
	b, err := service.NewSessionBootstrapper(&service.Config{
		Network:     nm,
		Matchmaking: mm,
		Dispatcher:  q,
		Logger:      quietLogger{},
	})
	if err != nil {
		t.Fatalf("new bootstrapper: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		_ = q.Do(context.Background(), b.Close)
		cancel()
		<-stopped
		nm.Wait()
	})
	return &node{q: q, net: nm, b: b}
}

func (n *node) state(t *testing.T) i.SessionState {
	t.Helper()
	res := make(chan i.SessionState, 1)
	if err := n.q.Do(context.Background(), func() { res <- n.b.State() }); err != nil {
		t.Fatalf("reading state: %v", err)
	}
	return <-res
}

// await polls the node until its state satisfies ok.
func (n *node) await(t *testing.T, what string, ok func(i.SessionState) bool) i.SessionState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := n.state(t)
		if ok(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, state is %#v", what, st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInvitedMemberFollowsHost(t *testing.T) {
	registry, err := matchmaking.NewRegistry(&matchmaking.Config{Logger: quietLogger{}})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	aliceLobbies := registry.Connect(i.Member{ID: 1, Name: "alice", Addr: hostTarget})
	bobLobbies := registry.Connect(i.Member{ID: 2, Name: "bob", Addr: "10.0.0.2:7070"})

	lis := bufconn.Listen(1 << 20)
	dialer := api.NewPeerDialer(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	t.Cleanup(func() { _ = dialer.Close() })

	alice := startNode(t, aliceLobbies, nil)
	bob := startNode(t, bobLobbies, dialer)

	srv := grpc.NewServer()
	if err := api.RegisterPeerServer(srv, alice.net, quietLogger{}); err != nil {
		t.Fatalf("register peer server: %v", err)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	alice.q.Post(func() { alice.b.StartHost(2) })
	st := alice.await(t, "alice hosting", func(st i.SessionState) bool {
		a, ok := st.(i.Active)
		return ok && a.Role == i.RoleHost
	})
	lobby := st.(i.Active).Lobby

	ctx := context.Background()
	if err := aliceLobbies.Invite(ctx, lobby.ID, 2); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := bobLobbies.AcceptInvite(ctx, lobby.ID); err != nil {
		t.Fatalf("accept invite: %v", err)
	}

	st = bob.await(t, "bob connected", func(st i.SessionState) bool {
		_, ok := st.(i.Active)
		return ok
	})
	active := st.(i.Active)
	if active.Role != i.RoleClient || active.Host != hostTarget || active.Lobby.ID != lobby.ID {
		t.Fatalf("unexpected client session %#v", active)
	}
	if !bob.net.IsClient() || !alice.net.IsHost() {
		t.Fatal("expected alice hosting and bob dependent")
	}
	if snap, _ := registry.Lobby(lobby.ID); len(snap.Members) != 2 {
		t.Fatalf("expected two lobby members, got %d", len(snap.Members))
	}

	if err := alice.q.Do(ctx, alice.b.Disconnect); err != nil {
		t.Fatalf("host disconnect: %v", err)
	}
	bob.await(t, "bob ending the session", func(st i.SessionState) bool {
		_, ok := st.(i.NoSession)
		return ok
	})
	if bob.net.IsClient() {
		t.Fatal("expected bob's network layer offline")
	}
	if _, ok := registry.Lobby(lobby.ID); ok {
		t.Fatal("expected the lobby to close once both members left")
	}
}

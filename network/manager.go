// Package network runs the local node either as the network authority or as
// a dependent peer of a remote authority.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beka-birhanu/vinom-lobby-bridge/event"
	"github.com/beka-birhanu/vinom-lobby-bridge/service/i"
	"github.com/google/uuid"
)

const defaultDialTimeout = 5 * time.Second

// Network errors.
var (
	ErrAlreadyRunning = errors.New("network already running")
	ErrNotHosting     = errors.New("not hosting")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrNoSocket       = errors.New("no authority socket factory")
)

// AuthoritySocket is the game socket served while hosting.
type AuthoritySocket interface {
	Serve()
	Stop()
	Addr() string
	PublicKey() []byte
}

// Welcome is what the authority hands to a peer that connects.
type Welcome struct {
	ClientID     i.ClientID
	ServerAddr   string
	ServerPubKey []byte
}

// Dialer reaches a remote authority on behalf of a dependent peer.
type Dialer interface {
	Connect(ctx context.Context, target string, token uuid.UUID) (Welcome, error)
	// Watch blocks while the authority keeps token connected.
	Watch(ctx context.Context, target string, token uuid.UUID) error
	Disconnect(ctx context.Context, target string, token uuid.UUID) error
}

var _ i.NetworkManager = (*Manager)(nil)

type peer struct {
	id   i.ClientID
	gone chan struct{}
}

type mode int

const (
	offline mode = iota
	hosting
	dependent
)

// Config configures a Manager.
type Config struct {
	NewSocket   func() (AuthoritySocket, error)
	Dialer      Dialer
	DialTimeout time.Duration
	Logger      i.Logger
}

// Manager is the node's network layer.
type Manager struct {
	newSocket   func() (AuthoritySocket, error)
	dialer      Dialer
	dialTimeout time.Duration
	logger      i.Logger

	mu      sync.Mutex
	mode    mode
	socket  AuthoritySocket
	peers   map[uuid.UUID]*peer
	nextID  i.ClientID
	target  string
	token   uuid.UUID
	welcome *Welcome
	abort   context.CancelFunc
	pending sync.WaitGroup

	serverStarted      event.Signal[struct{}]
	clientConnected    event.Signal[i.ClientID]
	clientDisconnected event.Signal[i.ClientID]
}

// NewManager creates an offline Manager.
func NewManager(c *Config) (*Manager, error) {
	if c == nil || c.Logger == nil {
		return nil, errors.New("network: logger is required")
	}
	if c.NewSocket == nil {
		return nil, ErrNoSocket
	}
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	return &Manager{
		newSocket:   c.NewSocket,
		dialer:      c.Dialer,
		dialTimeout: timeout,
		logger:      c.Logger,
	}, nil
}

// StartHost serves a fresh authority socket and announces the server and the
// authority's own client.
func (m *Manager) StartHost() error {
	m.mu.Lock()
	if m.mode != offline {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}

	socket, err := m.newSocket()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("creating authority socket: %w", err)
	}
	m.mode = hosting
	m.socket = socket
	m.peers = make(map[uuid.UUID]*peer)
	m.nextID = i.ServerClientID + 1
	m.mu.Unlock()

	go socket.Serve()
	m.logger.Info(fmt.Sprintf("authority serving at %s", socket.Addr()))

	m.serverStarted.Emit(struct{}{})
	m.clientConnected.Emit(i.ServerClientID)
	return nil
}

// StartClient dials the target authority in the background. It returns false
// when the manager is already running, has no target or cannot dial.
func (m *Manager) StartClient() bool {
	m.mu.Lock()
	if m.mode != offline || m.target == "" || m.dialer == nil {
		m.mu.Unlock()
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	token := uuid.New()
	m.mode = dependent
	m.token = token
	m.welcome = nil
	m.abort = cancel
	target := m.target
	m.pending.Add(1)
	m.mu.Unlock()

	go m.connect(ctx, target, token)
	return true
}

func (m *Manager) connect(ctx context.Context, target string, token uuid.UUID) {
	defer m.pending.Done()

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()
	w, err := m.dialer.Connect(dialCtx, target, token)

	m.mu.Lock()
	if m.mode != dependent || m.token != token {
		m.mu.Unlock()
		if err == nil {
			m.leave(target, token)
		}
		return
	}
	if err != nil {
		m.mode = offline
		m.abort = nil
		m.mu.Unlock()

		m.logger.Error(fmt.Sprintf("connecting to %s: %s", target, err))
		m.clientDisconnected.Emit(i.ServerClientID)
		return
	}
	m.welcome = &w
	m.mu.Unlock()

	m.logger.Info(fmt.Sprintf("connected to %s as client %d", target, w.ClientID))
	m.clientConnected.Emit(w.ClientID)

	err = m.dialer.Watch(ctx, target, token)

	m.mu.Lock()
	if m.mode != dependent || m.token != token {
		m.mu.Unlock()
		return
	}
	m.mode = offline
	m.abort = nil
	m.welcome = nil
	m.mu.Unlock()

	if err != nil {
		m.logger.Error(fmt.Sprintf("lost authority %s: %s", target, err))
	} else {
		m.logger.Warning(fmt.Sprintf("authority %s closed the session", target))
	}
	m.clientDisconnected.Emit(i.ServerClientID)
}

// Shutdown stops hosting or disconnects from the authority. It does nothing
// when offline.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	switch m.mode {
	case hosting:
		socket := m.socket
		peers := len(m.peers)
		for _, p := range m.peers {
			close(p.gone)
		}
		m.socket = nil
		m.peers = nil
		m.mode = offline
		m.mu.Unlock()

		socket.Stop()
		m.logger.Info(fmt.Sprintf("authority stopped with %d peers", peers))
	case dependent:
		cancel := m.abort
		connected := m.welcome != nil
		target, token := m.target, m.token
		m.abort = nil
		m.welcome = nil
		m.mode = offline
		if connected {
			m.pending.Add(1)
		}
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if connected {
			go func() {
				defer m.pending.Done()
				m.leave(target, token)
			}()
		}
		m.logger.Info(fmt.Sprintf("client for %s stopped", target))
	default:
		m.mu.Unlock()
	}
}

// leave tells the authority this peer is gone. Failures are only logged.
func (m *Manager) leave(target string, token uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()
	if err := m.dialer.Disconnect(ctx, target, token); err != nil {
		m.logger.Warning(fmt.Sprintf("leaving %s: %s", target, err))
	}
}

// Wait blocks until background dials and leave notifications finish.
func (m *Manager) Wait() {
	m.pending.Wait()
}

// SetTargetAddress sets the authority StartClient dials.
func (m *Manager) SetTargetAddress(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = addr
}

// IsHost reports whether the manager is the authority.
func (m *Manager) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode == hosting
}

// IsClient reports whether the manager is a dependent peer, connected or not.
func (m *Manager) IsClient() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode == dependent
}

// Welcome returns what the authority sent on connect, if connected.
func (m *Manager) Welcome() (Welcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.welcome == nil {
		return Welcome{}, false
	}
	return *m.welcome, true
}

// AcceptPeer registers a dependent peer by token. Accepting the same token
// twice returns the id assigned the first time.
func (m *Manager) AcceptPeer(token uuid.UUID) (Welcome, error) {
	m.mu.Lock()
	if m.mode != hosting {
		m.mu.Unlock()
		return Welcome{}, ErrNotHosting
	}

	p, known := m.peers[token]
	if !known {
		p = &peer{id: m.nextID, gone: make(chan struct{})}
		m.nextID++
		m.peers[token] = p
	}
	id := p.id
	w := Welcome{ClientID: id, ServerAddr: m.socket.Addr(), ServerPubKey: m.socket.PublicKey()}
	m.mu.Unlock()

	if !known {
		m.clientConnected.Emit(id)
	}
	return w, nil
}

// DropPeer removes a dependent peer by token.
func (m *Manager) DropPeer(token uuid.UUID) error {
	m.mu.Lock()
	if m.mode != hosting {
		m.mu.Unlock()
		return ErrNotHosting
	}
	p, ok := m.peers[token]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownPeer
	}
	delete(m.peers, token)
	close(p.gone)
	m.mu.Unlock()

	m.clientDisconnected.Emit(p.id)
	return nil
}

// WatchPeer returns a channel closed once the peer is dropped or the
// authority stops.
func (m *Manager) WatchPeer(token uuid.UUID) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != hosting {
		return nil, ErrNotHosting
	}
	p, ok := m.peers[token]
	if !ok {
		return nil, ErrUnknownPeer
	}
	return p.gone, nil
}

// Authenticate accepts game socket handshakes from accepted peers.
func (m *Manager) Authenticate(b []byte) (uuid.UUID, error) {
	token, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, errors.New("invalid token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[token]; !ok {
		return uuid.Nil, ErrUnknownPeer
	}
	return token, nil
}

// HandlePeerRequest receives game socket records from authenticated peers.
func (m *Manager) HandlePeerRequest(token uuid.UUID, recordType byte, payload []byte) {
	m.mu.Lock()
	p, ok := m.peers[token]
	m.mu.Unlock()

	if !ok {
		m.logger.Warning("received request for unknown peer")
		return
	}
	m.logger.Info(fmt.Sprintf("record %d from client %d: %d bytes", recordType, p.id, len(payload)))
}

// OnServerStarted registers fn for authority start.
func (m *Manager) OnServerStarted(fn func()) event.Subscription {
	return m.serverStarted.Subscribe(func(struct{}) { fn() })
}

// OnClientConnected registers fn for peer connections.
func (m *Manager) OnClientConnected(fn func(i.ClientID)) event.Subscription {
	return m.clientConnected.Subscribe(fn)
}

// OnClientDisconnected registers fn for peer disconnections, failed dials and
// loss of the authority.
func (m *Manager) OnClientDisconnected(fn func(i.ClientID)) event.Subscription {
	return m.clientDisconnected.Subscribe(fn)
}

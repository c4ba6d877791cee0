package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beka-birhanu/udp-socket-manager/crypto"
	udppb "github.com/beka-birhanu/udp-socket-manager/encoding"
	udpsocket "github.com/beka-birhanu/udp-socket-manager/socket"
	socket_i "github.com/beka-birhanu/vinom-common/interfaces/socket"
	logger "github.com/beka-birhanu/vinom-common/log"
	"github.com/beka-birhanu/vinom-lobby-bridge/api"
	"github.com/beka-birhanu/vinom-lobby-bridge/config"
	"github.com/beka-birhanu/vinom-lobby-bridge/matchmaking"
	"github.com/beka-birhanu/vinom-lobby-bridge/network"
	"github.com/beka-birhanu/vinom-lobby-bridge/service"
	"github.com/beka-birhanu/vinom-lobby-bridge/service/i"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const shutdownTimeout = 5 * time.Second

// Global variables for dependencies
var (
	cfg            config.Config
	appLogger      i.Logger
	grpcServer     *grpc.Server
	dispatchQueue  *service.Queue
	networkManager *network.Manager
	peerDialer     *api.PeerDialer
	lobbyRegistry  *matchmaking.Registry
	remoteLobbies  *api.MatchmakingClient
	lobbyConn      *grpc.ClientConn
	lobbyClient    i.LobbyService
	bootstrapper   *service.SessionBootstrapper
)

// udpAuthority serves the authority's game traffic over the UDP socket manager.
type udpAuthority struct {
	socket socket_i.ServerSocketManager
}

func (a *udpAuthority) Serve()            { a.socket.Serve() }
func (a *udpAuthority) Stop()             { a.socket.Stop() }
func (a *udpAuthority) Addr() string      { return a.socket.GetAddr() }
func (a *udpAuthority) PublicKey() []byte { return a.socket.GetPublicKey() }

// newAuthoritySocket builds a fresh UDP socket manager each time the node
// starts hosting.
func newAuthoritySocket() (network.AuthoritySocket, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%v", cfg.HostIP, cfg.UdpPort))
	if err != nil {
		return nil, fmt.Errorf("resolving server address: %w", err)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}

	serverLogger, err := logger.New("SERVER-SOCKET", config.ColorBlue, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("creating UDP socket manager logger: %w", err)
	}
	server, err := udpsocket.NewServerSocketManager(
		udpsocket.ServerConfig{
			ListenAddr:  serverAddr,
			AsymmCrypto: crypto.NewRSA(privateKey),
			SymmCrypto:  crypto.NewAESCBC(),
			Encoder:     &udppb.Protobuf{},
			HMAC:        &crypto.HMAC{},
			Logger:      serverLogger,
		},
		udpsocket.ServerWithReadBufferSize(cfg.UDPBufferSize),
		udpsocket.ServerWithHeartbeatExpiration(cfg.UDPHeartbeatExpiration),
	)
	if err != nil {
		return nil, fmt.Errorf("creating server UDP socket manager: %w", err)
	}

	var socket socket_i.ServerSocketManager = server
	socket.SetClientRequestHandler(networkManager.HandlePeerRequest)
	socket.SetClientAuthenticator(networkManager)
	return &udpAuthority{socket: socket}, nil
}

func initNetworkManager() {
	networkLogger, err := logger.New("NETWORK", config.ColorBlue, os.Stdout)
	if err != nil {
		appLogger.Error(fmt.Sprintf("Creating network logger: %v", err))
		os.Exit(1)
	}

	peerDialer = api.NewPeerDialer()
	manager, err := network.NewManager(&network.Config{
		NewSocket:   newAuthoritySocket,
		Dialer:      peerDialer,
		DialTimeout: cfg.DialTimeout,
		Logger:      networkLogger,
	})
	if err != nil {
		appLogger.Error(fmt.Sprintf("Creating network manager: %v", err))
		os.Exit(1)
	}
	networkManager = manager
	appLogger.Info("Network Manager initialized")
}

func initMatchmaking() {
	matchmakingLogger, err := logger.New("MATCHMAKING", config.ColorPurple, os.Stdout)
	if err != nil {
		appLogger.Error(fmt.Sprintf("Creating matchmaking logger: %v", err))
		os.Exit(1)
	}
	self := i.Member{
		ID:   i.UserID(cfg.UserID),
		Name: cfg.DisplayName,
		Addr: cfg.AdvertiseAddr,
	}

	if cfg.MatchmakingAddr != "" {
		conn, err := grpc.NewClient(cfg.MatchmakingAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			appLogger.Error(fmt.Sprintf("Connecting to matchmaking at %s: %v", cfg.MatchmakingAddr, err))
			os.Exit(1)
		}
		lobbyConn = conn
		remoteLobbies = api.NewMatchmakingClient(conn, self, matchmakingLogger)
		lobbyClient = remoteLobbies
		appLogger.Info(fmt.Sprintf("Matchmaking initialized, using %s", cfg.MatchmakingAddr))
		return
	}

	registry, err := matchmaking.NewRegistry(&matchmaking.Config{
		Logger:     matchmakingLogger,
		MaxLobbies: cfg.MaxLobbies,
	})
	if err != nil {
		appLogger.Error(fmt.Sprintf("Creating lobby registry: %v", err))
		os.Exit(1)
	}
	lobbyRegistry = registry
	lobbyClient = registry.Connect(self)
	appLogger.Info("Matchmaking initialized, serving a local registry")
}

func initBootstrapper() {
	bootstrapLogger, err := logger.New("BOOTSTRAP", config.ColorCyan, os.Stdout)
	if err != nil {
		appLogger.Error(fmt.Sprintf("Creating bootstrap logger: %v", err))
		os.Exit(1)
	}

	dispatchQueue = service.NewQueue()
	b, err := service.NewSessionBootstrapper(&service.Config{
		Network:     networkManager,
		Matchmaking: lobbyClient,
		Dispatcher:  dispatchQueue,
		Logger:      bootstrapLogger,
	})
	if err != nil {
		appLogger.Error(fmt.Sprintf("Creating session bootstrapper: %v", err))
		os.Exit(1)
	}
	bootstrapper = b
	appLogger.Info("Session Bootstrapper initialized")
}

func initController() {
	grpcServer = grpc.NewServer()
	if err := api.RegisterSessionServer(grpcServer, bootstrapper, dispatchQueue, lobbyClient); err != nil {
		appLogger.Error(fmt.Sprintf("Registering session controller: %v", err))
		os.Exit(1)
	}
	if err := api.RegisterPeerServer(grpcServer, networkManager, appLogger); err != nil {
		appLogger.Error(fmt.Sprintf("Registering peer controller: %v", err))
		os.Exit(1)
	}
	if lobbyRegistry != nil {
		if err := api.RegisterMatchmakingServer(grpcServer, lobbyRegistry, appLogger); err != nil {
			appLogger.Error(fmt.Sprintf("Registering matchmaking controller: %v", err))
			os.Exit(1)
		}
	}
	appLogger.Info("Session, peer and matchmaking controllers initialized")
}

// startRole queues the startup action for the configured role.
func startRole() {
	switch cfg.Role {
	case config.RoleHost:
		dispatchQueue.Post(func() { bootstrapper.StartHost(cfg.MaxMembers) })
	case config.RoleClient:
		if cfg.LobbyID != uuid.Nil {
			dispatchQueue.Post(func() { bootstrapper.JoinLobby(cfg.LobbyID) })
			return
		}
		dispatchQueue.Post(func() { bootstrapper.StartClient(cfg.TargetAddr) })
	}
}

// shutdown ends the session on the dispatch queue, then stops serving.
// Requests the session queued for a remote matchmaking service are flushed
// before its connection closes.
func shutdown(stopQueue, stopLobbies context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := dispatchQueue.Do(ctx, bootstrapper.Close); err != nil {
		appLogger.Error(fmt.Sprintf("Closing session: %v", err))
	}
	stopLobbies()
	dispatchQueue.Close()
	stopQueue()

	grpcServer.GracefulStop()
	networkManager.Wait()
	if lobbyRegistry != nil {
		lobbyRegistry.Wait()
	}
	if err := peerDialer.Close(); err != nil {
		appLogger.Warning(fmt.Sprintf("Closing peer connections: %v", err))
	}
}

func main() {
	appLogger, _ = logger.New("APP", config.ColorGreen, os.Stdout)

	var err error
	cfg, err = config.Load()
	if err != nil {
		appLogger.Error(fmt.Sprintf("Loading config: %v", err))
		os.Exit(1)
	}

	initNetworkManager()
	initMatchmaking()
	initBootstrapper()
	initController()

	addr := fmt.Sprintf("%s:%v", cfg.HostIP, cfg.GrpcPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		appLogger.Error(fmt.Sprintf("Listening tcp: %v", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	queueCtx, stopQueue := context.WithCancel(context.Background())
	lobbyCtx, stopLobbies := context.WithCancel(context.Background())

	g.Go(func() error { return dispatchQueue.Run(queueCtx) })
	g.Go(func() error {
		appLogger.Info(fmt.Sprintf("Serving gRPC at: %s, advertised as %s", addr, cfg.AdvertiseAddr))
		return grpcServer.Serve(listener)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown(stopQueue, stopLobbies)
		return nil
	})

	if remoteLobbies == nil {
		startRole()
	} else {
		g.Go(func() error { return remoteLobbies.Run(lobbyCtx) })
		g.Go(func() error {
			select {
			case <-remoteLobbies.Ready():
				startRole()
			case <-ctx.Done():
			}
			return nil
		})
	}

	err = g.Wait()
	if lobbyConn != nil {
		_ = lobbyConn.Close()
	}
	if err != nil {
		appLogger.Error(fmt.Sprintf("Serving: %v", err))
		os.Exit(1)
	}
	appLogger.Info("Shut down")
}

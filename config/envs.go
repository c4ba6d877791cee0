package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Node roles.
const (
	RoleHost   = "host"
	RoleClient = "client"
	RoleIdle   = "idle"
)

// Config holds the application's configuration values.
type Config struct {
	Role        string `env:"ROLE" envDefault:"idle"`           // host, client or idle at startup
	UserID      uint64 `env:"USER_ID,required,notEmpty"`        // Matchmaking identity of this node
	DisplayName string `env:"DISPLAY_NAME" envDefault:"player"` // Name shown to lobby members

	HostIP        string `env:"HOST_IP" envDefault:"0.0.0.0"` // Interface the gRPC server binds
	GrpcPort      int    `env:"GRPC_PORT" envDefault:"7070"`  // Port for the control and peer services
	AdvertiseAddr string `env:"ADVERTISE_ADDR"`               // Address published to lobby members, defaults to HOST_IP:GRPC_PORT

	UdpPort                int           `env:"UDP_PORT" envDefault:"7071"`               // Port for the authority's UDP socket
	UDPBufferSize          int           `env:"UDP_BUFFER_SIZE" envDefault:"2048"`        // Size of the buffer for incoming UDP packets (in bytes)
	UDPHeartbeatExpiration time.Duration `env:"UDP_HEARTBEAT_EXPIRATION" envDefault:"3s"` // Expiration time for UDP heartbeat

	MaxMembers  int           `env:"MAX_MEMBERS" envDefault:"4"`   // Lobby size when hosting at startup
	MaxLobbies  int           `env:"MAX_LOBBIES" envDefault:"0"`   // Cap on concurrent lobbies, 0 for none
	TargetAddr  string        `env:"TARGET_ADDR"`                  // Authority to connect to when ROLE=client
	LobbyID     uuid.UUID     `env:"LOBBY_ID"`                     // Lobby to join when ROLE=client, instead of TARGET_ADDR
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"` // Timeout for reaching an authority

	MatchmakingAddr string `env:"MATCHMAKING_ADDR"` // Shared matchmaking service; empty serves a local registry
}

// Load reads the optional .env file and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("[APP] [INFO] .env file not found or could not be loaded: %v", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = fmt.Sprintf("%s:%d", cfg.HostIP, cfg.GrpcPort)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Role {
	case RoleHost, RoleIdle:
	case RoleClient:
		if c.TargetAddr == "" && c.LobbyID == uuid.Nil {
			return fmt.Errorf("TARGET_ADDR or LOBBY_ID is required when ROLE=%s", RoleClient)
		}
	default:
		return fmt.Errorf("unknown ROLE %q", c.Role)
	}
	if c.MaxMembers <= 0 {
		return fmt.Errorf("MAX_MEMBERS must be positive, got %d", c.MaxMembers)
	}
	return nil
}

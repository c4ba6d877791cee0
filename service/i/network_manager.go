package i

import "github.com/beka-birhanu/vinom-lobby-bridge/event"

// NetworkManager drives the local network layer as either the authority or a
// dependent peer.
type NetworkManager interface {
	// StartHost begins local network authority.
	StartHost() error

	// StartClient starts a dependent peer against the target address. It
	// reports whether the start was accepted locally, not whether the
	// connection succeeds.
	StartClient() bool

	// Shutdown stops whatever mode is running.
	Shutdown()

	// SetTargetAddress sets the authority address used by StartClient.
	SetTargetAddress(addr string)

	IsHost() bool
	IsClient() bool

	OnServerStarted(func()) event.Subscription
	OnClientConnected(func(ClientID)) event.Subscription
	OnClientDisconnected(func(ClientID)) event.Subscription
}

package i

import (
	"context"

	"github.com/google/uuid"
)

// SessionBootstrapper starts and stops a networked session through a lobby.
// Its methods must run on the dispatcher that owns it.
type SessionBootstrapper interface {
	StartHost(maxMembers int)
	StartClient(target string) bool
	JoinLobby(id uuid.UUID)
	Disconnect()
	State() SessionState
}

// Dispatcher serialises work onto a single goroutine.
type Dispatcher interface {
	// Post queues fn without waiting.
	Post(fn func())

	// Do queues fn and waits until it has run or ctx is done.
	Do(ctx context.Context, fn func()) error
}

package i

import (
	"context"

	"github.com/beka-birhanu/vinom-lobby-bridge/event"
	"github.com/google/uuid"
)

// Matchmaking is one user's view of the matchmaking service. Completion
// callbacks and notifications may arrive on any goroutine.
type Matchmaking interface {
	// Self is the local user.
	Self() Member

	CreateLobby(maxMembers int, done func(Lobby, error))
	JoinLobby(id uuid.UUID, done func(RoomEnter))
	LeaveLobby(id uuid.UUID)

	SetPublic(id uuid.UUID)
	SetJoinable(id uuid.UUID, joinable bool)
	SetGameServer(id uuid.UUID, addr string)

	OnLobbyCreated(func(Result, Lobby)) event.Subscription
	OnLobbyEntered(func(Lobby)) event.Subscription
	OnMemberJoined(func(Lobby, Member)) event.Subscription
	OnMemberLeft(func(Lobby, Member)) event.Subscription
	OnMemberDisconnected(func(Lobby, Member)) event.Subscription
	OnMemberDataChanged(func(Lobby, Member)) event.Subscription
	OnInviteReceived(func(Member, Lobby)) event.Subscription
	OnJoinRequested(func(Lobby, Member)) event.Subscription
}

// LobbyDirectory holds the lobby operations a user drives directly rather
// than through a session. Unlike Matchmaking its calls block until the
// service answers.
type LobbyDirectory interface {
	Invite(ctx context.Context, id uuid.UUID, user UserID) error
	AcceptInvite(ctx context.Context, id uuid.UUID) error
	SetMemberData(ctx context.Context, id uuid.UUID, key, value string) error
	LobbyInfo(ctx context.Context, id uuid.UUID) (Lobby, error)
}

// LobbyService is a user's full handle on matchmaking.
type LobbyService interface {
	Matchmaking
	LobbyDirectory
}

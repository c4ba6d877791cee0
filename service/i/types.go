package i

import (
	"fmt"

	"github.com/google/uuid"
)

// UserID is the matchmaking identity of a user.
type UserID uint64

// ClientID identifies a peer inside the network layer. The authority is 0.
type ClientID uint64

// ServerClientID is the ClientID the authority assigns to itself.
const ServerClientID ClientID = 0

// Member is a lobby participant. Addr is where the member's network
// authority can be reached when it owns a lobby.
type Member struct {
	ID   UserID
	Name string
	Addr string
}

// Lobby is a snapshot of a matchmaking lobby.
type Lobby struct {
	ID         uuid.UUID
	Owner      Member
	MaxMembers int
	Members    []Member
	Public     bool
	Joinable   bool
	GameServer string
	MemberData map[UserID]map[string]string
}

// HasMember reports whether id is in the lobby.
func (l Lobby) HasMember(id UserID) bool {
	for _, m := range l.Members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Result is the outcome of a lobby creation request.
type Result int

const (
	ResultOK Result = iota + 1
	ResultFail
	ResultInvalidParam
	ResultLimitExceeded
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultFail:
		return "Fail"
	case ResultInvalidParam:
		return "InvalidParam"
	case ResultLimitExceeded:
		return "LimitExceeded"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// RoomEnter is the outcome of a lobby join request.
type RoomEnter int

const (
	RoomEnterSuccess RoomEnter = iota + 1
	RoomEnterDoesntExist
	RoomEnterNotAllowed
	RoomEnterFull
	RoomEnterError
)

func (r RoomEnter) String() string {
	switch r {
	case RoomEnterSuccess:
		return "Success"
	case RoomEnterDoesntExist:
		return "DoesntExist"
	case RoomEnterNotAllowed:
		return "NotAllowed"
	case RoomEnterFull:
		return "Full"
	case RoomEnterError:
		return "Error"
	default:
		return fmt.Sprintf("RoomEnter(%d)", int(r))
	}
}
